package timesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const httpDateTimeout = 10 * time.Second

// HTTPDateSyncer reads the wall clock from the Date header of an HTTP
// response. Coarse (one second resolution) but good enough to restore a
// clock that restarted from zero.
type HTTPDateSyncer struct {
	url  string
	http *http.Client
}

func NewHTTPDateSyncer(url string) *HTTPDateSyncer {
	return &HTTPDateSyncer{
		url:  url,
		http: &http.Client{Timeout: httpDateTimeout},
	}
}

// Sync issues a HEAD request and parses the Date header.
func (s *HTTPDateSyncer) Sync(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("head %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	header := resp.Header.Get("Date")
	if header == "" {
		return time.Time{}, errors.New("response carried no Date header")
	}
	at, err := http.ParseTime(header)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse Date header %q: %w", header, err)
	}
	return at.UTC(), nil
}
