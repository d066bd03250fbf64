// Package uploader pushes stored artifacts to the operator's collection
// server. Upload is best effort: a failure never blocks local storage.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"meterbox/internal/logging"
	"meterbox/internal/services"
)

const (
	maxAttempts = 2
	baseBackoff = time.Second
)

// Client posts artifacts to one server URL.
type Client struct {
	http   *http.Client
	logger *slog.Logger
	sleep  func(time.Duration)
}

// NewClient builds an upload client. Timeout bounds each HTTP exchange.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		http:   &http.Client{Timeout: timeout},
		logger: logging.NewComponentLogger(logger, "uploader"),
		sleep:  time.Sleep,
	}
}

type serverReply struct {
	Status string `json:"status"`
}

// Upload posts the artifact bytes to serverURL. The server's JSON reply
// decides the outcome: {"status":"success"} counts as success even when the
// HTTP status is not 2xx, a quirk of deployed collection servers.
func (c *Client) Upload(ctx context.Context, serverURL, filename string, data []byte) error {
	if strings.TrimSpace(serverURL) == "" {
		return services.Wrap(services.ErrConfiguration, "uploader", "upload", "server url not configured", nil)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return services.Wrap(services.ErrTransient, "uploader", "upload", "context cancelled", err)
		}

		err := c.post(ctx, serverURL, filename, data)
		if err == nil {
			return nil
		}
		lastErr = err
		c.logger.Warn("upload attempt failed",
			logging.Int(logging.FieldAttempt, attempt),
			logging.String(logging.FieldArtifact, filename),
			logging.Error(err))
		if attempt < maxAttempts {
			c.sleep(baseBackoff << (attempt - 1))
		}
	}
	return services.Wrap(services.ErrTransient, "uploader", "upload", "all attempts failed", lastErr)
}

func (c *Client) post(ctx context.Context, serverURL, filename string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post artifact: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var reply serverReply
	if json.Unmarshal(body, &reply) == nil && reply.Status == "success" {
		return nil
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
