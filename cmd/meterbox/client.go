package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"meterbox/internal/api"
)

// apiClient talks to the daemon HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(addr string) *apiClient {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		// Capture waits on recognition polling, which can take minutes.
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, payload, target any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

func (c *apiClient) capture(ctx context.Context) (api.CaptureResponse, error) {
	var out api.CaptureResponse
	err := c.do(ctx, http.MethodPost, "/api/capture", nil, &out)
	return out, err
}

func (c *apiClient) settings(ctx context.Context) (api.OperationalSettings, error) {
	var out api.OperationalSettings
	err := c.do(ctx, http.MethodGet, "/api/settings", nil, &out)
	return out, err
}

func (c *apiClient) updateSettings(ctx context.Context, payload api.OperationalSettings) (api.OperationalSettings, error) {
	var out api.OperationalSettings
	err := c.do(ctx, http.MethodPut, "/api/settings", payload, &out)
	return out, err
}

func (c *apiClient) regions(ctx context.Context) (api.RegionsResponse, error) {
	var out api.RegionsResponse
	err := c.do(ctx, http.MethodGet, "/api/regions", nil, &out)
	return out, err
}

func (c *apiClient) updateRegion(ctx context.Context, key string, payload api.Region) (api.Region, error) {
	var out api.Region
	err := c.do(ctx, http.MethodPut, "/api/regions/"+key, payload, &out)
	return out, err
}

func (c *apiClient) artifacts(ctx context.Context) (api.ArtifactListResponse, error) {
	var out api.ArtifactListResponse
	err := c.do(ctx, http.MethodGet, "/api/artifacts", nil, &out)
	return out, err
}

func (c *apiClient) download(ctx context.Context, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/artifacts/"+name, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}
