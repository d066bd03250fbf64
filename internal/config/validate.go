package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateOCR(); err != nil {
		return err
	}
	if err := c.validateCapture(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateOCR() error {
	endpoint := strings.TrimSpace(c.OCR.Endpoint)
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return fmt.Errorf("ocr.endpoint must be an http(s) URL, got %q", endpoint)
	}
	if endpoint != "" && c.OCR.ClientKey == "" {
		return errors.New("ocr.client_key must be set when ocr.endpoint is configured")
	}
	if url := c.Time.SyncURL; url != "" && !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("time.sync_url must be an http(s) URL, got %q", url)
	}
	return nil
}

func (c *Config) validateCapture() error {
	if c.Capture.Quality < 0 || c.Capture.Quality > 63 {
		return fmt.Errorf("capture.quality must be between 0 and 63, got %d", c.Capture.Quality)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}
