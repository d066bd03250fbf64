// Package ocr submits captured frames to the remote text-recognition API
// and polls for the reading. The API is asynchronous: a create call returns
// a task id, results are fetched separately.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
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
	submitAttempts = 3
	submitBackoff  = 2 * time.Second
	initialWait    = 5 * time.Second
	pollAttempts   = 10
	pollInterval   = 5 * time.Second
	parseRetry     = 2 * time.Second

	maxBodySnippet = 512
)

// RemoteError is an explicit rejection from the recognition service. It is
// terminal: retrying the same task cannot succeed.
type RemoteError struct {
	Code string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("recognition service rejected task: %s", e.Code)
}

// Client talks to one recognition endpoint.
type Client struct {
	endpoint  string
	clientKey string
	http      *http.Client
	logger    *slog.Logger
	sleep     func(time.Duration)
}

// NewClient builds a recognition client. Timeout bounds each HTTP exchange,
// not the whole task.
func NewClient(endpoint, clientKey string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		endpoint:  strings.TrimRight(endpoint, "/"),
		clientKey: clientKey,
		http:      &http.Client{Timeout: timeout},
		logger:    logging.NewComponentLogger(logger, "ocr"),
		sleep:     time.Sleep,
	}
}

type createTaskRequest struct {
	ClientKey string   `json:"clientKey"`
	Task      taskBody `json:"task"`
}

type taskBody struct {
	Type string `json:"type"`
	Body string `json:"body"`
}

type createTaskResponse struct {
	TaskID    json.Number `json:"taskId"`
	ErrorCode string      `json:"errorCode"`
}

type taskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    int64  `json:"taskId"`
}

type taskResultResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"errorCode"`
	Solution  struct {
		Text string `json:"text"`
	} `json:"solution"`
}

// Recognize submits a JPEG and waits for the reading. On exhaustion of the
// poll budget it returns an error marked services.ErrTimeout; an explicit
// service rejection surfaces as *RemoteError.
func (c *Client) Recognize(ctx context.Context, image []byte) (string, error) {
	taskID, err := c.submit(ctx, image)
	if err != nil {
		return "", err
	}
	c.logger.Debug("task created", logging.Int64("task_id", taskID))

	c.sleep(initialWait)
	return c.poll(ctx, taskID)
}

func (c *Client) submit(ctx context.Context, image []byte) (int64, error) {
	payload, err := json.Marshal(createTaskRequest{
		ClientKey: c.clientKey,
		Task: taskBody{
			Type: "ImageToTextTask",
			Body: base64.StdEncoding.EncodeToString(image),
		},
	})
	if err != nil {
		return 0, services.Wrap(services.ErrFormat, "ocr", "submit", "encode request", err)
	}

	var lastErr error
	for attempt := 1; attempt <= submitAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, services.Wrap(services.ErrTransient, "ocr", "submit", "context cancelled", err)
		}

		taskID, err := c.createTask(ctx, payload)
		if err == nil {
			return taskID, nil
		}
		var remote *RemoteError
		if errors.As(err, &remote) {
			return 0, err
		}
		lastErr = err
		c.logger.Warn("task submission failed", logging.Int(logging.FieldAttempt, attempt), logging.Error(err))
		if attempt < submitAttempts {
			c.sleep(submitBackoff)
		}
	}
	return 0, services.Wrap(services.ErrTransient, "ocr", "submit", "all attempts failed", lastErr)
}

func (c *Client) createTask(ctx context.Context, payload []byte) (int64, error) {
	body, err := c.post(ctx, c.endpoint+"/createTask", payload)
	if err != nil {
		return 0, err
	}

	var decoded createTaskResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return 0, fmt.Errorf("decode create response %q: %w", snippet(body), err)
	}
	if decoded.ErrorCode != "" {
		return 0, &RemoteError{Code: decoded.ErrorCode}
	}
	taskID, err := decoded.TaskID.Int64()
	if err != nil || taskID <= 0 {
		return 0, fmt.Errorf("create response carried no task id: %q", snippet(body))
	}
	return taskID, nil
}

func (c *Client) poll(ctx context.Context, taskID int64) (string, error) {
	payload, err := json.Marshal(taskResultRequest{ClientKey: c.clientKey, TaskID: taskID})
	if err != nil {
		return "", services.Wrap(services.ErrFormat, "ocr", "poll", "encode request", err)
	}

	for attempt := 1; attempt <= pollAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", services.Wrap(services.ErrTransient, "ocr", "poll", "context cancelled", err)
		}

		body, err := c.post(ctx, c.endpoint+"/getTaskResult", payload)
		if err != nil {
			c.logger.Warn("result poll failed", logging.Int(logging.FieldAttempt, attempt), logging.Error(err))
			if attempt < pollAttempts {
				c.sleep(pollInterval)
			}
			continue
		}

		var decoded taskResultResponse
		if err := json.Unmarshal(body, &decoded); err != nil {
			c.logger.Warn("result response unreadable",
				logging.Int(logging.FieldAttempt, attempt),
				logging.String("body", snippet(body)))
			if attempt < pollAttempts {
				c.sleep(parseRetry)
			}
			continue
		}

		if decoded.ErrorCode != "" {
			return "", &RemoteError{Code: decoded.ErrorCode}
		}
		if decoded.Status == "ready" {
			return decoded.Solution.Text, nil
		}
		if attempt < pollAttempts {
			c.sleep(pollInterval)
		}
	}
	return "", services.Wrap(services.ErrTimeout, "ocr", "poll",
		fmt.Sprintf("task %d not ready after %d polls", taskID, pollAttempts), nil)
}

func (c *Client) post(ctx context.Context, url string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet(body))
	}
	return body, nil
}

func snippet(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > maxBodySnippet {
		return trimmed[:maxBodySnippet] + "..."
	}
	return trimmed
}
