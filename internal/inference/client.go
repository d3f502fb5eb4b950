// Package inference implements the Inference Client: submits a workflow
// to a ComfyUI-style runtime container, polls for completion, and
// downloads result artifacts. Requests use bounded retries with
// exponential backoff and context-aware cancellation.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/deeployd/forge/internal/forgeerrors"
	"github.com/deeployd/forge/internal/logger"
	"github.com/deeployd/forge/internal/pkg/httpx"
)

// Status is the normalized execution state derived from the runtime's
// queue and history endpoints.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
)

type StatusResult struct {
	Status        Status
	Outputs       []string
	QueuePosition int
	Error         string
}

type CompletionResult struct {
	Status Status
	Images []string
	Error  string
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	outputDir  string
	log        *logger.Logger
	maxRetries int
}

type Options struct {
	BaseURL    string
	OutputDir  string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

func New(opts Options, log *logger.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: httpClient,
		outputDir:  opts.OutputDir,
		log:        log.With("component", "InferenceClient"),
		maxRetries: maxRetries,
	}
}

// WithBaseURL returns a shallow copy of the client redirected at a
// different runtime base URL, letting one long-lived, Options-configured
// client be pointed at whichever container the Container Supervisor
// ensured for a given job.
func (c *Client) WithBaseURL(baseURL string) *Client {
	clone := *c
	clone.baseURL = strings.TrimRight(baseURL, "/")
	return &clone
}

// Submit POSTs the workflow graph and returns the runtime-assigned
// prompt id, failing on a non-2xx response or a missing id in the body.
func (c *Client) Submit(ctx context.Context, workflow map[string]any, clientID string) (string, error) {
	body := map[string]any{"prompt": workflow, "client_id": clientID}

	var resp struct {
		PromptID string `json:"prompt_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/prompt", body, &resp); err != nil {
		return "", err
	}
	if resp.PromptID == "" {
		return "", forgeerrors.New(forgeerrors.RuntimeUnavailable, "runtime response missing prompt_id")
	}
	return resp.PromptID, nil
}

// Status checks the runtime's queue and history endpoints and normalizes
// the result.
func (c *Client) Status(ctx context.Context, promptID string) (StatusResult, error) {
	var queue struct {
		QueueRunning [][]any `json:"queue_running"`
		QueuePending [][]any `json:"queue_pending"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/queue", nil, &queue); err != nil {
		return StatusResult{Status: StatusUnknown}, err
	}

	for _, entry := range queue.QueueRunning {
		if promptIDOf(entry) == promptID {
			return StatusResult{Status: StatusRunning}, nil
		}
	}
	for i, entry := range queue.QueuePending {
		if promptIDOf(entry) == promptID {
			return StatusResult{Status: StatusPending, QueuePosition: i + 1}, nil
		}
	}

	var history map[string]struct {
		Status struct {
			Completed bool   `json:"completed"`
			StatusStr string `json:"status_str"`
			Messages  []any  `json:"messages"`
		} `json:"status"`
		Outputs map[string]struct {
			Images []struct {
				Filename string `json:"filename"`
			} `json:"images"`
		} `json:"outputs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/history/"+promptID, nil, &history); err != nil {
		return StatusResult{Status: StatusUnknown}, err
	}
	entry, ok := history[promptID]
	if !ok {
		return StatusResult{Status: StatusUnknown}, nil
	}

	var outputs []string
	for _, out := range entry.Outputs {
		for _, img := range out.Images {
			outputs = append(outputs, img.Filename)
		}
	}

	if entry.Status.StatusStr == "error" {
		return StatusResult{Status: StatusFailed, Error: "execution failed", Outputs: outputs}, nil
	}
	if entry.Status.Completed {
		return StatusResult{Status: StatusCompleted, Outputs: outputs}, nil
	}
	return StatusResult{Status: StatusRunning}, nil
}

// WaitForCompletion polls Status at 1s intervals until a terminal state
// or timeout, then downloads and persists each output image. onPoll, when
// non-nil, observes every non-terminal poll result so callers can relay
// progress without running their own poll loop.
func (c *Client) WaitForCompletion(ctx context.Context, promptID string, timeout time.Duration, onPoll func(StatusResult)) (CompletionResult, error) {
	deadline := time.Now().Add(timeout)
	for {
		result, err := c.Status(ctx, promptID)
		if err != nil {
			return CompletionResult{}, err
		}

		switch result.Status {
		case StatusCompleted:
			urls, err := c.downloadImages(ctx, result.Outputs)
			if err != nil {
				return CompletionResult{}, err
			}
			return CompletionResult{Status: StatusCompleted, Images: urls}, nil
		case StatusFailed:
			return CompletionResult{Status: StatusFailed, Error: result.Error}, nil
		}

		if onPoll != nil {
			onPoll(result)
		}

		if time.Now().After(deadline) {
			return CompletionResult{}, forgeerrors.New(forgeerrors.Timeout, "wait_for_completion exceeded "+timeout.String())
		}

		select {
		case <-ctx.Done():
			return CompletionResult{}, ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
}

func (c *Client) downloadImages(ctx context.Context, filenames []string) ([]string, error) {
	urls := make([]string, 0, len(filenames))
	for _, filename := range filenames {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?filename="+filename, nil)
		if err != nil {
			return nil, forgeerrors.Wrap(forgeerrors.Internal, "build download request", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, forgeerrors.Wrap(forgeerrors.RuntimeUnavailable, "download image", err)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			return nil, forgeerrors.New(forgeerrors.RuntimeUnavailable, fmt.Sprintf("download %s: status %d", filename, resp.StatusCode))
		}

		dest := filepath.Join(c.outputDir, filename)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, forgeerrors.Wrap(forgeerrors.Internal, "create output dir", err)
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return nil, forgeerrors.Wrap(forgeerrors.Internal, "persist output image", err)
		}
		urls = append(urls, "/api/images/"+filename)
	}
	return urls, nil
}

func promptIDOf(entry []any) string {
	if len(entry) < 2 {
		return ""
	}
	if id, ok := entry[1].(string); ok {
		return id
	}
	return ""
}

// doJSON performs one JSON round trip with bounded retries: exponential
// backoff starting at 250ms, doubling each attempt, aborting immediately
// on context cancellation.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return forgeerrors.Wrap(forgeerrors.Internal, "marshal request body", err)
		}
	}

	backoff := 250 * time.Millisecond
	const maxBackoff = 8 * time.Second
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(httpx.JitterSleep(backoff)):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return forgeerrors.Wrap(forgeerrors.Internal, "build request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.log.Debug("inference request failed, retrying", "path", path, "attempt", attempt, "error", err)
			continue
		}

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil || len(raw) == 0 {
				return nil
			}
			if err := json.Unmarshal(raw, out); err != nil {
				return forgeerrors.Wrap(forgeerrors.Internal, "decode response", err)
			}
			return nil
		}

		lastErr = forgeerrors.New(forgeerrors.RuntimeUnavailable, fmt.Sprintf("runtime returned %d: %s", resp.StatusCode, string(raw)))
		if !httpx.IsRetryableHTTPStatus(resp.StatusCode) {
			return lastErr
		}
		if wait := httpx.RetryAfterDuration(resp, 0, maxBackoff); wait > backoff {
			backoff = wait
		}
	}
	return lastErr
}
