package taskrun

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
)

// HTTPClient talks to a REST task API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient returns a client with a 10-second request timeout.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type triggerRequest struct {
	Payload map[string]any `json:"payload"`
}

type triggerResponse struct {
	ID string `json:"id"`
}

type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output any    `json:"output"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) Trigger(ctx context.Context, taskID string, payload map[string]any) (string, error) {
	var out triggerResponse
	path := "/api/v1/tasks/" + url.PathEscape(taskID) + "/trigger"
	if err := c.do(ctx, http.MethodPost, path, triggerRequest{Payload: payload}, &out); err != nil {
		return "", fmt.Errorf("trigger %s: %w", taskID, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("trigger %s: response has no run id", taskID)
	}
	return out.ID, nil
}

func (c *HTTPClient) Status(ctx context.Context, handle string) (*Status, error) {
	var out runResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(handle), nil, &out); err != nil {
		return nil, fmt.Errorf("get task run %s: %w", handle, err)
	}

	status := &Status{
		Handle: handle,
		State:  NormalizeState(out.Status),
		Output: out.Output,
	}
	if out.Error != nil {
		status.Error = out.Error.Message
	}
	return status, nil
}

func (c *HTTPClient) Cancel(ctx context.Context, handle string) error {
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(handle)+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("cancel task run %s: %w", handle, err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("task API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("task API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode task API response: %w", err)
	}
	return nil
}
