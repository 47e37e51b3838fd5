// Package apiclient is a client for the edgedav status API.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a single API call.
const DefaultTimeout = 10 * time.Second

// Client is the edgedav status API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new API client for baseURL (e.g. "http://localhost:8080").
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// WithTimeout returns a client sharing the base URL with a different timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	return &Client{
		baseURL:    c.baseURL,
		httpClient: &http.Client{Timeout: d},
	}
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// envelope mirrors the server's response wrapper with the payload left raw.
type envelope struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// do performs a GET and decodes the envelope's data into result.
// Non-2xx responses return *APIError; the decoded envelope is returned in
// both cases when the body carried one.
func (c *Client) do(ctx context.Context, path string, result any) (*envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var env envelope
	decoded := json.Unmarshal(body, &env) == nil && env.Status != ""

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		if decoded {
			apiErr.Status = env.Status
			apiErr.Message = env.Error
			return &env, apiErr
		}
		return nil, apiErr
	}

	if !decoded {
		return nil, fmt.Errorf("failed to decode response from %s", path)
	}
	if result != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return &env, fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return &env, nil
}

// get performs a GET request.
func (c *Client) get(ctx context.Context, path string, result any) error {
	_, err := c.do(ctx, path, result)
	return err
}
