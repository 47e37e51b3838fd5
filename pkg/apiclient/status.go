package apiclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marmos91/edgedav/pkg/api"
)

// Readiness is the payload of GET /health/ready.
type Readiness struct {
	Ready    bool   `json:"-"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
	Address  string `json:"address,omitempty"`
	Reason   string `json:"-"`
}

// Health calls GET /health and returns nil when the process is live.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/health", nil)
}

// Ready calls GET /health/ready. A 503 is not an error: it returns
// Readiness.Ready false with the reason reported by the server.
func (c *Client) Ready(ctx context.Context) (*Readiness, error) {
	var r Readiness
	env, err := c.do(ctx, "/health/ready", &r)
	if err == nil {
		r.Ready = true
		return &r, nil
	}
	if !IsUnavailable(err) || env == nil {
		return nil, err
	}

	// do skips the payload on error responses.
	if len(env.Data) > 0 {
		if jsonErr := json.Unmarshal(env.Data, &r); jsonErr != nil {
			return nil, fmt.Errorf("failed to decode readiness: %w", jsonErr)
		}
	}
	r.Reason = env.Error
	return &r, nil
}

// Status calls GET /status.
func (c *Client) Status(ctx context.Context) (*api.Status, error) {
	var status api.Status
	if err := c.get(ctx, "/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}
