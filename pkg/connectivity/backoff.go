package connectivity

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff types.
const (
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

// BackoffConfig controls the delay between failed connect attempts.
type BackoffConfig struct {
	// Type is "constant" (every retry waits Initial) or "exponential".
	Type string

	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoffConfig waits one second between attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Type:       BackoffConstant,
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
	}
}

// newBackOff builds a policy that never gives up; the retry ceiling is the
// supervisor's concern.
func newBackOff(cfg BackoffConfig) (backoff.BackOff, error) {
	if cfg.Initial <= 0 {
		return nil, fmt.Errorf("backoff initial interval must be positive, got %s", cfg.Initial)
	}

	switch cfg.Type {
	case "", BackoffConstant:
		return backoff.NewConstantBackOff(cfg.Initial), nil
	case BackoffExponential:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.Initial
		b.MaxInterval = cfg.Max
		if b.MaxInterval < cfg.Initial {
			b.MaxInterval = cfg.Initial
		}
		if cfg.Multiplier > 1 {
			b.Multiplier = cfg.Multiplier
		}
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0
		b.Reset()
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backoff type %q", cfg.Type)
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
