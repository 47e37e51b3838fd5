package webdav

import (
	"fmt"
	"time"

	"github.com/marmos91/edgedav/pkg/admission"
	"github.com/marmos91/edgedav/pkg/bufpool"
)

// TimeoutsConfig groups the per-connection deadlines. A zero field is
// replaced by its default when the adapter is created.
type TimeoutsConfig struct {
	// Read bounds reading one request, headers and body, from its first
	// byte. Default: 5m.
	Read time.Duration

	// Write bounds writing one response. Default: 5m.
	Write time.Duration

	// Idle is how long a keep-alive connection may wait for the first byte
	// of the next request. Default: 2m.
	Idle time.Duration

	// Shutdown is how long Serve waits for connections to finish before
	// force-closing them. Default: 30s.
	Shutdown time.Duration
}

// RateLimitConfig throttles requests across all connections.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
}

// Config holds the file server settings.
//
// Default values (applied by New if zero):
//   - Port: 3000
//   - MaxConcurrentRequests: 2
//   - Timeouts.Read: 5m
//   - Timeouts.Write: 5m
//   - Timeouts.Idle: 2m
//   - Timeouts.Shutdown: 30s
//   - BufferSize: 16KiB
//   - MaxHeaderBytes: 64KiB
type Config struct {
	// BindAddress is the IP to bind. Empty binds all interfaces.
	BindAddress string

	// Port is the TCP port. Use -1 for an ephemeral port in tests.
	Port int

	// MaxConcurrentRequests is the admission limit N. Connections are
	// always accepted; requests beyond N wait for a ticket.
	MaxConcurrentRequests int

	Timeouts TimeoutsConfig

	// BufferSize is the per-transfer copy buffer.
	BufferSize int

	// MaxHeaderBytes caps the request line plus headers.
	MaxHeaderBytes int

	RateLimit RateLimitConfig

	// MetricsLogInterval logs connection counts periodically. 0 disables.
	MetricsLogInterval time.Duration
}

const (
	DefaultPort           = 3000
	DefaultMaxHeaderBytes = 64 << 10
)

func (c *Config) applyDefaults() {
	switch {
	case c.Port == 0:
		c.Port = DefaultPort
	case c.Port < 0:
		c.Port = 0
	}
	if c.MaxConcurrentRequests == 0 {
		c.MaxConcurrentRequests = admission.DefaultCapacity
	}
	if c.Timeouts.Read == 0 {
		c.Timeouts.Read = 5 * time.Minute
	}
	if c.Timeouts.Write == 0 {
		c.Timeouts.Write = 5 * time.Minute
	}
	if c.Timeouts.Idle == 0 {
		c.Timeouts.Idle = 2 * time.Minute
	}
	if c.Timeouts.Shutdown == 0 {
		c.Timeouts.Shutdown = 30 * time.Second
	}
	if c.BufferSize == 0 {
		c.BufferSize = bufpool.DefaultTransferSize
	}
	if c.MaxHeaderBytes == 0 {
		c.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.MaxConcurrentRequests < 1 {
		return fmt.Errorf("invalid max concurrent requests %d: must be >= 1", c.MaxConcurrentRequests)
	}
	if c.Timeouts.Read < 0 || c.Timeouts.Write < 0 || c.Timeouts.Idle < 0 {
		return fmt.Errorf("invalid timeouts %+v: must be >= 0", c.Timeouts)
	}
	if c.Timeouts.Shutdown <= 0 {
		return fmt.Errorf("invalid shutdown timeout %v: must be > 0", c.Timeouts.Shutdown)
	}
	if c.BufferSize < 512 {
		return fmt.Errorf("invalid buffer size %d: must be >= 512", c.BufferSize)
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("invalid rate limit %v: must be > 0 when enabled", c.RateLimit.RequestsPerSecond)
	}
	return nil
}
