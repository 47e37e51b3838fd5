package config

import (
	"fmt"

	"github.com/marmos91/edgedav/internal/logger"
	"github.com/marmos91/edgedav/internal/telemetry"
	"github.com/marmos91/edgedav/pkg/adapter/webdav"
	"github.com/marmos91/edgedav/pkg/connectivity"
	"github.com/marmos91/edgedav/pkg/connectivity/netif"
	"github.com/marmos91/edgedav/pkg/connectivity/sim"
	"github.com/marmos91/edgedav/pkg/edge"
	"github.com/marmos91/edgedav/pkg/vfs"
	"github.com/marmos91/edgedav/pkg/volume"
	"github.com/marmos91/edgedav/pkg/volume/local"
)

// ServiceName is reported to the tracing and profiling backends.
const ServiceName = "edgedav"

// LoggerConfig converts the logging section.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}

// TelemetryConfig converts the telemetry section.
func (c *Config) TelemetryConfig(version string) telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Telemetry.Enabled,
		ServiceName:    ServiceName,
		ServiceVersion: version,
		Endpoint:       c.Telemetry.Endpoint,
		Insecure:       c.Telemetry.Insecure,
		SampleRate:     c.Telemetry.SampleRate,
	}
}

// ProfilingConfig converts the profiling section.
func (c *Config) ProfilingConfig(version string) telemetry.ProfilingConfig {
	return telemetry.ProfilingConfig{
		Enabled:        c.Telemetry.Profiling.Enabled,
		ServiceName:    ServiceName,
		ServiceVersion: version,
		Endpoint:       c.Telemetry.Profiling.Endpoint,
		ProfileTypes:   c.Telemetry.Profiling.ProfileTypes,
	}
}

// CreateDriver creates the connectivity driver named by wireless.driver.
//
// Supported drivers:
//   - "netif": watches a host interface (pkg/connectivity/netif)
//   - "sim": simulated uplink that always connects (pkg/connectivity/sim)
func CreateDriver(cfg *WirelessConfig) (connectivity.Driver, error) {
	switch cfg.Driver {
	case "netif":
		if cfg.Interface == "" {
			return nil, fmt.Errorf("netif driver: interface is required")
		}
		return netif.New(cfg.Interface, cfg.PollInterval), nil
	case "sim":
		return sim.New(), nil
	default:
		return nil, fmt.Errorf("unknown wireless driver: %q", cfg.Driver)
	}
}

// CreateCredentials seals the wireless SSID and password.
func CreateCredentials(cfg *WirelessConfig) (*connectivity.Credentials, error) {
	creds, err := connectivity.NewCredentials(cfg.SSID, []byte(cfg.Password))
	if err != nil {
		return nil, fmt.Errorf("failed to create wireless credentials: %w", err)
	}
	return creds, nil
}

// CreateMounter creates the volume mounter.
func CreateMounter(cfg *VolumeConfig) volume.Mounter {
	create := cfg.CreateIfMissing == nil || *cfg.CreateIfMissing
	return local.New(local.Options{CreateIfMissing: create})
}

// WebDAVConfig converts the server section.
func (c *Config) WebDAVConfig() webdav.Config {
	return webdav.Config{
		BindAddress:           c.Server.BindAddress,
		Port:                  c.Server.Port,
		MaxConcurrentRequests: c.Server.MaxConcurrentRequests,
		Timeouts: webdav.TimeoutsConfig{
			Read:     c.Server.ReadTimeout,
			Write:    c.Server.WriteTimeout,
			Idle:     c.Server.IdleTimeout,
			Shutdown: c.ShutdownTimeout,
		},
		BufferSize:     c.Server.BufferSize.Int(),
		MaxHeaderBytes: c.Server.MaxHeaderBytes.Int(),
		RateLimit: webdav.RateLimitConfig{
			Enabled:           c.Server.RateLimit.Enabled,
			RequestsPerSecond: c.Server.RateLimit.RequestsPerSecond,
			Burst:             c.Server.RateLimit.Burst,
		},
		MetricsLogInterval: c.Server.MetricsLogInterval,
	}
}

// SupervisorConfig converts the connectivity section. Hooks are left unset.
func (c *Config) SupervisorConfig() connectivity.Config {
	return connectivity.Config{
		MaxInitialAttempts: c.Connectivity.MaxInitialAttempts,
		AttemptTimeout:     c.Connectivity.AttemptTimeout,
		Backoff: connectivity.BackoffConfig{
			Type:       c.Connectivity.Backoff.Type,
			Initial:    c.Connectivity.Backoff.Initial,
			Max:        c.Connectivity.Backoff.Max,
			Multiplier: c.Connectivity.Backoff.Multiplier,
		},
	}
}

// NodeConfig assembles the node configuration.
func (c *Config) NodeConfig(version string) edge.Config {
	return edge.Config{
		VolumePath: c.Volume.Path,
		Files: vfs.Options{
			MaxOpenFiles: c.Volume.MaxOpenFiles,
			OpenTimeout:  c.Volume.OpenTimeout,
		},
		WebDAV:          c.WebDAVConfig(),
		Connectivity:    c.SupervisorConfig(),
		API:             c.API,
		ShutdownTimeout: c.ShutdownTimeout,
		MemoryProbe:     c.Observability.MemoryProbe,
		LogRequests:     c.Observability.LogRequests,
		Version:         version,
	}
}
