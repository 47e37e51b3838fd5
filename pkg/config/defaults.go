package config

import (
	"strings"
	"time"

	"github.com/marmos91/edgedav/internal/bytesize"
	"github.com/marmos91/edgedav/internal/telemetry"
	"github.com/marmos91/edgedav/pkg/adapter/webdav"
	"github.com/marmos91/edgedav/pkg/admission"
	"github.com/marmos91/edgedav/pkg/api"
	"github.com/marmos91/edgedav/pkg/bufpool"
	"github.com/marmos91/edgedav/pkg/connectivity"
	"github.com/marmos91/edgedav/pkg/connectivity/netif"
	"github.com/marmos91/edgedav/pkg/vfs"
)

// Defaults that are not owned by another package.
const (
	DefaultVolumePath      = "/vfat"
	DefaultWirelessDriver  = "netif"
	DefaultInterface       = "wlan0"
	DefaultSSID            = "edgedav"
	DefaultShutdownTimeout = 30 * time.Second
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyShutdownTimeoutDefaults(cfg)
	applyAPIDefaults(&cfg.API)
	applyVolumeDefaults(&cfg.Volume)
	applyWirelessDefaults(&cfg.Wireless)
	applyConnectivityDefaults(&cfg.Connectivity)
	applyServerDefaults(&cfg.Server)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	applyProfilingDefaults(&cfg.Profiling)
}

// applyProfilingDefaults sets Pyroscope profiling defaults.
func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}

	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = append([]string(nil), telemetry.DefaultProfileTypes...)
	}
}

// applyShutdownTimeoutDefaults sets shutdown timeout defaults.
func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// applyAPIDefaults makes the enabled flag explicit so saved configs show it.
func applyAPIDefaults(cfg *api.APIConfig) {
	if cfg.Enabled == nil {
		enabled := true
		cfg.Enabled = &enabled
	}
	cfg.ApplyDefaults()
}

func applyVolumeDefaults(cfg *VolumeConfig) {
	if cfg.Path == "" {
		cfg.Path = DefaultVolumePath
	}
	if cfg.CreateIfMissing == nil {
		create := true
		cfg.CreateIfMissing = &create
	}
	if cfg.MaxOpenFiles == 0 {
		cfg.MaxOpenFiles = vfs.DefaultMaxOpenFiles
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = vfs.DefaultOpenTimeout
	}
}

func applyWirelessDefaults(cfg *WirelessConfig) {
	if cfg.Driver == "" {
		cfg.Driver = DefaultWirelessDriver
	}
	cfg.Driver = strings.ToLower(cfg.Driver)

	if cfg.Interface == "" {
		cfg.Interface = DefaultInterface
	}
	if cfg.SSID == "" {
		cfg.SSID = DefaultSSID
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = netif.DefaultPollInterval
	}
}

func applyConnectivityDefaults(cfg *ConnectivityConfig) {
	if cfg.MaxInitialAttempts == 0 {
		cfg.MaxInitialAttempts = connectivity.DefaultMaxInitialAttempts
	}
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = connectivity.DefaultAttemptTimeout
	}

	def := connectivity.DefaultBackoffConfig()
	if cfg.Backoff.Type == "" {
		cfg.Backoff.Type = def.Type
	}
	if cfg.Backoff.Initial == 0 {
		cfg.Backoff.Initial = def.Initial
	}
	if cfg.Backoff.Max == 0 {
		cfg.Backoff.Max = def.Max
	}
	if cfg.Backoff.Multiplier == 0 {
		cfg.Backoff.Multiplier = def.Multiplier
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = webdav.DefaultPort
	}
	if cfg.MaxConcurrentRequests == 0 {
		cfg.MaxConcurrentRequests = admission.DefaultCapacity
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = bytesize.ByteSize(bufpool.DefaultTransferSize)
	}
	if cfg.MaxHeaderBytes == 0 {
		cfg.MaxHeaderBytes = bytesize.ByteSize(webdav.DefaultMaxHeaderBytes)
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{Telemetry: TelemetryConfig{Insecure: true}}
	ApplyDefaults(cfg)
	return cfg
}
