package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/edgedav/internal/bytesize"
	"github.com/marmos91/edgedav/pkg/api"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "EDGEDAV"

// Config represents the edgedav configuration.
//
// This structure captures everything a node needs at startup:
//   - Logging, telemetry and metrics
//   - The status API
//   - The volume to serve
//   - Wireless credentials and the connectivity policy
//   - The WebDAV file server
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (EDGEDAV_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging" json:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry" json:"telemetry"`

	// Metrics controls Prometheus metrics collection
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics" json:"metrics"`

	// API configures the read-only status API
	API api.APIConfig `mapstructure:"api" yaml:"api" json:"api"`

	// ShutdownTimeout is the maximum time to wait for connections to drain
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// Volume is the storage root served over WebDAV
	Volume VolumeConfig `mapstructure:"volume" yaml:"volume" json:"volume"`

	// Wireless holds the uplink credentials and driver selection
	Wireless WirelessConfig `mapstructure:"wireless" yaml:"wireless" json:"wireless"`

	// Connectivity controls the uplink retry policy
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity" json:"connectivity"`

	// Server configures the WebDAV file endpoint
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`

	// Observability toggles per-request instrumentation
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability" json:"observability"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level" json:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format" json:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output" json:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
// When enabled, trace data is exported to an OTLP-compatible collector.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false (opt-in for telemetry)
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317" (standard OTLP gRPC port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`

	// Insecure controls whether to use insecure (non-TLS) connection
	// Default: true
	Insecure bool `mapstructure:"insecure" yaml:"insecure" json:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// Default: 1.0 (sample all)
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate" json:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling" json:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Endpoint is the Pyroscope server endpoint (URL)
	// Default: "http://localhost:4040"
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`

	// ProfileTypes specifies which profile types to collect
	// Valid values: cpu, alloc_objects, alloc_space, inuse_objects, inuse_space,
	//               goroutines, mutex_count, mutex_duration, block_count, block_duration
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types" json:"profile_types"`
}

// MetricsConfig enables Prometheus metrics. Metrics are served by the status
// API on /metrics. When Enabled is false nothing is collected.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

// VolumeConfig describes the storage root.
type VolumeConfig struct {
	// Path is the directory to serve
	// Default: /vfat
	Path string `mapstructure:"path" validate:"required" yaml:"path" json:"path"`

	// CreateIfMissing creates Path at mount time if it does not exist
	// Default: true
	CreateIfMissing *bool `mapstructure:"create_if_missing" yaml:"create_if_missing" json:"create_if_missing"`

	// MaxOpenFiles caps concurrently open file handles
	// Default: 4
	MaxOpenFiles int `mapstructure:"max_open_files" validate:"gte=1" yaml:"max_open_files" json:"max_open_files"`

	// OpenTimeout is how long an open waits for a free handle
	// Default: 30s
	OpenTimeout time.Duration `mapstructure:"open_timeout" validate:"gt=0" yaml:"open_timeout" json:"open_timeout"`
}

// WirelessConfig holds the uplink settings.
//
// Environment variable overrides:
//
//	EDGEDAV_WIRELESS_SSID
//	EDGEDAV_WIRELESS_PASSWORD
type WirelessConfig struct {
	// Driver selects the connectivity driver
	// Valid values: netif (host interface), sim (simulated, always connects)
	// Default: netif
	Driver string `mapstructure:"driver" validate:"required,oneof=netif sim" yaml:"driver" json:"driver"`

	// Interface is the host interface watched by the netif driver
	// Default: wlan0
	Interface string `mapstructure:"interface" yaml:"interface" json:"interface"`

	// SSID is the network name (1-32 bytes)
	// Default: edgedav
	SSID string `mapstructure:"ssid" validate:"required,max=32" yaml:"ssid" json:"ssid"`

	// Password is the passphrase: empty for an open network, 8-63
	// characters, or a 64-character hex PSK
	Password string `mapstructure:"password" yaml:"password,omitempty" json:"password,omitempty"`

	// PollInterval is how often the netif driver samples the interface
	// Default: 500ms
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0" yaml:"poll_interval" json:"poll_interval"`
}

// ConnectivityConfig controls the uplink retry policy.
type ConnectivityConfig struct {
	// MaxInitialAttempts is how many consecutive failures end startup
	// Default: 5
	MaxInitialAttempts int `mapstructure:"max_initial_attempts" validate:"gte=1" yaml:"max_initial_attempts" json:"max_initial_attempts"`

	// AttemptTimeout bounds one connect plus address acquisition
	// Default: 20s
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" validate:"gte=0" yaml:"attempt_timeout" json:"attempt_timeout"`

	Backoff BackoffConfig `mapstructure:"backoff" yaml:"backoff" json:"backoff"`
}

// BackoffConfig controls the delay between failed attempts.
type BackoffConfig struct {
	// Type is constant or exponential
	// Default: constant
	Type string `mapstructure:"type" validate:"required,oneof=constant exponential" yaml:"type" json:"type"`

	// Initial is the first (or, for constant, every) delay
	// Default: 1s
	Initial time.Duration `mapstructure:"initial" validate:"gt=0" yaml:"initial" json:"initial"`

	// Max caps exponential growth
	// Default: 30s
	Max time.Duration `mapstructure:"max" validate:"gtefield=Initial" yaml:"max" json:"max"`

	// Multiplier is the exponential growth factor
	// Default: 2.0
	Multiplier float64 `mapstructure:"multiplier" validate:"gte=1" yaml:"multiplier" json:"multiplier"`
}

// ServerConfig configures the WebDAV file endpoint.
type ServerConfig struct {
	// BindAddress is the IP to listen on
	// Default: 0.0.0.0
	BindAddress string `mapstructure:"bind_address" validate:"omitempty,ip" yaml:"bind_address" json:"bind_address"`

	// Port is the TCP port
	// Default: 3000
	Port int `mapstructure:"port" validate:"min=1,max=65535" yaml:"port" json:"port"`

	// MaxConcurrentRequests is the admission limit
	// Default: 2
	MaxConcurrentRequests int `mapstructure:"max_concurrent_requests" validate:"gte=1" yaml:"max_concurrent_requests" json:"max_concurrent_requests"`

	// ReadTimeout bounds reading one request, headers and body
	// Default: 5m
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"gte=0" yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout bounds writing one response
	// Default: 5m
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0" yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout closes keep-alive connections left idle
	// Default: 2m
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"gte=0" yaml:"idle_timeout" json:"idle_timeout"`

	// BufferSize is the per-transfer copy buffer
	// Supports human-readable formats: "16KiB", "64KB"
	// Default: 16KiB
	BufferSize bytesize.ByteSize `mapstructure:"buffer_size" yaml:"buffer_size" json:"buffer_size"`

	// MaxHeaderBytes caps the request line plus headers
	// Default: 64KiB
	MaxHeaderBytes bytesize.ByteSize `mapstructure:"max_header_bytes" yaml:"max_header_bytes" json:"max_header_bytes"`

	// MetricsLogInterval periodically logs connection counts; 0 disables
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" validate:"gte=0" yaml:"metrics_log_interval" json:"metrics_log_interval"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig throttles requests across all connections.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0" yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `mapstructure:"burst" validate:"gte=0" yaml:"burst" json:"burst"`
}

// ObservabilityConfig toggles per-request instrumentation.
type ObservabilityConfig struct {
	// MemoryProbe logs heap and system memory as requests are admitted
	MemoryProbe bool `mapstructure:"memory_probe" yaml:"memory_probe" json:"memory_probe"`

	// LogRequests logs every request at debug level
	LogRequests bool `mapstructure:"log_requests" yaml:"log_requests" json:"log_requests"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (EDGEDAV_*)
//  2. Configuration file
//  3. Default values
//
// A missing configuration file is not an error: defaults and environment
// overrides still apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	return decode(v)
}

// decode unmarshals, defaults and validates what v holds.
func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
// It checks if the config file exists and provides user-friendly instructions if not.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  edgedav init\n\n"+
				"Or specify a custom config file:\n"+
				"  edgedav <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  edgedav init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path.
// The configuration is saved in YAML format using proper yaml tags.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return writeConfigFile(path, data)
}

// writeConfigFile writes data with owner-only permissions, creating parent
// directories. The file may hold the wireless password.
func writeConfigFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Wireless.Password != "" {
		out.Wireless.Password = "********"
	}
	return &out
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the EDGEDAV_ prefix and underscores,
	// e.g. EDGEDAV_WIRELESS_PASSWORD.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about; bind every
	// field so overrides work without a config file.
	bindEnvs(v, reflect.TypeOf(Config{}), "")

	// Booleans whose default is true cannot be told apart from an unset
	// zero value after decoding.
	v.SetDefault("telemetry.insecure", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// bindEnvs binds every mapstructure key under t.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		ft := field.Type
		if ft.Kind() == reflect.Struct && ft != reflect.TypeOf(time.Time{}) {
			bindEnvs(v, ft, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize, so
// config files can use sizes like "16KiB", "64KB", or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings like "30s" or "5m" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "edgedav")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "edgedav")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
