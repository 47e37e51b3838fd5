package config

import (
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/edgedav/internal/telemetry"
	"github.com/marmos91/edgedav/pkg/connectivity"
)

// minBufferSize matches the WebDAV server's lower bound.
const minBufferSize = 512

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Log level normalization is handled in ApplyDefaults, not here. Validation
// accepts both uppercase and lowercase log levels.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint: required when telemetry is enabled")
	}

	if cfg.Telemetry.Profiling.Enabled {
		if cfg.Telemetry.Profiling.Endpoint == "" {
			return fmt.Errorf("telemetry.profiling.endpoint: required when profiling is enabled")
		}
		valid := telemetry.ProfileTypeNames()
		for i, name := range cfg.Telemetry.Profiling.ProfileTypes {
			if !slices.Contains(valid, name) {
				return fmt.Errorf("telemetry.profiling.profile_types[%d]: unknown profile type %q (valid: %v)", i, name, valid)
			}
		}
	}

	if err := connectivity.ValidateCredentials(cfg.Wireless.SSID, []byte(cfg.Wireless.Password)); err != nil {
		return fmt.Errorf("wireless: %w", err)
	}
	if cfg.Wireless.Driver == "netif" && cfg.Wireless.Interface == "" {
		return fmt.Errorf("wireless.interface: required for the netif driver")
	}

	if cfg.Server.BufferSize < minBufferSize {
		return fmt.Errorf("server.buffer_size: must be at least %d bytes, got %d", minBufferSize, cfg.Server.BufferSize)
	}
	if cfg.Server.RateLimit.Enabled && cfg.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second: must be > 0 when rate limiting is enabled")
	}

	if cfg.API.IsEnabled() && cfg.API.Port == cfg.Server.Port {
		return fmt.Errorf("api.port: %d is already used by the WebDAV server", cfg.API.Port)
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
