package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/edgedav/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the edgedav configuration file.

Checks for syntax errors, missing required fields, and invalid values.

Examples:
  # Validate default config
  edgedav config validate

  # Validate specific config file
  edgedav config validate --config /etc/edgedav/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file: %s\n", displayPath)
	_, _ = fmt.Fprintln(out, "Validation: OK")

	if warnings := configWarnings(cfg); len(warnings) > 0 {
		_, _ = fmt.Fprintln(out, "\nWarnings:")
		for _, w := range warnings {
			_, _ = fmt.Fprintf(out, "  - %s\n", w)
		}
	}

	_, _ = fmt.Fprintf(out, "\nConfiguration summary:\n")
	_, _ = fmt.Fprintf(out, "  Volume:          %s\n", cfg.Volume.Path)
	_, _ = fmt.Fprintf(out, "  Wireless:        %s via %s\n", cfg.Wireless.SSID, cfg.Wireless.Driver)
	_, _ = fmt.Fprintf(out, "  WebDAV port:     %d (%d concurrent requests)\n", cfg.Server.Port, cfg.Server.MaxConcurrentRequests)
	if cfg.API.IsEnabled() {
		_, _ = fmt.Fprintf(out, "  API port:        %d\n", cfg.API.Port)
	}
	_, _ = fmt.Fprintf(out, "  Log level:       %s\n", cfg.Logging.Level)

	return nil
}

// configWarnings reports settings that are valid but probably unintended.
func configWarnings(cfg *config.Config) []string {
	var warnings []string

	if cfg.Wireless.Password == "" {
		warnings = append(warnings, "wireless.password is empty - the node will join an open network")
	}
	if cfg.Wireless.Driver == "sim" {
		warnings = append(warnings, "wireless.driver is 'sim' - no real uplink will be used")
	}
	if cfg.Metrics.Enabled && !cfg.API.IsEnabled() {
		warnings = append(warnings, "metrics are enabled but the API that serves /metrics is disabled")
	}

	return warnings
}
