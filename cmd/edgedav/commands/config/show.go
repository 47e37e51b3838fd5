package config

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/edgedav/internal/cli/output"
	"github.com/marmos91/edgedav/pkg/config"
)

var showOutput string

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long: `Display the effective edgedav configuration, including defaults and
environment overrides. The wireless password is masked.

By default outputs YAML format. Use --output to change format.

Examples:
  # Show config as YAML
  edgedav config show

  # Show as JSON
  edgedav config show --output json

  # Show specific config file
  edgedav config show --config /etc/edgedav/config.yaml`,
	RunE: runConfigShow,
}

func init() {
	showCmd.Flags().StringVarP(&showOutput, "output", "o", "yaml", "Output format (yaml|json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	format, err := output.ParseFormat(showOutput)
	if err != nil {
		return err
	}

	if format == output.FormatJSON {
		return output.PrintJSON(os.Stdout, cfg.Redacted())
	}
	return output.PrintYAML(os.Stdout, cfg.Redacted())
}
