package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/edgedav/internal/cli/prompt"
	"github.com/marmos91/edgedav/pkg/config"
	"github.com/marmos91/edgedav/pkg/connectivity"
)

var (
	initForce       bool
	initInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample edgedav configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/edgedav/config.yaml.
Use --config to specify a custom path, and --interactive to be asked for the
wireless network.

Examples:
  # Initialize with default location
  edgedav init

  # Ask for the SSID and passphrase
  edgedav init --interactive

  # Initialize with custom path
  edgedav init --config /etc/edgedav/config.yaml

  # Force overwrite existing config
  edgedav init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
	initCmd.Flags().BoolVarP(&initInteractive, "interactive", "i", false, "Prompt for the wireless network")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	cfg := config.GetDefaultConfig()
	if initInteractive {
		if err := promptWireless(&cfg.Wireless); err != nil {
			if prompt.IsAborted(err) {
				return fmt.Errorf("init aborted")
			}
			return err
		}
	}

	if err := config.WriteInitialConfig(cfg, configPath, initForce); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	if cfg.Wireless.Password == "" {
		fmt.Println("  1. Set wireless.ssid and wireless.password (or EDGEDAV_WIRELESS_PASSWORD)")
	} else {
		fmt.Println("  1. Review the volume and server sections")
	}
	fmt.Println("  2. Start the node with: edgedav start")
	fmt.Printf("  3. Or specify custom config: edgedav start --config %s\n", configPath)

	return nil
}

func promptWireless(cfg *config.WirelessConfig) error {
	ssid, err := prompt.Input("SSID", cfg.SSID, func(s string) error {
		return connectivity.ValidateCredentials(s, nil)
	})
	if err != nil {
		return err
	}

	passphrase, err := prompt.Secret("Passphrase (empty for an open network)", func(s string) error {
		return connectivity.ValidateCredentials(ssid, []byte(s))
	})
	if err != nil {
		return err
	}

	cfg.SSID = ssid
	cfg.Password = passphrase
	return nil
}
