package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/marmos91/edgedav/internal/logger"
)

// Watch reloads the configuration file whenever it changes and applies the
// new logging level. onChange, if not nil, receives every valid reload.
// Invalid edits are logged and ignored. Other settings take effect on the
// next start.
//
// The watcher runs for the life of the process.
func Watch(configPath string, onChange func(*Config)) error {
	if configPath == "" {
		configPath = GetDefaultConfigPath()
	}

	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("configuration file not found: %s", configPath)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("Ignoring invalid configuration change", logger.KeyPath, e.Name, logger.KeyError, err)
			return
		}

		logger.SetLevel(cfg.Logging.Level)
		logger.Info("Configuration reloaded", logger.KeyPath, e.Name, "level", cfg.Logging.Level)

		if onChange != nil {
			onChange(cfg)
		}
	})
	v.WatchConfig()

	return nil
}
