package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/marmos91/edgedav/internal/logger"
	"github.com/marmos91/edgedav/internal/telemetry"
	"github.com/marmos91/edgedav/pkg/config"
	"github.com/marmos91/edgedav/pkg/edge"
)

// telemetryFlushTimeout bounds span export after the node stops.
const telemetryFlushTimeout = 5 * time.Second

var pidFile string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the edgedav node",
	Long: `Start the edgedav node in the foreground.

The node mounts the volume, brings up the wireless link, and serves WebDAV
until it receives SIGINT or SIGTERM. It exits non-zero if the volume cannot
be mounted or the link never comes up.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/edgedav/config.yaml.

Examples:
  # Start with the default config
  edgedav start

  # Start with a custom config file
  edgedav start --config /etc/edgedav/config.yaml

  # Override settings from the environment
  EDGEDAV_LOGGING_LEVEL=DEBUG EDGEDAV_WIRELESS_DRIVER=sim edgedav start`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Write the process ID to this file while running")
}

func runStart(cmd *cobra.Command, args []string) error {
	// Wipes every sealed credential on the way out, including error paths.
	defer memguard.Purge()

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := telemetry.Init(ctx, cfg.TelemetryConfig(Version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		if err := telemetryShutdown(flushCtx); err != nil {
			logger.Error("telemetry shutdown error", logger.KeyError, err)
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(cfg.ProfilingConfig(Version))
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.KeyError, err)
		}
	}()

	fmt.Printf("edgedav %s - WebDAV edge node\n", Version)
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	} else {
		logger.Info("Telemetry disabled")
	}
	if cfg.Telemetry.Profiling.Enabled {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint, "profile_types", cfg.Telemetry.Profiling.ProfileTypes)
	}

	// Metrics first so the collectors exist before the components that use them.
	metricsResult := config.InitializeMetrics(cfg)
	if cfg.Metrics.Enabled {
		logger.Info("Metrics enabled", "endpoint", "/metrics")
	} else {
		logger.Info("Metrics collection disabled")
	}

	driver, err := config.CreateDriver(&cfg.Wireless)
	if err != nil {
		return err
	}
	creds, err := config.CreateCredentials(&cfg.Wireless)
	if err != nil {
		return err
	}
	// The sealed copy is the only one the node needs.
	cfg.Wireless.Password = ""

	node, err := edge.New(cfg.NodeConfig(Version), edge.Deps{
		Driver:              driver,
		Credentials:         creds,
		Mounter:             config.CreateMounter(&cfg.Volume),
		WebDAVMetrics:       metricsResult.WebDAV,
		ConnectivityMetrics: metricsResult.Connectivity,
	})
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	logger.Info("Node configured",
		logger.KeyVolume, cfg.Volume.Path,
		logger.KeyDriver, cfg.Wireless.Driver,
		logger.KeySSID, cfg.Wireless.SSID,
		logger.KeyPort, cfg.Server.Port,
		logger.KeyCapacity, cfg.Server.MaxConcurrentRequests)

	if err := config.Watch(GetConfigFile(), nil); err != nil {
		logger.Warn("Configuration reload disabled", logger.KeyError, err)
	}

	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	logger.Info("Node is starting. Press Ctrl+C to stop.")

	if err := interruptedRun(ctx, node.Run(ctx)); err != nil {
		logger.Error("Node stopped", logger.KeyError, err)
		return err
	}

	logger.Info("Node stopped gracefully")
	return nil
}

// interruptedRun maps a bring-up aborted by SIGINT or SIGTERM to a clean
// stop. Cancellation from anywhere else is still an error.
func interruptedRun(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Info("Node interrupted during startup")
		return nil
	}
	return err
}
