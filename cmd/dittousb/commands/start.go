package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittousb/internal/logger"
	"github.com/marmos91/dittousb/internal/telemetry"
	"github.com/marmos91/dittousb/pkg/api"
	"github.com/marmos91/dittousb/pkg/config"
	"github.com/marmos91/dittousb/pkg/events"
	"github.com/marmos91/dittousb/pkg/server"
)

var (
	foreground bool
	pidFile    string
	logFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the USB/IP server",
	Long: `Start the dittousb server with the specified configuration.

By default, the server runs in the background (daemon mode). Use --foreground
to run in the foreground for debugging or when managed by a process supervisor.

Examples:
  # Start in background (default)
  dittousb start

  # Start in foreground
  dittousb start --foreground

  # Start with custom config file
  dittousb start --config /etc/dittousb/config.yaml

  # Start with environment variable overrides
  DITTOUSB_LOGGING_LEVEL=DEBUG dittousb start --foreground`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/dittousb/dittousb.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/dittousb/dittousb.log)")
}

func runStart(cmd *cobra.Command, args []string) error {
	if !foreground {
		return startDaemon(cmd.OutOrStdout())
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, cfg.TracingConfig(Version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(cfg.ProfilingConfig(Version))
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.Err(err))
		}
	}()

	logger.Info("dittousb starting", "version", Version, "commit", Commit)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint)
	}

	// Metrics must be enabled before the server builds its collectors.
	metricsServer := config.InitializeMetrics(cfg)

	be, err := cfg.NewBackend()
	if err != nil {
		return fmt.Errorf("failed to create %s backend: %w", cfg.Backend.Type, err)
	}
	logger.Info("Backend ready", "type", be.Name())

	srv := server.New(cfg.ServerConfig(Version), be)

	if metricsServer != nil {
		srv.SetMetricsServer(metricsServer)
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
	}
	if cfg.API.IsEnabled() {
		srv.SetAPIServer(api.NewServer(cfg.API, srv))
		logger.Info("API server configured", "address", cfg.API.BindAddress, "port", cfg.API.Port)
	}

	if cfg.Events.Enabled {
		pub, err := events.Connect(cfg.Events)
		if err != nil {
			_ = be.Close()
			return err
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Warn("event publisher close error", logger.Err(err))
			}
		}()
		srv.Subscribe(pub.Observe)
		logger.Info("Publishing device events", "url", cfg.Events.URL, "prefix", cfg.Events.SubjectPrefix)
	}

	if pidFile != "" {
		if err := writePidFile(pidFile); err != nil {
			_ = be.Close()
			return err
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		stopCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
		defer done()
		if err := srv.Stop(stopCtx); err != nil {
			logger.Error("Server shutdown error", logger.Err(err))
		}
		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error", logger.Err(err))
			return err
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		if err != nil {
			logger.Error("Server error", logger.Err(err))
			return err
		}
		logger.Info("Server stopped")
	}

	return nil
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
