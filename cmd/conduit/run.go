package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"relaylabs/conduit/pkg/config"
	_ "relaylabs/conduit/pkg/converters/all"
	"relaylabs/conduit/pkg/httpapi"
	"relaylabs/conduit/pkg/metrics"
	"relaylabs/conduit/pkg/registry"
	"relaylabs/conduit/pkg/router"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	watchReload   bool
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway server",
	Long: `Start the gateway server with the specified model bindings.

The server loads models.json, builds one adapter per enabled binding, and serves
the OpenAI-compatible surface on the configured listen address.

Examples:
  # Start with default config
  conduit run

  # Start with custom config
  conduit run --config /etc/conduit/models.json

  # Override listen address
  conduit run --listen 0.0.0.0:8080

  # Reload bindings automatically when the config file changes
  conduit run --watch

  # Validate config without starting the server
  conduit run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.watchReload, "watch", false, "reload bindings when the config file changes")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting server")
}

func buildLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func runServer(cmd *cobra.Command, args []string) error {
	serverCfg := config.DefaultServerConfig()
	config.ApplyEnvOverrides(&serverCfg)
	if runFlags.listenAddress != "" {
		serverCfg.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		serverCfg.LogLevel = runFlags.logLevel
	}
	if runFlags.watchReload {
		serverCfg.WatchReload = true
	}
	if verbose {
		serverCfg.LogLevel = "debug"
	}

	logger := buildLogger(serverCfg.LogLevel)
	slog.SetDefault(logger)

	if runFlags.dryRun {
		doc, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Printf("✓ Configuration valid (%d entries)\n", len(doc.Models))
		return nil
	}

	reg, err := registry.New(cfgFile, logger)
	if err != nil {
		return fmt.Errorf("loading model bindings: %w", err)
	}
	if reg.Len() == 0 {
		logger.Warn("no model bindings loaded; the gateway will answer 404 for every model")
	}

	m := metrics.New()
	m.SetModelsLoaded(reg.Len())

	rt := router.New(reg, logger)
	rt.SetRetryObserver(m.ObserveRetry)

	srv := httpapi.NewServer(serverCfg, rt, reg, m, logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if serverCfg.WatchReload {
		go func() {
			if err := reg.Watch(ctx, 0); err != nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	return srv.Start(ctx)
}
