// Package main provides the gatewayd binary: a self-hosting reverse
// proxy and process supervisor. It terminates TLS with per-domain
// certificates, dispatches requests to child processes, static trees, or
// redirect targets from a declarative route table, and supervises the
// lifecycle of those children — including re-adopting survivors across
// its own restarts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ruachtech/gatewayd/internal/config"
	"github.com/ruachtech/gatewayd/internal/server"
)

// version is set at build time via -ldflags.
var version = "0.1.0-dev"

var (
	flagConfig       string
	flagCreateConfig string
	flagNoWatch      bool
	flagEnvFile      string
	flagLogFormat    string
)

var rootCmd = &cobra.Command{
	Use:          "gatewayd",
	Short:        "Self-hosting reverse proxy and process supervisor",
	Version:      version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagCreateConfig != "" {
			return writeExampleConfig(flagCreateConfig)
		}
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "path to the main config file (default ./main.yaml, or MAIN_CONFIG_FILE)")
	rootCmd.Flags().StringVar(&flagCreateConfig, "create-config", "", "write an example proxy.yaml to the given path and exit")
	rootCmd.Flags().BoolVar(&flagNoWatch, "no-watch", false, "disable config file watching")
	rootCmd.Flags().StringVar(&flagEnvFile, "env-file", "", "load a .env file before reading configuration")
	rootCmd.Flags().StringVar(&flagLogFormat, "log-format", "text", "log output format: text or json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	if flagEnvFile != "" {
		if err := config.LoadEnvFile(flagEnvFile); err != nil {
			return err
		}
	}

	logger := newLogger()
	slog.SetDefault(logger)

	mainPath := flagConfig
	if mainPath == "" {
		mainPath = os.Getenv("MAIN_CONFIG_FILE")
	}
	if mainPath == "" {
		mainPath = os.Getenv("CONFIG_FILE")
	}
	if mainPath == "" {
		mainPath = "main.yaml"
	}

	store := config.NewStore()
	if err := store.Load(mainPath); err != nil {
		logger.Error("gatewayd.startup_failed", "error", err)
		return err
	}

	watchDisabled := flagNoWatch || os.Getenv("DISABLE_CONFIG_WATCH") == "true"

	srv, err := server.New(server.Options{
		Store:         store,
		Logger:        logger,
		Version:       version,
		WatchDisabled: watchDisabled,
	})
	if err != nil {
		logger.Error("gatewayd.startup_failed", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Error("gatewayd.exited_with_error", "error", err)
		return err
	}
	return nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if flagLogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

const exampleProxyYAML = `# gatewayd proxy configuration
port: 80
httpsPort: 443

routes:
  # Proxy a subdomain to a local service.
  - domain: api.example.com
    type: proxy
    target: http://127.0.0.1:9000
    rewrite:
      "^/api/": "/"

  # Serve a single-page app from disk.
  - domain: app.example.com
    type: static
    staticPath: ./dist
    spaFallback: true

  # Redirect the bare domain.
  - domain: example.com
    type: redirect
    target: https://app.example.com

letsEncrypt:
  email: admin@example.com
  staging: false

security:
  rateLimitWindowMs: 900000
  rateLimitMaxRequests: 100

# Optional: manage local child processes (may also live in a separate
# processes.yaml referenced from main.yaml).
processConfigFile: processes.yaml
`

func writeExampleConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing %s", path)
	}
	if err := os.WriteFile(path, []byte(exampleProxyYAML), 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote example configuration to %s\n", path)
	return nil
}
