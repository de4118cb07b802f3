// orgloopd runs the event-routing runtime: polls sources, routes
// events through transform pipelines, delivers them to actors, and
// serves the webhook ingress and loopback control API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/c-h-/orgloop-sub002/pkg/config"
	"github.com/c-h-/orgloop-sub002/pkg/plugin"
	"github.com/c-h-/orgloop-sub002/pkg/plugin/builtin"
	"github.com/c-h-/orgloop-sub002/pkg/runtime"
	"github.com/c-h-/orgloop-sub002/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func main() {
	configPath := flag.String("config",
		getEnv("ORGLOOP_CONFIG", "./orgloop.yaml"),
		"Path to the runtime configuration file")
	logLevel := flag.String("log-level",
		getEnv("ORGLOOP_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)

	// Load .env from the config directory so ${VAR} expansion and
	// plugin secrets can come from a local file.
	baseDir := filepath.Dir(*configPath)
	envPath := filepath.Join(baseDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		logger.Debug("no .env file loaded, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		logger.Info("loaded environment", "path", envPath)
	}

	logger.Info("starting orgloopd",
		"version", version.Full(),
		"config", *configPath)

	cfg, err := config.Initialize(*configPath)
	if err != nil {
		logger.Error("failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	registry := plugin.NewRegistry()
	builtin.Register(registry)

	r := runtime.New(cfg, registry, baseDir, logger)

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		logger.Error("failed to start runtime", "error", err)
		shutdownCtx, cancel := context.WithTimeout(ctx, cfg.GracefulStop)
		_ = r.Shutdown(shutdownCtx)
		cancel()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		go func() {
			// A second signal during the graceful window forces exit.
			sig := <-sigCh
			logger.Warn("received second signal, exiting immediately", "signal", sig.String())
			os.Exit(1)
		}()
		shutdownCtx, cancel := context.WithTimeout(ctx, cfg.GracefulStop)
		defer cancel()
		if err := r.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown finished with errors", "error", err)
			os.Exit(1)
		}
	case <-r.Done():
		// Shutdown requested through the control API.
	}

	logger.Info("orgloopd stopped")
}
