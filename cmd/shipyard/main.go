// Command shipyard runs the promotion pipeline orchestrator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/GoCodeAlone/shipyard/config"
)

var (
	configFile = flag.String("config", "", "Path to shipyard configuration YAML file (or set SHIPYARD_CONFIG)")
	addr       = flag.String("addr", "", "HTTP listen address, overrides server.addr (or set SHIPYARD_ADDR)")
	watch      = flag.Bool("watch", true, "Reload rollout settings when the config file changes")
)

// envOrFlag returns the environment variable when set, otherwise the flag value.
func envOrFlag(env string, flagVal *string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	if flagVal != nil {
		return *flagVal
	}
	return ""
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	default:
		return nil, fmt.Errorf("log.format: unknown format %q", cfg.Format)
	}
}

func main() {
	flag.Parse()

	path := envOrFlag("SHIPYARD_CONFIG", configFile)
	if path == "" {
		log.Fatal("a configuration file is required (-config or SHIPYARD_CONFIG)")
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if a := envOrFlag("SHIPYARD_ADDR", addr); a != "" {
		cfg.Server.Addr = a
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Invalid log configuration: %v", err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build shipyard", "error", err)
		os.Exit(1)
	}
	if *watch {
		if err := a.watch(path); err != nil {
			logger.Warn("config watcher disabled", "error", err)
		}
	}
	if err := a.start(ctx); err != nil {
		logger.Error("failed to start shipyard", "error", err)
		_ = a.close(context.Background())
		os.Exit(1)
	}

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: a.handler(),
	}
	go func() {
		logger.Info("Starting server", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := a.close(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("Shutdown complete")
}
