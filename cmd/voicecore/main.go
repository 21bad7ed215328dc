package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/stellavoice/voicecore/internal/agentconfig"
	"github.com/stellavoice/voicecore/internal/config"
	"github.com/stellavoice/voicecore/internal/server"
	"github.com/stellavoice/voicecore/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownLogging, err := setupLogging(cfg.Logging)
	if err != nil {
		return err
	}
	defer shutdownLogging()

	registry := session.NewRegistry(
		cfg.Session.IdleTimeoutDuration(),
		cfg.Session.IdleSweepIntervalDuration(),
	)
	registry.Start(ctx)

	agents := agentconfig.NewClient(
		cfg.AgentRegistry.Endpoint,
		cfg.AgentRegistry.APIKey,
		time.Duration(cfg.AgentRegistry.Timeout*float64(time.Second)),
	)

	srv := server.New(cfg, registry, agents)

	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown failed", "error", err)
		}
	}()

	return srv.Start(ctx)
}

// setupLogging wires the otelslog bridge used across internal packages to a
// stdout log exporter.
func setupLogging(cfg config.LoggingConfig) (func(), error) {
	switch cfg.Level {
	case "debug":
		slog.SetLogLoggerLevel(slog.LevelDebug)
	case "warn":
		slog.SetLogLoggerLevel(slog.LevelWarn)
	case "error":
		slog.SetLogLoggerLevel(slog.LevelError)
	}

	var exporterOpts []stdoutlog.Option
	if cfg.Format != "json" {
		exporterOpts = append(exporterOpts, stdoutlog.WithPrettyPrint())
	}
	exporter, err := stdoutlog.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create log exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
	global.SetLoggerProvider(provider)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintln(os.Stderr, "failed to shut down logging:", err)
		}
	}, nil
}
