// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	linbridge "github.com/remotivelabs/kvaser-remotivebus-plugin"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/backend/kvaser"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/bridge"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/control"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/health"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/metrics"
	"github.com/remotivelabs/kvaser-remotivebus-plugin/pkg/vbus"
)

const envPrefix = "LIN_GATEWAY_"

func main() {
	socketFlag := pflag.StringP("plugin-socket-path", "p", "", "Path to Unix socket for receiving commands")
	levelFlag := pflag.StringP("loglevel", "l", "", "Log level (debug, info, warn, error)")
	pflag.Parse()

	// Load .env file
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "loaded configuration from .env file")
	}

	cfg, err := linbridge.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %s\n", err)
		os.Exit(1)
	}

	// Flags override the environment.
	if *socketFlag != "" {
		cfg.SocketPath = *socketFlag
	}
	if *levelFlag != "" {
		cfg.LogLevel = *levelFlag
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %s\n", cfg.LogLevel, err)
		os.Exit(1)
	}

	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	m := metrics.New("linbridge", nil)

	dialer := vbus.NewDialGuard(vbus.NewWebSocketDialer(cfg.VBusURL), vbus.GuardConfig{})

	registry, err := bridge.New(bridge.Config{
		Dial:        dialer.Dial,
		Resolve:     bridge.NewResolver(kvaser.Default()),
		GracePeriod: cfg.GracePeriod,
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		logger.Error("failed to build bridge registry", slog.String("error", err.Error()))
		os.Exit(1)
	}

	controlServer := control.NewServer(control.Config{
		SocketPath:  cfg.SocketPath,
		CommandRate: cfg.CommandRate,
		Logger:      logger,
		Metrics:     m,
	}, registry)

	g.Go(func() error {
		return registry.Run(ctx)
	})

	g.Go(func() error {
		return controlServer.Listen(ctx)
	})

	g.Go(func() error {
		return serveObservability(ctx, cfg, registry, logger)
	})

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	logger.Info("gateway started",
		slog.String("socket", cfg.SocketPath),
		slog.String("http", cfg.HTTPAddress),
		slog.String("vbus", cfg.VBusURL))

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("gateway terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

// serveObservability runs the metrics and health HTTP server until the
// context is cancelled.
func serveObservability(ctx context.Context, cfg linbridge.Config, registry *bridge.Registry, logger *slog.Logger) error {
	checker := health.NewChecker(0)
	checker.Register("control_socket", func(context.Context) error {
		if _, err := os.Stat(cfg.SocketPath); err != nil {
			return fmt.Errorf("control socket missing: %w", err)
		}
		return nil
	})
	checker.Register("bridges", func(context.Context) error {
		// Informational: a registry with zero bridges is still healthy.
		logger.Debug("health probe", slog.Int("active_bridges", registry.Count()))
		return nil
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/livez", health.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())

	srv := &http.Server{
		Addr:    cfg.HTTPAddress,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("observability server started", slog.String("address", cfg.HTTPAddress))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
