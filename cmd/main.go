// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	floyd "github.com/Jezerwel/floyd-app"
	"github.com/Jezerwel/floyd-app/examples/simple"
	"github.com/Jezerwel/floyd-app/pkg/health"
	"github.com/Jezerwel/floyd-app/pkg/metrics"
	"github.com/Jezerwel/floyd-app/pkg/relay"
	"github.com/Jezerwel/floyd-app/pkg/server"
	"github.com/Jezerwel/floyd-app/pkg/upstream"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	// .env is optional.
	envErr := godotenv.Load()

	cfg, err := floyd.NewConfig(env.Options{Prefix: floyd.EnvPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %s\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	m := metrics.New("floyd", prometheus.DefaultRegisterer)

	link, err := upstream.New(cfg.Upstream(), upstream.Options{
		Logger:  logger.With(slog.String("component", "upstream")),
		Metrics: m,
	})
	if err != nil {
		logger.Error("failed to create upstream link", slog.String("error", err.Error()))
		os.Exit(1)
	}

	core := relay.New(link, cfg.Relay(), relay.Options{
		Logger:  logger.With(slog.String("component", "relay")),
		Handler: simple.New(logger),
		Metrics: m,
	})

	checker := health.NewChecker(cfg.HealthCacheTTL, nil)
	checker.Register("upstream", health.UpstreamCheck(core.UpstreamState))
	checker.Register("sessions", health.SessionsCheck(core.ClientCount, cfg.MaxSessions))

	srvCfg, err := cfg.Server(logger.With(slog.String("component", "server")))
	if err != nil {
		logger.Error("failed to configure server", slog.String("error", err.Error()))
		os.Exit(1)
	}
	srv := server.New(srvCfg, core, checker)

	g.Go(func() error {
		return srv.Listen(ctx)
	})

	if cfg.MetricsPort != "" {
		g.Go(func() error {
			return serveMetrics(ctx, net.JoinHostPort("", cfg.MetricsPort), logger)
		})
	}

	if cfg.AutoConnect {
		logger.Info("connecting to upstream device", slog.String("url", cfg.Upstream().URL()))
		core.ConnectUpstream()
	}

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	err = g.Wait()
	if serr := core.Shutdown(); serr != nil {
		logger.Warn("errors while closing client sessions", slog.String("error", serr.Error()))
	}
	if err != nil {
		logger.Error(fmt.Sprintf("floyd relay terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("floyd relay stopped")
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// serveMetrics serves the Prometheus metrics endpoint until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server started", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
