// Package main is the entry point for the switchboard server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Build the logger, tracer, and metrics registry.
//  3. Construct the upstream client (when UPSTREAM_API_BASE is set) and the
//     in-memory flag and group registries.
//  4. Wire the service and the HTTP API handler.
//  5. Start the HTTP server and wait for SIGINT/SIGTERM, then gracefully
//     shut down.
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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/m-rowley/switchboard/internal/config"
	"github.com/m-rowley/switchboard/internal/logging"
	"github.com/m-rowley/switchboard/internal/metrics"
	"github.com/m-rowley/switchboard/internal/middleware"
	"github.com/m-rowley/switchboard/internal/registry"
	"github.com/m-rowley/switchboard/internal/server"
	"github.com/m-rowley/switchboard/internal/service"
	"github.com/m-rowley/switchboard/internal/tracing"
	"github.com/m-rowley/switchboard/internal/upstream"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var upstreamClient *upstream.Client
	if cfg.UpstreamAPIBase != "" {
		upstreamClient = upstream.New(upstream.Config{
			BaseURL: cfg.UpstreamAPIBase,
			Token:   cfg.UpstreamAPIToken,
			Timeout: cfg.UpstreamTimeout,
		})
		log.Info("upstream hydration enabled", "base_url", cfg.UpstreamAPIBase)
	} else {
		log.Info("upstream hydration disabled")
	}

	flagOpts := []registry.FlagStoreOption{
		registry.WithLogger(log),
		registry.WithHydrationHook(m.RecordHydration),
	}
	if upstreamClient != nil {
		flagOpts = append(flagOpts, registry.WithFetcher(upstreamClient))
	}
	flags := registry.NewFlagStore(flagOpts...)
	groups := registry.NewGroupStore()

	svcOpts := []service.Option{
		service.WithLogger(log),
		service.WithDemoMode(cfg.DemoMode),
		service.WithEvaluationMetric(m.RecordEvaluation),
		service.WithToggleMetric(m.RecordToggle),
		service.WithRegistrySizeMetric(m.SetRegistrySizes),
	}
	if upstreamClient != nil {
		svcOpts = append(svcOpts, service.WithToggler(upstreamClient))
	}
	svc := service.New(flags, groups, svcOpts...)

	apiHandler := server.NewHTTPHandler(svc,
		server.WithMaxBodyBytes(cfg.MaxJSONBodySize),
		server.WithMetricsHandler(m.Handler()),
	)
	httpHandler := middleware.RequestLogging(log)(m.Middleware(apiHandler))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "switchboard-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr, "demo_mode", cfg.DemoMode)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}
