package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/logoforge/logoforge/pkg/api"
	"github.com/logoforge/logoforge/pkg/app"
	"github.com/logoforge/logoforge/pkg/async"
	"github.com/logoforge/logoforge/pkg/config"
	"github.com/logoforge/logoforge/pkg/middleware"
	"github.com/logoforge/logoforge/pkg/observability"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Server exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a, err := app.Build(ctx, cfg, logger, metrics, app.Options{})
	if err != nil {
		return err
	}

	resolver, err := a.UserResolver(ctx)
	if err != nil {
		a.Close()
		return fmt.Errorf("failed to configure authentication: %w", err)
	}

	handler := api.NewServer(api.Options{
		Billing:         a.Service,
		Webhooks:        a.Webhooks,
		Ledger:          a.Ledger,
		Auth:            middleware.NewAuthMiddleware(resolver, logger),
		Limiter:         a.RateLimiter(),
		WebhookTimeout:  cfg.Server.WebhookTimeout,
		WebhookMaxBytes: cfg.Server.WebhookMaxBytes,
		Logger:          logger,
		Metrics:         metrics,
	}).Handler()

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	checker := observability.NewHealthChecker(version)
	a.RegisterHealthChecks(checker)
	observability.RegisterHealthRoutes(healthMux, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if a.DB != nil {
		a.DB.StartMonitor(ctx, 30*time.Second, metrics)
	}
	if cfg.Billing.CatalogWatch && cfg.Billing.CatalogPath != "" {
		async.SafeGo(ctx, logger, 0, "plan-catalog-watch", a.Catalog.Watch)
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		cancel()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		return a.Close()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	serveErr := make(chan error, 2)
	for _, srv := range []*http.Server{apiServer, healthServer} {
		go func(srv *http.Server) {
			logger.WithField("addr", srv.Addr).Info("Listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("server %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	waitCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case err := <-serveErr:
			logger.WithError(err).Error("Server failed")
			stop()
		case <-waitCtx.Done():
		}
	}()

	logger.WithFields(map[string]interface{}{
		"version": version,
		"storage": cfg.Storage.Type,
		"auth":    cfg.Auth.Mode,
	}).Info("logoforge billing service started")

	return shutdown.WaitForShutdown(waitCtx)
}
