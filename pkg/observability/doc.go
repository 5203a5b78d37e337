// Package observability provides structured logging, Prometheus metrics,
// health checks and OpenTelemetry tracing for the logoforge services.
//
// # Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("user_id", userID).Info("checkout session created")
//
// Request-scoped loggers travel in the context; FromContext adds the request
// id, user id and trace id when present.
//
// # Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.WebhookEventsTotal.WithLabelValues("invoice.paid", "processed").Inc()
//
// # Health
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(mux, checker)
//
// # Tracing
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "logoforge",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
