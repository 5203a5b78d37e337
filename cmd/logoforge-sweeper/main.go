package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/logoforge/logoforge/pkg/app"
	"github.com/logoforge/logoforge/pkg/billing"
	"github.com/logoforge/logoforge/pkg/config"
	"github.com/logoforge/logoforge/pkg/observability"
)

var (
	schedule = flag.String("schedule", "", "Cron schedule for the reconciliation sweep (default: LOGOFORGE_SWEEPER_SCHEDULE)")
	runOnce  = flag.Bool("run-once", false, "Run one sweep and exit")
	logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	logger := setupLogger(*logLevel)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	if *schedule != "" {
		cfg.Sweeper.Schedule = *schedule
	}

	// components log through the application logger
	appLogger := observability.NewLogger(cfg.Observability.LogLevel, os.Stderr)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, appLogger, metrics, app.Options{})
	if err != nil {
		logger.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	if *runOnce {
		if err := sweep(ctx, a.Sweeper, logger); err != nil {
			logger.Errorf("Sweep failed: %v", err)
			a.Close()
			os.Exit(1)
		}
		return
	}

	c := cron.New()
	_, err = c.AddFunc(cfg.Sweeper.Schedule, func() {
		if err := sweep(ctx, a.Sweeper, logger); err != nil {
			logger.Errorf("Sweep failed: %v", err)
		}
	})
	if err != nil {
		logger.Fatalf("Failed to schedule sweep %q: %v", cfg.Sweeper.Schedule, err)
	}

	c.Start()
	logger.Infof("Reconciliation sweeper started with schedule %s", cfg.Sweeper.Schedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutting down gracefully...")
	cancel()

	stopped := c.Stop()
	<-stopped.Done()

	logger.Info("Sweeper stopped")
}

func sweep(ctx context.Context, sweeper *billing.Sweeper, logger *logrus.Logger) error {
	start := time.Now()
	logger.Info("Starting reconciliation sweep")

	summary, err := sweeper.RunOnce(ctx)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"checked":  summary.Checked,
		"updated":  summary.Updated,
		"failed":   summary.Failed,
		"duration": time.Since(start).String(),
	}).Info("Reconciliation sweep completed")
	return nil
}

func setupLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}
