// Package app assembles logoforge's components from configuration. Both the
// API server and the sweeper binary build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stripe/stripe-go/v82"

	"github.com/logoforge/logoforge/pkg/auth"
	"github.com/logoforge/logoforge/pkg/billing"
	"github.com/logoforge/logoforge/pkg/config"
	"github.com/logoforge/logoforge/pkg/credits"
	"github.com/logoforge/logoforge/pkg/middleware"
	"github.com/logoforge/logoforge/pkg/observability"
	"github.com/logoforge/logoforge/pkg/plans"
	"github.com/logoforge/logoforge/pkg/storage/postgres"
)

// App holds the wired components
type App struct {
	Config  *config.Config
	Logger  *observability.Logger
	Metrics *observability.Metrics

	Catalog    *plans.Holder
	Store      billing.Store
	Ledger     credits.Ledger
	Provider   billing.Provider
	Reconciler *billing.Reconciler
	Webhooks   *billing.WebhookProcessor
	Service    *billing.Service
	Sweeper    *billing.Sweeper

	// DB and Redis are nil in memory mode or when redis is not configured
	DB    *postgres.ConnectionManager
	Redis *redis.Client

	closers []func() error
}

// Options overrides external dependencies, mainly for tests
type Options struct {
	// StripeBackends points the provider at a different API endpoint
	StripeBackends *stripe.Backends
}

// Build wires every component described by cfg
func Build(ctx context.Context, cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics, opts Options) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Metrics: metrics}

	catalog, err := a.loadCatalog()
	if err != nil {
		return nil, err
	}
	a.Catalog = catalog

	if err := a.openStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Storage.RedisURL != "" {
		client, err := postgres.NewRedisClient(ctx, postgres.RedisConfig{
			URL:        cfg.Storage.RedisURL,
			Password:   cfg.Storage.RedisPassword,
			DB:         cfg.Storage.RedisDB,
			MaxRetries: cfg.Storage.RedisMaxRetries,
			PoolSize:   cfg.Storage.RedisPoolSize,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = client
		a.closers = append(a.closers, client.Close)
	}

	a.Provider = billing.NewStripeProvider(cfg.Billing.StripeSecretKey, opts.StripeBackends, metrics)
	a.Reconciler = billing.NewReconciler(a.Store, a.Catalog, metrics)
	a.Webhooks = billing.NewWebhookProcessor(billing.WebhookConfig{
		Secret:        cfg.Billing.WebhookSecret,
		Tolerance:     cfg.Billing.SignatureTolerance,
		RefetchEvents: cfg.Billing.RefetchEvents,
	}, a.Reconciler, a.Store, a.Ledger, a.Provider, logger, metrics)
	a.Service = billing.NewService(billing.ServiceConfig{
		SuccessURL: cfg.Billing.SuccessURL,
		CancelURL:  cfg.Billing.CancelURL,
	}, a.Store, a.Provider, a.Catalog, logger)
	a.Sweeper = billing.NewSweeper(billing.SweeperConfig{
		Workers:     cfg.Sweeper.Workers,
		BatchSize:   cfg.Sweeper.BatchSize,
		ItemTimeout: cfg.Sweeper.ItemTimeout,
	}, a.Store, a.Provider, a.Reconciler, logger, metrics)

	return a, nil
}

func (a *App) loadCatalog() (*plans.Holder, error) {
	b := a.Config.Billing
	if b.CatalogPath == "" {
		return plans.NewHolder(plans.DefaultCatalog(b.PriceIDs), "", b.PriceIDs, a.Logger, a.Metrics), nil
	}

	c, err := plans.LoadFile(b.CatalogPath, b.PriceIDs)
	if err != nil {
		return nil, err
	}
	return plans.NewHolder(c, b.CatalogPath, b.PriceIDs, a.Logger, a.Metrics), nil
}

func (a *App) openStorage(ctx context.Context) error {
	s := a.Config.Storage
	switch s.Type {
	case config.StoragePostgres:
		cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
			PrimaryURL:  s.PostgresURL,
			ReplicaURLs: postgres.ParseReplicaURLs(s.PostgresReplicaURLs),
			MaxConns:    s.PostgresMaxConns,
			MinConns:    s.PostgresMinConns,
			Timeout:     s.PostgresTimeout,
			MaxLifetime: 30 * time.Minute,
			MaxIdleTime: 5 * time.Minute,
		}, a.Logger)
		if err != nil {
			return err
		}
		a.DB = cm
		a.closers = append(a.closers, cm.Close)

		if s.RunMigrations {
			if err := postgres.RunMigrations(ctx, cm.Primary(), a.Logger); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		a.Store = billing.NewPostgresStore(cm)
		a.Ledger = credits.NewPostgresLedger(cm)
		return nil

	case config.StorageMemory:
		a.Logger.Warn("Using in-memory storage; state is lost on restart")
		a.Store = billing.NewMemoryStore()
		a.Ledger = credits.NewMemoryLedger()
		return nil

	default:
		return fmt.Errorf("unsupported storage type %q", s.Type)
	}
}

// UserResolver builds the resolver selected by the auth config
func (a *App) UserResolver(ctx context.Context) (auth.UserResolver, error) {
	c := a.Config.Auth
	switch c.Mode {
	case config.AuthModeOIDC:
		return auth.DiscoverOIDCResolver(ctx, c.Issuer, c.ClientID)
	case config.AuthModeHeader:
		a.Logger.WithField("header", c.UserHeader).Warn("Trusting user id header; only use behind an authenticating gateway")
		return auth.NewHeaderResolver(c.UserHeader), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", c.Mode)
	}
}

// RegisterHealthChecks adds the readiness probes for the wired dependencies.
// The catalog check degrades when no plan can be bought.
func (a *App) RegisterHealthChecks(h *observability.HealthChecker) {
	if a.DB != nil {
		h.AddCheck("database", true, observability.DatabaseCheck(a.DB.Primary()))
		h.AddCheck("database_replicas", false, a.DB.HealthCheck)
	}
	if a.Redis != nil {
		h.AddCheck("redis", false, observability.RedisCheck(a.Redis))
	}
	h.AddCheck("plan_catalog", false, func(context.Context) error {
		catalog := a.Catalog.Current()
		for _, def := range catalog.Definitions() {
			if _, ok := catalog.ExternalPriceID(def.Key); ok {
				return nil
			}
		}
		return fmt.Errorf("%w: no plan has a price configured", observability.ErrDegraded)
	})
}

// RateLimiter returns the configured limiter, or nil when disabled
func (a *App) RateLimiter() middleware.Limiter {
	c := a.Config.RateLimit
	if !c.Enabled {
		return nil
	}
	rl := &middleware.RateLimitConfig{
		RequestsPerWindow: c.RequestsPerWindow,
		WindowDuration:    c.Window,
		BurstSize:         c.Burst,
	}
	if a.Redis != nil {
		return middleware.NewDistributedRateLimiter(a.Redis, rl, "")
	}
	return middleware.NewLocalRateLimiter(rl)
}

// Close releases connections in reverse order of opening
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
