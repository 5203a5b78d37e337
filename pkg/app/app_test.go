package app

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logoforge/logoforge/pkg/auth"
	"github.com/logoforge/logoforge/pkg/config"
	"github.com/logoforge/logoforge/pkg/middleware"
	"github.com/logoforge/logoforge/pkg/observability"
	"github.com/logoforge/logoforge/pkg/plans"
)

func testConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Type: config.StorageMemory},
		Billing: config.BillingConfig{
			StripeSecretKey: "sk_test_123",
			WebhookSecret:   "whsec_123",
			PriceIDs:        map[plans.Key]string{plans.KeyProMonthly: "price_pm"},
		},
		Auth:      config.AuthConfig{Mode: config.AuthModeHeader, UserHeader: "X-Forwarded-User"},
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerWindow: 5, Window: time.Minute},
		Sweeper:   config.SweeperConfig{Workers: 2, BatchSize: 10},
	}
}

func build(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := Build(context.Background(), cfg, observability.NopLogger(), observability.NewMetrics(prometheus.NewRegistry()), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestBuild_Memory(t *testing.T) {
	a := build(t, testConfig())

	assert.Nil(t, a.DB)
	assert.NotNil(t, a.Webhooks)
	assert.NotNil(t, a.Service)
	assert.NotNil(t, a.Sweeper)

	price, ok := a.Catalog.Current().ExternalPriceID(plans.KeyProMonthly)
	require.True(t, ok)
	assert.Equal(t, "price_pm", price)

	_, ok = a.RateLimiter().(*middleware.LocalRateLimiter)
	assert.True(t, ok)

	resolver, err := a.UserResolver(context.Background())
	require.NoError(t, err)
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-User", "user-1")
	identity, err := resolver.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, &auth.Identity{UserID: "user-1"}, identity)
}

func TestRegisterHealthChecks(t *testing.T) {
	a := build(t, testConfig())
	checker := observability.NewHealthChecker("test")
	a.RegisterHealthChecks(checker)

	status := checker.Check(context.Background())
	assert.Equal(t, observability.StatusHealthy, status.Status)
	assert.Contains(t, status.Dependencies, "plan_catalog")
	assert.NotContains(t, status.Dependencies, "database")

	cfg := testConfig()
	cfg.Billing.PriceIDs = nil
	unpriced := build(t, cfg)
	checker = observability.NewHealthChecker("test")
	unpriced.RegisterHealthChecks(checker)
	assert.Equal(t, observability.StatusDegraded, checker.Check(context.Background()).Status)
}

func TestBuild_RedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Storage.RedisURL = "redis://" + mr.Addr()

	a := build(t, cfg)
	require.NotNil(t, a.Redis)
	_, ok := a.RateLimiter().(*middleware.DistributedRateLimiter)
	assert.True(t, ok)

	cfg.RateLimit.Enabled = false
	assert.Nil(t, a.RateLimiter())
}

func TestBuild_CatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default: base
plans:
  - key: base
    name: Base
    price: "0"
    currency: usd
    credits: 5
    interval: none
    priority: 0
  - key: pro_monthly
    name: Pro Monthly
    price: "24.99"
    currency: usd
    credits: 120
    interval: month
    priority: 2
    price_id: price_from_file
`), 0o644))

	cfg := testConfig()
	cfg.Billing.CatalogPath = path
	a := build(t, cfg)

	def := a.Catalog.Current().DefinitionOf(plans.KeyProMonthly)
	assert.Equal(t, 120, def.MonthlyCredits)
	// env price ids override the file
	price, _ := a.Catalog.Current().ExternalPriceID(plans.KeyProMonthly)
	assert.Equal(t, "price_pm", price)
}

func TestBuild_BadCatalog(t *testing.T) {
	cfg := testConfig()
	cfg.Billing.CatalogPath = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := Build(context.Background(), cfg, observability.NopLogger(), nil, Options{})
	assert.Error(t, err)
}
