package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/logoforge/logoforge/pkg/observability"
	"github.com/logoforge/logoforge/pkg/plans"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Billing       BillingConfig
	Auth          AuthConfig
	RateLimit     RateLimitConfig
	Sweeper       SweeperConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// WebhookTimeout bounds a single webhook delivery end to end
	WebhookTimeout time.Duration
	// WebhookMaxBytes caps a webhook body; larger deliveries get a 413
	WebhookMaxBytes int64

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DefaultWebhookMaxBytes leaves ample room over the largest provider events
const DefaultWebhookMaxBytes = 512 << 10

// Storage backends
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// StorageConfig selects and configures persistence
type StorageConfig struct {
	Type string

	PostgresURL         string
	PostgresReplicaURLs string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	RunMigrations       bool

	// Redis is optional; rate limiting is process local without it
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// BillingConfig holds payment provider settings
type BillingConfig struct {
	StripeSecretKey    string
	WebhookSecret      string
	SignatureTolerance time.Duration
	RefetchEvents      bool

	// PriceIDs overrides catalog prices per plan
	PriceIDs map[plans.Key]string

	SuccessURL string
	CancelURL  string

	CatalogPath  string
	CatalogWatch bool
}

// Auth modes
const (
	AuthModeOIDC   = "oidc"
	AuthModeHeader = "header"
)

// AuthConfig selects how user requests are authenticated
type AuthConfig struct {
	Mode       string
	Issuer     string
	ClientID   string
	UserHeader string
}

// RateLimitConfig limits credit and checkout calls per user
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerWindow int
	Window            time.Duration
	Burst             int
}

// SweeperConfig drives the reconciliation sweep
type SweeperConfig struct {
	Schedule    string
	Workers     int
	BatchSize   int
	ItemTimeout time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Billing:       loadBillingConfig(),
		Auth:          loadAuthConfig(),
		RateLimit:     loadRateLimitConfig(),
		Sweeper:       loadSweeperConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("LOGOFORGE_HOST", "0.0.0.0"),
		Port:            getEnv("LOGOFORGE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("LOGOFORGE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("LOGOFORGE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("LOGOFORGE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("LOGOFORGE_SHUTDOWN_TIMEOUT", 30*time.Second),
		WebhookTimeout:  getEnvDuration("LOGOFORGE_WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookMaxBytes: int64(getEnvInt("LOGOFORGE_WEBHOOK_MAX_BYTES", DefaultWebhookMaxBytes)),
		HealthPort:      getEnv("LOGOFORGE_HEALTH_PORT", "9090"),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		Type:                strings.ToLower(getEnv("LOGOFORGE_STORAGE_TYPE", StorageMemory)),
		PostgresURL:         getEnv("LOGOFORGE_POSTGRES_URL", ""),
		PostgresReplicaURLs: getEnv("LOGOFORGE_POSTGRES_REPLICA_URLS", ""),
		PostgresMaxConns:    getEnvInt("LOGOFORGE_POSTGRES_MAX_CONNS", 20),
		PostgresMinConns:    getEnvInt("LOGOFORGE_POSTGRES_MIN_CONNS", 2),
		PostgresTimeout:     getEnvDuration("LOGOFORGE_POSTGRES_TIMEOUT", 5*time.Second),
		RunMigrations:       getEnvBool("LOGOFORGE_RUN_MIGRATIONS", true),
		RedisURL:            getEnv("LOGOFORGE_REDIS_URL", ""),
		RedisPassword:       getEnv("LOGOFORGE_REDIS_PASSWORD", ""),
		RedisDB:             getEnvInt("LOGOFORGE_REDIS_DB", 0),
		RedisMaxRetries:     getEnvInt("LOGOFORGE_REDIS_MAX_RETRIES", 3),
		RedisPoolSize:       getEnvInt("LOGOFORGE_REDIS_POOL_SIZE", 10),
	}
}

func loadBillingConfig() BillingConfig {
	prices := make(map[plans.Key]string)
	for key, env := range map[plans.Key]string{
		plans.KeyStarter:    "LOGOFORGE_STRIPE_PRICE_STARTER",
		plans.KeyProMonthly: "LOGOFORGE_STRIPE_PRICE_PRO_MONTHLY",
		plans.KeyProYearly:  "LOGOFORGE_STRIPE_PRICE_PRO_YEARLY",
	} {
		if id := getEnv(env, ""); id != "" {
			prices[key] = id
		}
	}

	return BillingConfig{
		StripeSecretKey:    getEnv("LOGOFORGE_STRIPE_SECRET_KEY", ""),
		WebhookSecret:      getEnv("LOGOFORGE_STRIPE_WEBHOOK_SECRET", ""),
		SignatureTolerance: getEnvDuration("LOGOFORGE_WEBHOOK_TOLERANCE", 5*time.Minute),
		RefetchEvents:      getEnvBool("LOGOFORGE_WEBHOOK_REFETCH_EVENTS", false),
		PriceIDs:           prices,
		SuccessURL:         getEnv("LOGOFORGE_CHECKOUT_SUCCESS_URL", "http://localhost:3000/billing/success"),
		CancelURL:          getEnv("LOGOFORGE_CHECKOUT_CANCEL_URL", "http://localhost:3000/billing/cancel"),
		CatalogPath:        getEnv("LOGOFORGE_PLAN_CATALOG", ""),
		CatalogWatch:       getEnvBool("LOGOFORGE_PLAN_CATALOG_WATCH", false),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		Mode:       strings.ToLower(getEnv("LOGOFORGE_AUTH_MODE", AuthModeHeader)),
		Issuer:     getEnv("LOGOFORGE_OIDC_ISSUER", ""),
		ClientID:   getEnv("LOGOFORGE_OIDC_CLIENT_ID", ""),
		UserHeader: getEnv("LOGOFORGE_AUTH_USER_HEADER", "X-User-ID"),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           getEnvBool("LOGOFORGE_RATELIMIT_ENABLED", true),
		RequestsPerWindow: getEnvInt("LOGOFORGE_RATELIMIT_REQUESTS", 60),
		Window:            getEnvDuration("LOGOFORGE_RATELIMIT_WINDOW", time.Minute),
		Burst:             getEnvInt("LOGOFORGE_RATELIMIT_BURST", 10),
	}
}

func loadSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Schedule:    getEnv("LOGOFORGE_SWEEPER_SCHEDULE", "@every 15m"),
		Workers:     getEnvInt("LOGOFORGE_SWEEPER_WORKERS", 4),
		BatchSize:   getEnvInt("LOGOFORGE_SWEEPER_BATCH_SIZE", 200),
		ItemTimeout: getEnvDuration("LOGOFORGE_SWEEPER_ITEM_TIMEOUT", 10*time.Second),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("LOGOFORGE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("LOGOFORGE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("LOGOFORGE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("LOGOFORGE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("LOGOFORGE_OTEL_SERVICE_NAME", "logoforge"),
		OTelServiceVersion: getEnv("LOGOFORGE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("LOGOFORGE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("LOGOFORGE_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.WebhookTimeout <= 0 {
		return fmt.Errorf("webhook timeout must be positive")
	}
	if c.Server.WebhookMaxBytes <= 0 {
		return fmt.Errorf("webhook max bytes must be positive")
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}

	if c.Billing.StripeSecretKey == "" {
		return fmt.Errorf("stripe secret key is required")
	}
	if c.Billing.WebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}
	if c.Billing.CatalogWatch && c.Billing.CatalogPath == "" {
		return fmt.Errorf("plan catalog watch requires a catalog path")
	}

	switch c.Auth.Mode {
	case AuthModeOIDC:
		if c.Auth.Issuer == "" || c.Auth.ClientID == "" {
			return fmt.Errorf("OIDC issuer and client id are required for oidc auth")
		}
	case AuthModeHeader:
		if c.Auth.UserHeader == "" {
			return fmt.Errorf("user header is required for header auth")
		}
	default:
		return fmt.Errorf("invalid auth mode: %s (must be oidc or header)", c.Auth.Mode)
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate limit requests and window must be positive")
	}

	if c.Sweeper.Workers <= 0 || c.Sweeper.BatchSize <= 0 {
		return fmt.Errorf("sweeper workers and batch size must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
