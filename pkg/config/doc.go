// Package config loads logoforge configuration from LOGOFORGE_* environment
// variables.
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Sections:
//
//   - Server: listen address, timeouts, webhook timeout, health port
//   - Storage: memory or postgres, optional redis
//   - Billing: stripe keys, webhook tolerance, price ids, checkout URLs, plan catalog file
//   - Auth: oidc or trusted header
//   - RateLimit: per-user request budget
//   - Sweeper: cron schedule and worker pool for the reconciliation sweep
//   - Observability: log level, metrics, OpenTelemetry
//
// Stripe credentials are required; LoadConfig fails validation without them.
package config
