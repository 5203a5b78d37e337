package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/logoforge/logoforge/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the billing and credit schema in apply order
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id BIGSERIAL PRIMARY KEY,
					user_id TEXT NOT NULL,
					customer_id TEXT NOT NULL DEFAULT '',
					subscription_id TEXT NOT NULL UNIQUE,
					plan_key TEXT NOT NULL,
					status TEXT NOT NULL CHECK (status IN ('incomplete', 'active', 'past_due', 'canceled')),
					current_period_start TIMESTAMPTZ,
					current_period_end TIMESTAMPTZ,
					cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
					canceled_at TIMESTAMPTZ,
					monthly_token_limit BIGINT NOT NULL DEFAULT 0,
					last_event_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions(user_id, updated_at DESC);
				CREATE INDEX IF NOT EXISTS idx_subscriptions_resync ON subscriptions(status, current_period_end)
					WHERE status <> 'canceled';
			`,
		},
		{
			Version:     2,
			Description: "Create credit ledger tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS credit_balances (
					user_id TEXT PRIMARY KEY,
					remaining BIGINT NOT NULL CHECK (remaining >= 0),
					granted BIGINT NOT NULL DEFAULT 0,
					period_start TIMESTAMPTZ,
					period_end TIMESTAMPTZ,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS usage_records (
					id UUID PRIMARY KEY,
					user_id TEXT NOT NULL,
					amount BIGINT NOT NULL CHECK (amount > 0),
					operation TEXT NOT NULL,
					balance_after BIGINT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_usage_records_user_created ON usage_records(user_id, created_at DESC);

				CREATE TABLE IF NOT EXISTS credit_grants (
					idempotency_key TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					amount BIGINT NOT NULL,
					reason TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     3,
			Description: "Create billing customers table",
			SQL: `
				CREATE TABLE IF NOT EXISTS billing_customers (
					user_id TEXT PRIMARY KEY,
					customer_id TEXT NOT NULL UNIQUE,
					email TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
	}
}

// RunMigrations applies pending migrations, each in its own transaction, and
// records them in schema_migrations
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	rows.Close()

	for _, migration := range Migrations() {
		if applied[migration.Version] {
			continue
		}

		log := logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		})
		log.Info("Running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		log.Info("Migration applied")
	}

	return nil
}
