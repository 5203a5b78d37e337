package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/logoforge/logoforge/pkg/plans"
	"github.com/logoforge/logoforge/pkg/storage/postgres"
)

const subscriptionColumns = `id, user_id, customer_id, subscription_id, plan_key, status,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at,
	monthly_token_limit, last_event_at, created_at, updated_at`

const (
	selectBySubscriptionQuery = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE subscription_id = $1`

	lockBySubscriptionQuery = selectBySubscriptionQuery + ` FOR UPDATE`

	selectCurrentForUserQuery = `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE user_id = $1
		ORDER BY (status <> 'canceled') DESC, updated_at DESC, id DESC
		LIMIT 1`

	insertSubscriptionQuery = `
		INSERT INTO subscriptions (user_id, customer_id, subscription_id, plan_key, status,
			current_period_start, current_period_end, cancel_at_period_end, canceled_at,
			monthly_token_limit, last_event_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		RETURNING id`

	updateSubscriptionQuery = `
		UPDATE subscriptions SET
			user_id = $2, customer_id = $3, plan_key = $4, status = $5,
			current_period_start = $6, current_period_end = $7,
			cancel_at_period_end = $8, canceled_at = $9,
			monthly_token_limit = $10, last_event_at = $11, updated_at = $12
		WHERE subscription_id = $1
		  AND (status <> 'canceled' OR $5 = 'canceled')`

	selectResyncQuery = `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE status <> 'canceled'
		  AND (status IN ('past_due', 'incomplete') OR current_period_end < $1)
		ORDER BY id
		LIMIT $2`

	selectCustomerQuery = `SELECT customer_id FROM billing_customers WHERE user_id = $1`

	upsertCustomerQuery = `
		INSERT INTO billing_customers (user_id, customer_id, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET customer_id = EXCLUDED.customer_id, email = EXCLUDED.email`

	selectOwnerQuery = `SELECT user_id FROM billing_customers WHERE customer_id = $1`
)

// PostgresStore is the Store backed by the subscriptions and
// billing_customers tables
type PostgresStore struct {
	db  postgres.DB
	now func() time.Time
}

// NewPostgresStore creates a store over the given connections
func NewPostgresStore(db postgres.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Reads go to the primary: the reconciler merges onto what it reads, so a
// lagging replica would resurrect overwritten state.

func (s *PostgresStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*Subscription, error) {
	sub, err := scanSubscription(s.db.Primary().QueryRowContext(ctx, selectBySubscriptionQuery, subscriptionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", subscriptionID, err)
	}
	return sub, nil
}

func (s *PostgresStore) GetCurrentForUser(ctx context.Context, userID string) (*Subscription, error) {
	sub, err := scanSubscription(s.db.Primary().QueryRowContext(ctx, selectCurrentForUserQuery, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription for user: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) Insert(ctx context.Context, sub *Subscription) error {
	now := s.now().UTC()
	err := s.db.Primary().QueryRowContext(ctx, insertSubscriptionQuery,
		sub.UserID, sub.CustomerID, sub.SubscriptionID, string(sub.PlanKey), string(sub.Status),
		nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd),
		sub.CancelAtPeriodEnd, nullTime(sub.CanceledAt),
		sub.MonthlyTokenLimit, nullTime(sub.LastEventAt), now,
	).Scan(&sub.ID)
	if postgres.IsUniqueViolation(err) {
		return ErrDuplicateSubscription
	}
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	sub.CreatedAt = now
	sub.UpdatedAt = now
	return nil
}

// Mutate locks the row with SELECT ... FOR UPDATE so concurrent writers of
// one subscription serialize. The update itself refuses to move a canceled
// row to another status.
func (s *PostgresStore) Mutate(ctx context.Context, subscriptionID string, fn MutateFunc) (*Subscription, error) {
	tx, err := s.db.Primary().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mutate subscription: begin: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanSubscription(tx.QueryRowContext(ctx, lockBySubscriptionQuery, subscriptionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mutate subscription %s: lock: %w", subscriptionID, err)
	}

	next, err := fn(existing.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return existing, nil
	}

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx, updateSubscriptionQuery,
		subscriptionID, next.UserID, next.CustomerID, string(next.PlanKey), string(next.Status),
		nullTime(next.CurrentPeriodStart), nullTime(next.CurrentPeriodEnd),
		next.CancelAtPeriodEnd, nullTime(next.CanceledAt),
		next.MonthlyTokenLimit, nullTime(next.LastEventAt), now,
	)
	if err != nil {
		return nil, fmt.Errorf("mutate subscription %s: update: %w", subscriptionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("mutate subscription %s: update: %w", subscriptionID, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("mutate subscription %s: canceled row cannot move to %s", subscriptionID, next.Status)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mutate subscription %s: commit: %w", subscriptionID, err)
	}

	updated := next.Clone()
	updated.ID = existing.ID
	updated.SubscriptionID = existing.SubscriptionID
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = now
	return updated, nil
}

func (s *PostgresStore) ListForResync(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Primary().QueryContext(ctx, selectResyncQuery, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list for resync: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("list for resync: scan: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list for resync: %w", err)
	}
	return subs, nil
}

func (s *PostgresStore) GetCustomer(ctx context.Context, userID string) (string, error) {
	var customerID string
	err := s.db.Primary().QueryRowContext(ctx, selectCustomerQuery, userID).Scan(&customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get customer: %w", err)
	}
	return customerID, nil
}

func (s *PostgresStore) SaveCustomer(ctx context.Context, userID, customerID, email string) error {
	if _, err := s.db.Primary().ExecContext(ctx, upsertCustomerQuery, userID, customerID, email); err != nil {
		return fmt.Errorf("save customer: %w", err)
	}
	return nil
}

func (s *PostgresStore) UserForCustomer(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := s.db.Primary().QueryRowContext(ctx, selectOwnerQuery, customerID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get customer owner: %w", err)
	}
	return userID, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*Subscription, error) {
	var (
		sub                            Subscription
		planKey, status                string
		start, end, canceled, lastSeen sql.NullTime
	)
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.CustomerID, &sub.SubscriptionID, &planKey, &status,
		&start, &end, &sub.CancelAtPeriodEnd, &canceled,
		&sub.MonthlyTokenLimit, &lastSeen, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.PlanKey = plans.Key(planKey)
	sub.Status = Status(status)
	sub.CurrentPeriodStart = fromNull(start)
	sub.CurrentPeriodEnd = fromNull(end)
	sub.CanceledAt = fromNull(canceled)
	sub.LastEventAt = fromNull(lastSeen)
	return &sub, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNull(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
