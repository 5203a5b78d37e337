package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/logoforge/logoforge/pkg/observability"
	"github.com/logoforge/logoforge/pkg/storage/postgres"
)

const (
	lockBalanceQuery = `SELECT remaining FROM credit_balances WHERE user_id = $1 FOR UPDATE`

	updateBalanceQuery = `UPDATE credit_balances SET remaining = $2, updated_at = $3 WHERE user_id = $1`

	insertUsageQuery = `
		INSERT INTO usage_records (id, user_id, amount, operation, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	insertGrantQuery = `
		INSERT INTO credit_grants (idempotency_key, user_id, amount, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING`

	resetBalanceQuery = `
		INSERT INTO credit_balances (user_id, remaining, granted, period_start, period_end, updated_at)
		VALUES ($1, $2, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			remaining = EXCLUDED.remaining,
			granted = EXCLUDED.granted,
			period_start = COALESCE(EXCLUDED.period_start, credit_balances.period_start),
			period_end = COALESCE(EXCLUDED.period_end, credit_balances.period_end),
			updated_at = EXCLUDED.updated_at
		RETURNING remaining, granted, period_start, period_end, updated_at`

	topUpBalanceQuery = `
		INSERT INTO credit_balances (user_id, remaining, granted, updated_at)
		VALUES ($1, $2, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			remaining = credit_balances.remaining + EXCLUDED.remaining,
			granted = credit_balances.granted + EXCLUDED.granted,
			updated_at = EXCLUDED.updated_at
		RETURNING remaining, granted, period_start, period_end, updated_at`

	selectBalanceQuery = `
		SELECT remaining, granted, period_start, period_end, updated_at
		FROM credit_balances WHERE user_id = $1`

	selectUsageQuery = `
		SELECT id, user_id, amount, operation, balance_after, created_at
		FROM usage_records WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
)

// PostgresLedger stores balances in credit_balances and serializes deductions
// per user with SELECT ... FOR UPDATE
type PostgresLedger struct {
	db  postgres.DB
	now func() time.Time
}

// NewPostgresLedger creates a ledger over the given connections
func NewPostgresLedger(db postgres.DB) *PostgresLedger {
	return &PostgresLedger{db: db, now: time.Now}
}

func (l *PostgresLedger) Deduct(ctx context.Context, userID string, op Operation) (record *UsageRecord, err error) {
	cost, err := CostOf(op)
	if err != nil {
		return nil, err
	}

	ctx, span := observability.Tracer().Start(ctx, "credits.Deduct")
	span.SetAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("credits.operation", string(op)),
		attribute.Int64("credits.cost", cost),
	)
	defer func() {
		var insufficient *InsufficientCreditsError
		if err != nil && !errors.As(err, &insufficient) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "deduct failed")
		}
		span.End()
	}()

	tx, err := l.db.Primary().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("deduct: begin: %w", err)
	}
	defer tx.Rollback()

	var remaining int64
	err = tx.QueryRowContext(ctx, lockBalanceQuery, userID).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &InsufficientCreditsError{Remaining: 0, Required: cost}
	}
	if err != nil {
		return nil, fmt.Errorf("deduct: lock balance: %w", err)
	}

	if remaining < cost {
		return nil, &InsufficientCreditsError{Remaining: remaining, Required: cost}
	}

	now := l.now().UTC()
	after := remaining - cost

	if _, err := tx.ExecContext(ctx, updateBalanceQuery, userID, after, now); err != nil {
		return nil, fmt.Errorf("deduct: update balance: %w", err)
	}

	record = &UsageRecord{
		ID:           uuid.NewString(),
		UserID:       userID,
		Amount:       cost,
		Operation:    op,
		BalanceAfter: after,
		CreatedAt:    now,
	}
	if _, err := tx.ExecContext(ctx, insertUsageQuery,
		record.ID, record.UserID, record.Amount, string(record.Operation), record.BalanceAfter, record.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("deduct: insert usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("deduct: commit: %w", err)
	}

	return record, nil
}

func (l *PostgresLedger) Grant(ctx context.Context, g Grant) (*Balance, bool, error) {
	if err := g.validate(); err != nil {
		return nil, false, err
	}

	tx, err := l.db.Primary().BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("grant: begin: %w", err)
	}
	defer tx.Rollback()

	now := l.now().UTC()

	res, err := tx.ExecContext(ctx, insertGrantQuery, g.IdempotencyKey, g.UserID, g.Amount, string(g.Reason), now)
	if err != nil {
		return nil, false, fmt.Errorf("grant: record: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("grant: record: %w", err)
	}
	if inserted == 0 {
		tx.Rollback()
		bal, err := l.Balance(ctx, g.UserID)
		return bal, false, err
	}

	var row *sql.Row
	if g.Reset {
		row = tx.QueryRowContext(ctx, resetBalanceQuery, g.UserID, g.Amount, nullTime(g.PeriodStart), nullTime(g.PeriodEnd), now)
	} else {
		row = tx.QueryRowContext(ctx, topUpBalanceQuery, g.UserID, g.Amount, now)
	}

	bal, err := scanBalance(row, g.UserID)
	if err != nil {
		return nil, false, fmt.Errorf("grant: apply: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("grant: commit: %w", err)
	}
	return bal, true, nil
}

func (l *PostgresLedger) Balance(ctx context.Context, userID string) (*Balance, error) {
	bal, err := scanBalance(l.db.Primary().QueryRowContext(ctx, selectBalanceQuery, userID), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("balance: %w", err)
	}
	return bal, nil
}

// Usage reads from a replica; the audit trail tolerates replication lag
func (l *PostgresLedger) Usage(ctx context.Context, userID string, limit int) ([]UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.Replica().QueryContext(ctx, selectUsageQuery, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("usage: %w", err)
	}
	defer rows.Close()

	records := make([]UsageRecord, 0, limit)
	for rows.Next() {
		var r UsageRecord
		var op string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Amount, &op, &r.BalanceAfter, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("usage: scan: %w", err)
		}
		r.Operation = Operation(op)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage: %w", err)
	}
	return records, nil
}

func scanBalance(row *sql.Row, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID}
	var start, end sql.NullTime
	if err := row.Scan(&bal.Remaining, &bal.Granted, &start, &end, &bal.UpdatedAt); err != nil {
		return nil, err
	}
	if start.Valid {
		t := start.Time.UTC()
		bal.PeriodStart = &t
	}
	if end.Valid {
		t := end.Time.UTC()
		bal.PeriodEnd = &t
	}
	return bal, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
