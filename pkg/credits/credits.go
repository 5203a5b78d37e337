package credits

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Operation is a metered feature invocation
type Operation string

const (
	OperationGeneration  Operation = "generation"
	OperationImprovement Operation = "improvement"
)

var costs = map[Operation]int64{
	OperationGeneration:  1,
	OperationImprovement: 3,
}

// ErrUnknownOperation is returned for operations without a server-side cost
var ErrUnknownOperation = errors.New("unknown operation")

// CostOf returns the fixed credit cost of op
func CostOf(op Operation) (int64, error) {
	cost, ok := costs[op]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	return cost, nil
}

// InsufficientCreditsError reports the exact shortfall of a rejected deduction
type InsufficientCreditsError struct {
	Remaining int64
	Required  int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: %d remaining, %d required", e.Remaining, e.Required)
}

// GrantReason classifies a credit grant
type GrantReason string

const (
	// ReasonPeriodGrant replaces the balance at a billing period rollover
	ReasonPeriodGrant GrantReason = "period_grant"
	// ReasonTopUp adds a one-time refill on top of the balance
	ReasonTopUp GrantReason = "top_up"
)

// UsageRecord is the append-only audit entry of one successful deduction
type UsageRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Amount       int64     `json:"amount"`
	Operation    Operation `json:"operation"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// Balance is a user's credit position for the current billing period
type Balance struct {
	UserID      string     `json:"user_id"`
	Remaining   int64      `json:"remaining"`
	Granted     int64      `json:"granted"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Grant describes credits to add or reset. IdempotencyKey makes the grant
// apply at most once.
type Grant struct {
	UserID         string
	Amount         int64
	Reason         GrantReason
	IdempotencyKey string
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
	// Reset sets remaining and granted to Amount instead of adding
	Reset bool
}

func (g Grant) validate() error {
	if g.UserID == "" {
		return errors.New("grant: user id is required")
	}
	if g.IdempotencyKey == "" {
		return errors.New("grant: idempotency key is required")
	}
	if g.Amount < 0 {
		return fmt.Errorf("grant: negative amount %d", g.Amount)
	}
	return nil
}

// Ledger is the only writer of credit balances
type Ledger interface {
	// Deduct atomically checks and decrements the balance for op
	Deduct(ctx context.Context, userID string, op Operation) (*UsageRecord, error)
	// Grant applies g unless its idempotency key was seen before. The bool
	// reports whether the grant was applied by this call.
	Grant(ctx context.Context, g Grant) (*Balance, bool, error)
	// Balance returns the user's balance; a user without one reads as zero
	Balance(ctx context.Context, userID string) (*Balance, error)
	// Usage returns up to limit records, newest first
	Usage(ctx context.Context, userID string, limit int) ([]UsageRecord, error)
}
