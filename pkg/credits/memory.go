package credits

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is an in-process Ledger for tests and single-node development
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]*Balance
	usage    map[string][]UsageRecord
	grants   map[string]struct{}
	now      func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]*Balance),
		usage:    make(map[string][]UsageRecord),
		grants:   make(map[string]struct{}),
		now:      time.Now,
	}
}

func (l *MemoryLedger) Deduct(ctx context.Context, userID string, op Operation) (*UsageRecord, error) {
	cost, err := CostOf(op)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal, ok := l.balances[userID]
	if !ok || bal.Remaining < cost {
		remaining := int64(0)
		if ok {
			remaining = bal.Remaining
		}
		return nil, &InsufficientCreditsError{Remaining: remaining, Required: cost}
	}

	now := l.now().UTC()
	bal.Remaining -= cost
	bal.UpdatedAt = now

	record := UsageRecord{
		ID:           uuid.NewString(),
		UserID:       userID,
		Amount:       cost,
		Operation:    op,
		BalanceAfter: bal.Remaining,
		CreatedAt:    now,
	}
	l.usage[userID] = append(l.usage[userID], record)

	return &record, nil
}

func (l *MemoryLedger) Grant(ctx context.Context, g Grant) (*Balance, bool, error) {
	if err := g.validate(); err != nil {
		return nil, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal, ok := l.balances[g.UserID]
	if !ok {
		bal = &Balance{UserID: g.UserID}
		l.balances[g.UserID] = bal
	}

	if _, seen := l.grants[g.IdempotencyKey]; seen {
		out := *bal
		return &out, false, nil
	}
	l.grants[g.IdempotencyKey] = struct{}{}

	if g.Reset {
		bal.Remaining = g.Amount
		bal.Granted = g.Amount
		if g.PeriodStart != nil {
			bal.PeriodStart = g.PeriodStart
		}
		if g.PeriodEnd != nil {
			bal.PeriodEnd = g.PeriodEnd
		}
	} else {
		bal.Remaining += g.Amount
		bal.Granted += g.Amount
	}
	bal.UpdatedAt = l.now().UTC()

	out := *bal
	return &out, true, nil
}

func (l *MemoryLedger) Balance(ctx context.Context, userID string) (*Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if bal, ok := l.balances[userID]; ok {
		out := *bal
		return &out, nil
	}
	return &Balance{UserID: userID}, nil
}

func (l *MemoryLedger) Usage(ctx context.Context, userID string, limit int) ([]UsageRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.usage[userID]
	n := len(history)
	if limit > 0 && n > limit {
		n = limit
	}

	records := make([]UsageRecord, 0, n)
	for i := len(history) - 1; i >= 0 && len(records) < n; i-- {
		records = append(records, history[i])
	}
	return records, nil
}
