package credits

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, l Ledger, userID string, amount int64) {
	t.Helper()
	_, applied, err := l.Grant(context.Background(), Grant{
		UserID:         userID,
		Amount:         amount,
		Reason:         ReasonPeriodGrant,
		IdempotencyKey: "seed:" + userID,
		Reset:          true,
	})
	require.NoError(t, err)
	require.True(t, applied)
}

func TestCostOf(t *testing.T) {
	cost, err := CostOf(OperationGeneration)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cost)

	cost, err = CostOf(OperationImprovement)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cost)

	_, err = CostOf("upscale")
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestMemoryLedger_Deduct(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	seed(t, ledger, "u1", 4)

	record, err := ledger.Deduct(ctx, "u1", OperationImprovement)
	require.NoError(t, err)
	assert.Equal(t, int64(3), record.Amount)
	assert.Equal(t, int64(1), record.BalanceAfter)
	assert.NotEmpty(t, record.ID)

	_, err = ledger.Deduct(ctx, "u1", OperationImprovement)
	var insufficient *InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(1), insufficient.Remaining)
	assert.Equal(t, int64(3), insufficient.Required)

	bal, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal.Remaining, "failed deduction must not change the balance")

	usage, err := ledger.Usage(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, usage, 1, "failed deduction must not append usage")
}

func TestMemoryLedger_DeductWithoutBalance(t *testing.T) {
	_, err := NewMemoryLedger().Deduct(context.Background(), "nobody", OperationGeneration)

	var insufficient *InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Zero(t, insufficient.Remaining)
	assert.Equal(t, int64(1), insufficient.Required)
}

func TestMemoryLedger_UnknownOperation(t *testing.T) {
	ledger := NewMemoryLedger()
	seed(t, ledger, "u1", 10)

	_, err := ledger.Deduct(context.Background(), "u1", Operation("free_lunch"))
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestMemoryLedger_ConcurrentDeduct(t *testing.T) {
	for _, op := range []Operation{OperationGeneration, OperationImprovement} {
		t.Run(string(op), func(t *testing.T) {
			const k = 20
			cost, err := CostOf(op)
			require.NoError(t, err)

			ledger := NewMemoryLedger()
			seed(t, ledger, "u1", k*cost)

			var (
				wg           sync.WaitGroup
				mu           sync.Mutex
				successes    int
				insufficient int
			)
			start := make(chan struct{})
			for i := 0; i < k+5; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, err := ledger.Deduct(context.Background(), "u1", op)
					mu.Lock()
					defer mu.Unlock()
					var ice *InsufficientCreditsError
					switch {
					case err == nil:
						successes++
					case errors.As(err, &ice):
						insufficient++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, k, successes)
			assert.Equal(t, 5, insufficient)

			bal, err := ledger.Balance(context.Background(), "u1")
			require.NoError(t, err)
			assert.Zero(t, bal.Remaining)

			usage, err := ledger.Usage(context.Background(), "u1", 0)
			require.NoError(t, err)
			assert.Len(t, usage, k)
		})
	}
}

func TestMemoryLedger_GrantIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()

	grant := Grant{UserID: "u1", Amount: 25, Reason: ReasonTopUp, IdempotencyKey: "checkout:cs_1"}

	bal, applied, err := ledger.Grant(ctx, grant)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(25), bal.Remaining)

	bal, applied, err = ledger.Grant(ctx, grant)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(25), bal.Remaining)
}

func TestMemoryLedger_GrantResetVsTopUp(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	_, _, err := ledger.Grant(ctx, Grant{UserID: "u1", Amount: 100, Reason: ReasonPeriodGrant, IdempotencyKey: "invoice:in_1", Reset: true, PeriodStart: &start, PeriodEnd: &end})
	require.NoError(t, err)

	_, err = ledger.Deduct(ctx, "u1", OperationImprovement)
	require.NoError(t, err)

	bal, _, err := ledger.Grant(ctx, Grant{UserID: "u1", Amount: 25, Reason: ReasonTopUp, IdempotencyKey: "checkout:cs_1"})
	require.NoError(t, err)
	assert.Equal(t, int64(122), bal.Remaining)
	assert.Equal(t, int64(125), bal.Granted)
	require.NotNil(t, bal.PeriodStart)
	assert.True(t, start.Equal(*bal.PeriodStart), "top-up keeps the period")

	bal, _, err = ledger.Grant(ctx, Grant{UserID: "u1", Amount: 100, Reason: ReasonPeriodGrant, IdempotencyKey: "invoice:in_2", Reset: true})
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Remaining)
	assert.Equal(t, int64(100), bal.Granted)
	require.NotNil(t, bal.PeriodEnd)
	assert.True(t, end.Equal(*bal.PeriodEnd), "nil period does not clear the stored one")
}

func TestMemoryLedger_GrantValidation(t *testing.T) {
	ledger := NewMemoryLedger()
	tests := []Grant{
		{Amount: 1, IdempotencyKey: "k"},
		{UserID: "u1", Amount: 1},
		{UserID: "u1", Amount: -1, IdempotencyKey: "k"},
	}
	for _, g := range tests {
		_, _, err := ledger.Grant(context.Background(), g)
		assert.Error(t, err)
	}
}

func TestMemoryLedger_UsageNewestFirst(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	seed(t, ledger, "u1", 10)

	for i := 0; i < 3; i++ {
		_, err := ledger.Deduct(ctx, "u1", OperationGeneration)
		require.NoError(t, err)
	}

	usage, err := ledger.Usage(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, int64(7), usage[0].BalanceAfter)
	assert.Equal(t, int64(8), usage[1].BalanceAfter)

	empty, err := ledger.Usage(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
