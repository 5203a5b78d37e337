package credits

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logoforge/logoforge/pkg/storage/postgres"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockLedger(t *testing.T) (*PostgresLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger := NewPostgresLedger(postgres.NewConnectionManagerFromDB(db))
	ledger.now = func() time.Time { return fixedNow }
	return ledger, mock
}

func TestPostgresLedger_Deduct(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockBalanceQuery)).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"remaining"}).AddRow(5))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE credit_balances SET remaining")).
		WithArgs("u1", int64(2), fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO usage_records").
		WithArgs(sqlmock.AnyArg(), "u1", int64(3), "improvement", int64(2), fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	record, err := ledger.Deduct(context.Background(), "u1", OperationImprovement)
	require.NoError(t, err)
	assert.Equal(t, int64(2), record.BalanceAfter)
	assert.Equal(t, OperationImprovement, record.Operation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_DeductInsufficient(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockBalanceQuery)).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"remaining"}).AddRow(2))
	mock.ExpectRollback()

	_, err := ledger.Deduct(context.Background(), "u1", OperationImprovement)

	var insufficient *InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(2), insufficient.Remaining)
	assert.Equal(t, int64(3), insufficient.Required)
	assert.NoError(t, mock.ExpectationsWereMet(), "no update or insert on shortfall")
}

func TestPostgresLedger_DeductMissingBalance(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockBalanceQuery)).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"remaining"}))
	mock.ExpectRollback()

	_, err := ledger.Deduct(context.Background(), "u1", OperationGeneration)

	var insufficient *InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Zero(t, insufficient.Remaining)
}

func TestPostgresLedger_DeductRollsBackOnInsertFailure(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockBalanceQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"remaining"}).AddRow(5))
	mock.ExpectExec("UPDATE credit_balances").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO usage_records").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := ledger.Deduct(context.Background(), "u1", OperationGeneration)
	assert.ErrorContains(t, err, "insert usage")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_DeductUnknownOperationTouchesNothing(t *testing.T) {
	ledger, mock := newMockLedger(t)

	_, err := ledger.Deduct(context.Background(), "u1", Operation("x"))
	assert.ErrorIs(t, err, ErrUnknownOperation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_GrantReset(t *testing.T) {
	ledger, mock := newMockLedger(t)
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO credit_grants").
		WithArgs("invoice:in_1", "u1", int64(100), "period_grant", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO credit_balances").
		WithArgs("u1", int64(100), sqlmock.AnyArg(), sqlmock.AnyArg(), fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"remaining", "granted", "period_start", "period_end", "updated_at"}).
			AddRow(100, 100, start, end, fixedNow))
	mock.ExpectCommit()

	bal, applied, err := ledger.Grant(context.Background(), Grant{
		UserID: "u1", Amount: 100, Reason: ReasonPeriodGrant, IdempotencyKey: "invoice:in_1",
		Reset: true, PeriodStart: &start, PeriodEnd: &end,
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(100), bal.Remaining)
	require.NotNil(t, bal.PeriodEnd)
	assert.True(t, end.Equal(*bal.PeriodEnd))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_GrantDuplicate(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO credit_grants").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT remaining, granted").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"remaining", "granted", "period_start", "period_end", "updated_at"}).
			AddRow(40, 125, nil, nil, fixedNow))

	bal, applied, err := ledger.Grant(context.Background(), Grant{
		UserID: "u1", Amount: 25, Reason: ReasonTopUp, IdempotencyKey: "checkout:cs_1",
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(40), bal.Remaining)
	assert.Nil(t, bal.PeriodStart)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_BalanceMissing(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectQuery("SELECT remaining, granted").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"remaining", "granted", "period_start", "period_end", "updated_at"}))

	bal, err := ledger.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", bal.UserID)
	assert.Zero(t, bal.Remaining)
}

func TestPostgresLedger_Usage(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectQuery("SELECT id, user_id, amount, operation, balance_after, created_at").
		WithArgs("u1", 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "amount", "operation", "balance_after", "created_at"}).
			AddRow("b", "u1", 3, "improvement", 6, fixedNow).
			AddRow("a", "u1", 1, "generation", 9, fixedNow.Add(-time.Minute)))

	records, err := ledger.Usage(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, OperationImprovement, records[0].Operation)
	assert.Equal(t, int64(9), records[1].BalanceAfter)
}
