// Package credits implements the credit ledger that gates metered features.
//
// Deduct is a single atomic check-and-decrement: PostgresLedger holds a row
// lock on the balance for the duration of the transaction and MemoryLedger
// serializes writers behind a mutex. Two concurrent deductions can therefore
// never both observe the same remaining balance.
//
// Grants are keyed by an idempotency key (invoice id, checkout session id) so
// replayed provider events credit a user exactly once.
package credits
