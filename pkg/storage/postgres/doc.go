// Package postgres provides the PostgreSQL connection manager, schema
// migrations, driver error classification and the redis client constructor
// shared by the billing store and the credit ledger.
package postgres
