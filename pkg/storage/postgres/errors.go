package postgres

import (
	"context"
	"database/sql/driver"
	"errors"

	"github.com/lib/pq"
)

// SQLSTATE codes the stores branch on
const (
	CodeUniqueViolation      = "23505"
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
	CodeLockNotAvailable     = "55P03"
	CodeQueryCanceled        = "57014"
	CodeCannotConnectNow     = "57P03"
)

// IsUniqueViolation reports whether err is a unique constraint violation
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == CodeUniqueViolation
}

// IsTransient reports whether a retry of the same statement could succeed:
// lock and statement timeouts, serialization failures, dropped connections and
// context deadlines
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case CodeSerializationFailure, CodeDeadlockDetected, CodeLockNotAvailable,
			CodeQueryCanceled, CodeCannotConnectNow:
			return true
		}
		return pqErr.Code.Class() == "08"
	}
	return false
}
