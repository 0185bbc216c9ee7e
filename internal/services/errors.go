package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

// Consistency errors: data or programming faults, surfaced with code "system".
var (
	ErrSubscriptionNotFound = errors.New("subscription state not found")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrNegativeBalance      = errors.New("balance would become negative")
	ErrUnknownPool          = errors.New("unknown ledger pool")
	ErrInvalidPolicy        = errors.New("invalid policy config")
	ErrInvalidEvent         = errors.New("invalid external event")
	ErrInvalidPayload       = errors.New("invalid event payload")
	ErrInvalidAccount       = errors.New("invalid account id")
)

// Transient infrastructure errors: the caller retries with backoff.
var (
	ErrLockTimeout      = errors.New("lock acquisition timed out")
	ErrStoreUnavailable = errors.New("datastore unavailable")
	ErrGuardUnavailable = errors.New("daily guard store unavailable")
)

const (
	CodeSystem    = "system"
	CodeTransient = "transient"
)

// Postgres SQLSTATE codes the engine reacts to.
const (
	pqUniqueViolation      = "23505"
	pqLockNotAvailable     = "55P03"
	pqDeadlockDetected     = "40P01"
	pqSerializationFailure = "40001"
	pqQueryCanceled        = "57014"
	pqAdminShutdown        = "57P01"
	pqCannotConnectNow     = "57P03"
)

// IsTransient reports whether err should be retried by the caller.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrGuardUnavailable)
}

// ErrorCode maps an engine error to the code returned to the request layer.
func ErrorCode(err error) string {
	if IsTransient(err) {
		return CodeTransient
	}
	return CodeSystem
}

// classifyDBError tags lock timeouts and connectivity failures as transient.
// Anything else is returned unchanged.
func classifyDBError(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqLockNotAvailable, pqDeadlockDetected, pqSerializationFailure, pqQueryCanceled:
			return fmt.Errorf("%w: %w", ErrLockTimeout, err)
		case pqAdminShutdown, pqCannotConnectNow:
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrLockTimeout, err)
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}
