package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// beginTx opens a transaction whose row locks give up after lockTimeout, so a
// blocked caller sees ErrLockTimeout instead of waiting indefinitely.
func beginTx(ctx context.Context, db *sql.DB, lockTimeout time.Duration) (*sql.Tx, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyDBError(fmt.Errorf("begin transaction: %w", err))
	}

	if lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return nil, classifyDBError(fmt.Errorf("set lock timeout: %w", err))
		}
	}
	return tx, nil
}

// dateOf truncates t to its calendar date in t's own location, expressed in UTC.
func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
