package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// schemaStatements create the billing tables. Each statement is idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS subscription_states (
		account_id TEXT PRIMARY KEY,
		tier TEXT NOT NULL,
		tier_limit BIGINT NOT NULL DEFAULT 0 CHECK (tier_limit >= 0),
		status TEXT NOT NULL,
		period_start TIMESTAMPTZ NOT NULL,
		period_end TIMESTAMPTZ NOT NULL,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT false,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS balances (
		account_id TEXT PRIMARY KEY,
		monthly_allowance_used BIGINT NOT NULL DEFAULT 0 CHECK (monthly_allowance_used >= 0),
		monthly_allowance_limit BIGINT NOT NULL DEFAULT 0 CHECK (monthly_allowance_limit >= 0),
		allowance_reset_date DATE NOT NULL,
		purchased_token_balance BIGINT NOT NULL DEFAULT 0 CHECK (purchased_token_balance >= 0),
		credit_pack_balance BIGINT NOT NULL DEFAULT 0 CHECK (credit_pack_balance >= 0),
		lifetime_purchased BIGINT NOT NULL DEFAULT 0 CHECK (lifetime_purchased >= 0),
		lifetime_used BIGINT NOT NULL DEFAULT 0 CHECK (lifetime_used >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS balances_reset_date_idx ON balances (allowance_reset_date)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id UUID PRIMARY KEY,
		account_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		pool TEXT NOT NULL,
		amount BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_entries_account_idx ON ledger_entries (account_id, occurred_at)`,
	`CREATE TABLE IF NOT EXISTS credit_pack_subscriptions (
		account_id TEXT PRIMARY KEY,
		pack_id TEXT NOT NULL,
		status TEXT NOT NULL,
		granted_this_period BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS external_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}',
		processed BOOLEAN NOT NULL DEFAULT false,
		attempts INTEGER NOT NULL DEFAULT 0,
		processing_started_at TIMESTAMPTZ,
		processing_completed_at TIMESTAMPTZ,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS external_events_pending_idx ON external_events (processed, processing_started_at)`,
	`CREATE TABLE IF NOT EXISTS daily_usage (
		account_id TEXT NOT NULL,
		day DATE NOT NULL,
		count BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (account_id, day)
	)`,
}

// EnsureSchema creates the required tables if they don't exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	log.Println("Database schema is up to date")
	return nil
}
