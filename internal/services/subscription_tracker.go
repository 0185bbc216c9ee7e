package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meterline/backend/internal/config"
	"github.com/meterline/backend/internal/models"
	"github.com/meterline/backend/internal/telemetry"
)

const subscriptionColumns = `account_id, tier, tier_limit, status, period_start, period_end, cancel_at_period_end, updated_at`

// SubscriptionTracker owns the monthly allowance counter and the subscription_states table.
type SubscriptionTracker struct {
	audit *telemetry.AuditLogger
	loc   *time.Location
	now   func() time.Time
}

func NewSubscriptionTracker(audit *telemetry.AuditLogger, engine *config.EngineConfig) *SubscriptionTracker {
	loc := engine.Location
	if loc == nil {
		loc = time.UTC
	}
	return &SubscriptionTracker{audit: audit, loc: loc, now: time.Now}
}

// Today is the current calendar date in the engine's location.
func (t *SubscriptionTracker) Today() time.Time {
	return dateOf(t.now().In(t.loc))
}

// HasQuota is a pure read. A zero tier limit is unlimited.
func HasQuota(sub *models.SubscriptionState, balance *models.Balance) bool {
	if sub.Unlimited() {
		return true
	}
	return balance.MonthlyAllowanceUsed < sub.TierLimit
}

// ResetIfDue zeroes the allowance and advances the reset date once the stored
// reset date has been reached. It reports whether the snapshot changed. Calling
// it again within the same period is a no-op.
func ResetIfDue(balance *models.Balance, today time.Time) bool {
	today = dateOf(today)
	if !balance.AllowanceResetDate.IsZero() && today.Before(dateOf(balance.AllowanceResetDate)) {
		return false
	}
	balance.MonthlyAllowanceUsed = 0
	balance.AllowanceResetDate = NextResetDate(balance.AllowanceResetDate, today)
	return true
}

// NextResetDate advances from by whole calendar months until the result is after
// today. A zero from counts from today.
func NextResetDate(from, today time.Time) time.Time {
	today = dateOf(today)
	if from.IsZero() {
		return addMonthsClamped(today, 1)
	}
	from = dateOf(from)
	next := from
	for months := 1; !next.After(today); months++ {
		next = addMonthsClamped(from, months)
	}
	return next
}

// addMonthsClamped keeps the day of month, clamped to the last day of the
// target month (Jan 31 + 1 month = Feb 28/29).
func addMonthsClamped(d time.Time, months int) time.Time {
	y, m, day := d.Date()
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

// LockSubscription locks the account's subscription row. It is always taken
// before the balance row.
func (t *SubscriptionTracker) LockSubscription(ctx context.Context, tx *sql.Tx, accountID string) (*models.SubscriptionState, error) {
	sub, err := scanSubscription(tx.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscription_states
		WHERE account_id = $1
		FOR UPDATE`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", ErrSubscriptionNotFound, accountID)
	}
	if err != nil {
		return nil, classifyDBError(fmt.Errorf("lock subscription %s: %w", accountID, err))
	}
	return sub, nil
}

// GetSubscription reads without locking.
func (t *SubscriptionTracker) GetSubscription(ctx context.Context, db querier, accountID string) (*models.SubscriptionState, error) {
	sub, err := scanSubscription(db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscription_states
		WHERE account_id = $1`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", ErrSubscriptionNotFound, accountID)
	}
	if err != nil {
		return nil, classifyDBError(fmt.Errorf("get subscription %s: %w", accountID, err))
	}
	return sub, nil
}

// SaveTx writes every subscription field by value.
func (t *SubscriptionTracker) SaveTx(ctx context.Context, tx *sql.Tx, sub *models.SubscriptionState) error {
	sub.UpdatedAt = t.now()
	_, err := tx.ExecContext(ctx, `
		UPDATE subscription_states
		SET tier = $1, tier_limit = $2, status = $3, period_start = $4, period_end = $5,
			cancel_at_period_end = $6, updated_at = $7
		WHERE account_id = $8`,
		sub.Tier, sub.TierLimit, string(sub.Status), sub.PeriodStart, sub.PeriodEnd,
		sub.CancelAtPeriodEnd, sub.UpdatedAt, sub.AccountID)
	if err != nil {
		return classifyDBError(fmt.Errorf("save subscription %s: %w", sub.AccountID, err))
	}
	t.audit.LogSubscriptionChange(sub.AccountID, sub.Tier, string(sub.Status), sub.TierLimit)
	return nil
}

// SaveAllowanceTx persists the allowance fields of a locked balance snapshot.
func (t *SubscriptionTracker) SaveAllowanceTx(ctx context.Context, tx *sql.Tx, balance *models.Balance) error {
	balance.UpdatedAt = t.now()
	_, err := tx.ExecContext(ctx, `
		UPDATE balances
		SET monthly_allowance_used = $1, monthly_allowance_limit = $2, allowance_reset_date = $3, updated_at = $4
		WHERE account_id = $5`,
		balance.MonthlyAllowanceUsed, balance.MonthlyAllowanceLimit, balance.AllowanceResetDate, balance.UpdatedAt, balance.AccountID)
	if err != nil {
		return classifyDBError(fmt.Errorf("save allowance %s: %w", balance.AccountID, err))
	}
	return nil
}

// ResetIfDueTx applies ResetIfDue to a balance locked by tx and persists it.
// The caller must hold the subscription lock so a reset can never race an increment.
func (t *SubscriptionTracker) ResetIfDueTx(ctx context.Context, tx *sql.Tx, sub *models.SubscriptionState, balance *models.Balance, today time.Time) (bool, error) {
	previous := balance.MonthlyAllowanceUsed
	limitChanged := balance.MonthlyAllowanceLimit != sub.TierLimit
	balance.MonthlyAllowanceLimit = sub.TierLimit

	reset := ResetIfDue(balance, today)
	if !reset && !limitChanged {
		return false, nil
	}
	if err := t.SaveAllowanceTx(ctx, tx, balance); err != nil {
		return false, err
	}
	if reset {
		t.audit.LogAllowanceReset(balance.AccountID, previous, balance.AllowanceResetDate)
	}
	return reset, nil
}

// IncrementAllowanceTx counts one use against the monthly allowance and records
// it in the ledger. Allowance uses do not count toward lifetime_used, which
// tracks paid inventory.
func (t *SubscriptionTracker) IncrementAllowanceTx(ctx context.Context, tx *sql.Tx, balance *models.Balance, description string) (*models.LedgerEntry, error) {
	now := t.now()
	var used int64
	err := tx.QueryRowContext(ctx, `
		UPDATE balances
		SET monthly_allowance_used = monthly_allowance_used + 1, updated_at = $1
		WHERE account_id = $2
		RETURNING monthly_allowance_used`, now, balance.AccountID).Scan(&used)
	if err != nil {
		return nil, classifyDBError(fmt.Errorf("increment allowance %s: %w", balance.AccountID, err))
	}
	balance.MonthlyAllowanceUsed = used
	balance.UpdatedAt = now

	entry := &models.LedgerEntry{
		ID:           uuid.New().String(),
		AccountID:    balance.AccountID,
		Kind:         models.EntryAllowanceUse,
		Pool:         models.PoolAllowance,
		Amount:       -1,
		BalanceAfter: used,
		Description:  description,
		OccurredAt:   now,
	}
	if err := appendEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	t.audit.LogLedgerEntry(entry.AccountID, string(entry.Kind), string(entry.Pool), entry.Amount, entry.BalanceAfter)
	return entry, nil
}

func scanSubscription(row *sql.Row) (*models.SubscriptionState, error) {
	var s models.SubscriptionState
	var periodStart, periodEnd sql.NullTime
	err := row.Scan(&s.AccountID, &s.Tier, &s.TierLimit, &s.Status, &periodStart, &periodEnd, &s.CancelAtPeriodEnd, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.PeriodStart = periodStart.Time
	s.PeriodEnd = periodEnd.Time
	return &s, nil
}
