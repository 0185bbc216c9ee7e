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

const balanceColumns = `account_id, monthly_allowance_used, monthly_allowance_limit, allowance_reset_date,
		purchased_token_balance, credit_pack_balance, lifetime_purchased, lifetime_used, updated_at`

// LedgerService owns the balances table and the append-only ledger. Every change
// to a token or credit pool is paired with a ledger entry in the same transaction.
type LedgerService struct {
	db          *sql.DB
	audit       *telemetry.AuditLogger
	lockTimeout time.Duration
	now         func() time.Time
}

// DebitResult reports whether a debit was applied. A failed debit mutates nothing.
type DebitResult struct {
	Success      bool
	Entry        *models.LedgerEntry
	BalanceAfter int64
}

func NewLedgerService(db *sql.DB, audit *telemetry.AuditLogger, engine *config.EngineConfig) *LedgerService {
	return &LedgerService{
		db:          db,
		audit:       audit,
		lockTimeout: engine.LockTimeout,
		now:         time.Now,
	}
}

// Debit removes amount from pool in its own transaction.
func (s *LedgerService) Debit(ctx context.Context, accountID string, pool models.Pool, amount int64, kind models.EntryKind, description string) (DebitResult, error) {
	tx, err := beginTx(ctx, s.db, s.lockTimeout)
	if err != nil {
		return DebitResult{}, err
	}
	defer tx.Rollback()

	balance, err := s.LockBalance(ctx, tx, accountID)
	if err != nil {
		return DebitResult{}, err
	}

	result, err := s.DebitTx(ctx, tx, balance, pool, amount, kind, description)
	if err != nil {
		return DebitResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return DebitResult{}, classifyDBError(fmt.Errorf("commit debit: %w", err))
	}
	return result, nil
}

// Credit adds amount to pool in its own transaction.
func (s *LedgerService) Credit(ctx context.Context, accountID string, pool models.Pool, amount int64, kind models.EntryKind, description string) (*models.LedgerEntry, error) {
	tx, err := beginTx(ctx, s.db, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	balance, err := s.LockBalance(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}

	entry, err := s.CreditTx(ctx, tx, balance, pool, amount, kind, description)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyDBError(fmt.Errorf("commit credit: %w", err))
	}
	return entry, nil
}

// DebitTx debits a balance row already locked by the caller's transaction.
func (s *LedgerService) DebitTx(ctx context.Context, tx *sql.Tx, balance *models.Balance, pool models.Pool, amount int64, kind models.EntryKind, description string) (DebitResult, error) {
	if amount <= 0 {
		return DebitResult{}, ErrInvalidAmount
	}
	if err := checkPool(pool); err != nil {
		return DebitResult{}, err
	}

	current := balance.PoolBalance(pool)
	if amount > current {
		s.audit.LogDebitRejected(balance.AccountID, string(pool), amount, current)
		return DebitResult{Success: false, BalanceAfter: current}, nil
	}

	entry, err := s.mutatePool(ctx, tx, balance, pool, -amount, kind, description, amount, 0)
	if err != nil {
		return DebitResult{}, err
	}
	return DebitResult{Success: true, Entry: entry, BalanceAfter: entry.BalanceAfter}, nil
}

// CreditTx credits a balance row already locked by the caller's transaction.
// Token purchases also count toward lifetime_purchased.
func (s *LedgerService) CreditTx(ctx context.Context, tx *sql.Tx, balance *models.Balance, pool models.Pool, amount int64, kind models.EntryKind, description string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := checkPool(pool); err != nil {
		return nil, err
	}

	var purchased int64
	if kind == models.EntryTokenPurchase {
		purchased = amount
	}
	return s.mutatePool(ctx, tx, balance, pool, amount, kind, description, 0, purchased)
}

// zeroPoolTx empties pool and records the removed amount. It appends nothing
// when the pool is already empty.
func (s *LedgerService) zeroPoolTx(ctx context.Context, tx *sql.Tx, balance *models.Balance, pool models.Pool, kind models.EntryKind, description string) (*models.LedgerEntry, error) {
	if err := checkPool(pool); err != nil {
		return nil, err
	}
	current := balance.PoolBalance(pool)
	if current == 0 {
		return nil, nil
	}
	return s.mutatePool(ctx, tx, balance, pool, -current, kind, description, 0, 0)
}

func (s *LedgerService) mutatePool(ctx context.Context, tx *sql.Tx, balance *models.Balance, pool models.Pool, delta int64, kind models.EntryKind, description string, usedDelta, purchasedDelta int64) (*models.LedgerEntry, error) {
	newBalance := balance.PoolBalance(pool) + delta
	if newBalance < 0 {
		return nil, fmt.Errorf("%w: account %s pool %s", ErrNegativeBalance, balance.AccountID, pool)
	}

	now := s.now()
	var query string
	switch pool {
	case models.PoolPurchasedTokens:
		query = `
		UPDATE balances
		SET purchased_token_balance = $1, lifetime_used = lifetime_used + $2,
			lifetime_purchased = lifetime_purchased + $3, updated_at = $4
		WHERE account_id = $5`
	case models.PoolCreditPack:
		query = `
		UPDATE balances
		SET credit_pack_balance = $1, lifetime_used = lifetime_used + $2,
			lifetime_purchased = lifetime_purchased + $3, updated_at = $4
		WHERE account_id = $5`
	}

	if _, err := tx.ExecContext(ctx, query, newBalance, usedDelta, purchasedDelta, now, balance.AccountID); err != nil {
		return nil, classifyDBError(fmt.Errorf("update %s balance: %w", pool, err))
	}

	entry := &models.LedgerEntry{
		ID:           uuid.New().String(),
		AccountID:    balance.AccountID,
		Kind:         kind,
		Pool:         pool,
		Amount:       delta,
		BalanceAfter: newBalance,
		Description:  description,
		OccurredAt:   now,
	}
	if err := appendEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	balance.SetPoolBalance(pool, newBalance)
	balance.LifetimeUsed += usedDelta
	balance.LifetimePurchased += purchasedDelta
	balance.UpdatedAt = now

	s.audit.LogLedgerEntry(entry.AccountID, string(entry.Kind), string(entry.Pool), entry.Amount, entry.BalanceAfter)
	return entry, nil
}

// RecordTracked appends a tracking-only credit pack entry. The balance is not
// touched; balanceAfter is the unchanged credit pack balance.
func (s *LedgerService) RecordTracked(ctx context.Context, accountID string, units, balanceAfter int64) (*models.LedgerEntry, error) {
	if units <= 0 {
		return nil, ErrInvalidAmount
	}
	entry := &models.LedgerEntry{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		Kind:         models.EntryCreditUsageTrackedOnly,
		Pool:         models.PoolCreditPack,
		Amount:       -units,
		BalanceAfter: balanceAfter,
		Description:  "credit pack usage tracked, not billed",
		OccurredAt:   s.now(),
	}
	if err := appendEntry(ctx, s.db, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// LockBalance returns the account's balance row locked FOR UPDATE, creating it
// on first use.
func (s *LedgerService) LockBalance(ctx context.Context, tx *sql.Tx, accountID string) (*models.Balance, error) {
	if err := s.ensureBalanceTx(ctx, tx, accountID, 0); err != nil {
		return nil, err
	}
	return s.selectBalanceForUpdate(ctx, tx, accountID)
}

func (s *LedgerService) ensureBalanceTx(ctx context.Context, tx *sql.Tx, accountID string, allowanceLimit int64) error {
	now := s.now()
	resetDate := addMonthsClamped(dateOf(now), 1)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balances (account_id, monthly_allowance_limit, allowance_reset_date, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO NOTHING`,
		accountID, allowanceLimit, resetDate, now)
	if err != nil {
		return classifyDBError(fmt.Errorf("ensure balance: %w", err))
	}
	return nil
}

func (s *LedgerService) selectBalanceForUpdate(ctx context.Context, tx *sql.Tx, accountID string) (*models.Balance, error) {
	balance, err := scanBalance(tx.QueryRowContext(ctx, `
		SELECT `+balanceColumns+`
		FROM balances
		WHERE account_id = $1
		FOR UPDATE`, accountID))
	if err != nil {
		return nil, classifyDBError(fmt.Errorf("lock balance %s: %w", accountID, err))
	}
	return balance, nil
}

// GetBalance reads the balance without locking. A missing row yields a zero balance.
func (s *LedgerService) GetBalance(ctx context.Context, accountID string) (*models.Balance, error) {
	balance, err := scanBalance(s.db.QueryRowContext(ctx, `
		SELECT `+balanceColumns+`
		FROM balances
		WHERE account_id = $1`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return &models.Balance{AccountID: accountID}, nil
	}
	if err != nil {
		return nil, classifyDBError(fmt.Errorf("get balance %s: %w", accountID, err))
	}
	return balance, nil
}

// ListEntries returns the newest entries first.
func (s *LedgerService) ListEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, kind, pool, amount, balance_after, description, occurred_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, classifyDBError(fmt.Errorf("list entries: %w", err))
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Pool, &e.Amount, &e.BalanceAfter, &e.Description, &e.OccurredAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Snapshot is a balance rebuilt from ledger entries alone.
type Snapshot struct {
	PurchasedTokens int64
	CreditPack      int64
	AllowanceUses   int64
}

// ReconstructBalance replays entries into pool balances. Tracking-only entries
// never moved a balance and are skipped.
func ReconstructBalance(entries []models.LedgerEntry) Snapshot {
	var snap Snapshot
	for _, e := range entries {
		switch {
		case e.Kind == models.EntryCreditUsageTrackedOnly:
		case e.Pool == models.PoolPurchasedTokens:
			snap.PurchasedTokens += e.Amount
		case e.Pool == models.PoolCreditPack:
			snap.CreditPack += e.Amount
		case e.Pool == models.PoolAllowance:
			snap.AllowanceUses -= e.Amount
		}
	}
	return snap
}

func appendEntry(ctx context.Context, db execer, entry *models.LedgerEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, kind, pool, amount, balance_after, description, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.AccountID, string(entry.Kind), string(entry.Pool), entry.Amount, entry.BalanceAfter, entry.Description, entry.OccurredAt)
	if err != nil {
		return classifyDBError(fmt.Errorf("append ledger entry: %w", err))
	}
	return nil
}

func scanBalance(row *sql.Row) (*models.Balance, error) {
	var b models.Balance
	err := row.Scan(&b.AccountID, &b.MonthlyAllowanceUsed, &b.MonthlyAllowanceLimit, &b.AllowanceResetDate,
		&b.PurchasedTokenBalance, &b.CreditPackBalance, &b.LifetimePurchased, &b.LifetimeUsed, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func checkPool(pool models.Pool) error {
	if pool != models.PoolPurchasedTokens && pool != models.PoolCreditPack {
		return fmt.Errorf("%w: %q", ErrUnknownPool, pool)
	}
	return nil
}
