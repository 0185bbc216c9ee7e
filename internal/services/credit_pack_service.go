package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meterline/backend/internal/models"
	"github.com/meterline/backend/internal/telemetry"
)

// CreditPackService manages the optional add-on credit pool. Grants are only
// reached through the external event fence, so a period is never granted twice.
type CreditPackService struct {
	db     *sql.DB
	ledger *LedgerService
	audit  *telemetry.AuditLogger
	now    func() time.Time
}

func NewCreditPackService(db *sql.DB, ledger *LedgerService, audit *telemetry.AuditLogger) *CreditPackService {
	return &CreditPackService{db: db, ledger: ledger, audit: audit, now: time.Now}
}

// GrantMonthlyTx activates the pack subscription and credits one period of
// credits. The pack row is written before the balance is locked.
func (s *CreditPackService) GrantMonthlyTx(ctx context.Context, tx *sql.Tx, accountID, packID string, credits int64) (*models.LedgerEntry, error) {
	if credits <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := s.upsertSubscriptionTx(ctx, tx, accountID, packID, models.CreditPackActive, credits); err != nil {
		return nil, err
	}

	balance, err := s.ledger.LockBalance(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	return s.ledger.CreditTx(ctx, tx, balance, models.PoolCreditPack, credits, models.EntryCreditGrant,
		fmt.Sprintf("monthly credit grant for %s", packID))
}

// ForfeitTx zeroes the credit pack balance. Nothing is appended when the
// balance is already zero.
func (s *CreditPackService) ForfeitTx(ctx context.Context, tx *sql.Tx, accountID string) (*models.LedgerEntry, error) {
	balance, err := s.ledger.LockBalance(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	return s.ForfeitLockedTx(ctx, tx, balance)
}

// ForfeitLockedTx forfeits on a balance row already locked by tx.
func (s *CreditPackService) ForfeitLockedTx(ctx context.Context, tx *sql.Tx, balance *models.Balance) (*models.LedgerEntry, error) {
	return s.ledger.zeroPoolTx(ctx, tx, balance, models.PoolCreditPack, models.EntryCreditForfeit, "credit pack canceled, remaining credits forfeited")
}

// CancelSubscriptionTx marks the pack canceled. A missing row is not an error.
func (s *CreditPackService) CancelSubscriptionTx(ctx context.Context, tx *sql.Tx, accountID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE credit_pack_subscriptions
		SET status = $1, updated_at = $2
		WHERE account_id = $3`,
		string(models.CreditPackCanceled), s.now(), accountID)
	if err != nil {
		return classifyDBError(fmt.Errorf("cancel credit pack %s: %w", accountID, err))
	}
	return nil
}

// SetSubscriptionTx records the pack and its status by value without granting.
func (s *CreditPackService) SetSubscriptionTx(ctx context.Context, tx *sql.Tx, accountID, packID string, status models.CreditPackStatus) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_pack_subscriptions (account_id, pack_id, status, granted_this_period, updated_at)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (account_id) DO UPDATE
		SET pack_id = EXCLUDED.pack_id, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		accountID, packID, string(status), s.now())
	if err != nil {
		return classifyDBError(fmt.Errorf("set credit pack %s: %w", accountID, err))
	}
	return nil
}

func (s *CreditPackService) upsertSubscriptionTx(ctx context.Context, tx *sql.Tx, accountID, packID string, status models.CreditPackStatus, granted int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_pack_subscriptions (account_id, pack_id, status, granted_this_period, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO UPDATE
		SET pack_id = EXCLUDED.pack_id, status = EXCLUDED.status,
			granted_this_period = EXCLUDED.granted_this_period, updated_at = EXCLUDED.updated_at`,
		accountID, packID, string(status), granted, s.now())
	if err != nil {
		return classifyDBError(fmt.Errorf("upsert credit pack %s: %w", accountID, err))
	}
	return nil
}

// TrackUsage appends a tracking-only entry for usage that would be billed to
// the credit pack under enforcement. Failures are logged and counted, never
// returned.
func (s *CreditPackService) TrackUsage(ctx context.Context, accountID string, units, creditPackBalance int64) {
	if _, err := s.ledger.RecordTracked(ctx, accountID, units, creditPackBalance); err != nil {
		s.audit.LogTrackingFailure(accountID, units, err)
	}
}

// GetSubscription returns nil when the account has no credit pack.
func (s *CreditPackService) GetSubscription(ctx context.Context, accountID string) (*models.CreditPackSubscription, error) {
	var sub models.CreditPackSubscription
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, pack_id, status, granted_this_period, updated_at
		FROM credit_pack_subscriptions
		WHERE account_id = $1`, accountID).
		Scan(&sub.AccountID, &sub.PackID, &sub.Status, &sub.GrantedThisPeriod, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyDBError(fmt.Errorf("get credit pack %s: %w", accountID, err))
	}
	return &sub, nil
}
