package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/meterline/backend/internal/config"
	"github.com/meterline/backend/internal/models"
	"github.com/meterline/backend/internal/telemetry"
)

// AccountService creates the billing rows for a new account. Account creation
// calls Initialize directly and sees any failure.
type AccountService struct {
	db          *sql.DB
	subs        *SubscriptionTracker
	ledger      *LedgerService
	catalog     *config.Catalog
	audit       *telemetry.AuditLogger
	lockTimeout time.Duration
}

func NewAccountService(db *sql.DB, subs *SubscriptionTracker, ledger *LedgerService, catalog *config.Catalog,
	audit *telemetry.AuditLogger, engine *config.EngineConfig) *AccountService {
	return &AccountService{
		db:          db,
		subs:        subs,
		ledger:      ledger,
		catalog:     catalog,
		audit:       audit,
		lockTimeout: engine.LockTimeout,
	}
}

// Initialize puts the account on the free tier with a fresh allowance. Calling
// it again returns the existing rows unchanged.
func (s *AccountService) Initialize(ctx context.Context, accountID string) (*models.SubscriptionState, *models.Balance, error) {
	if accountID == "" {
		return nil, nil, ErrInvalidAccount
	}

	tx, err := beginTx(ctx, s.db, s.lockTimeout)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	today := s.subs.Today()
	periodEnd := addMonthsClamped(today, 1)
	limit := s.catalog.FreeTierLimit()
	now := s.subs.now()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO subscription_states (account_id, tier, tier_limit, status, period_start, period_end, cancel_at_period_end, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, $7)
		ON CONFLICT (account_id) DO NOTHING`,
		accountID, s.catalog.FreeTier, limit, string(models.SubscriptionActive), today, periodEnd, now)
	if err != nil {
		return nil, nil, classifyDBError(fmt.Errorf("create subscription %s: %w", accountID, err))
	}
	created, _ := res.RowsAffected()

	if err := s.ledger.ensureBalanceTx(ctx, tx, accountID, limit); err != nil {
		return nil, nil, err
	}

	sub, err := s.subs.LockSubscription(ctx, tx, accountID)
	if err != nil {
		return nil, nil, err
	}
	balance, err := s.ledger.selectBalanceForUpdate(ctx, tx, accountID)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, classifyDBError(fmt.Errorf("commit account init: %w", err))
	}

	if created > 0 {
		log.Printf("[ACCOUNTS] Initialized billing for %s on tier %s", telemetry.MaskEmails(accountID), sub.Tier)
		s.audit.LogSubscriptionChange(accountID, sub.Tier, string(sub.Status), sub.TierLimit)
	}
	return sub, balance, nil
}
