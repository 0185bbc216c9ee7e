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

// Decision is the outcome of a reservation.
type Decision string

const (
	DecisionAllowedSubscription Decision = "ALLOWED_SUBSCRIPTION"
	DecisionAllowedTokens       Decision = "ALLOWED_TOKENS"
	DecisionAllowedUnlimited    Decision = "ALLOWED_UNLIMITED"
	DecisionDenied              Decision = "DENIED"
)

// Denial reasons returned to the request gateway.
const (
	ReasonDailyLimit     = "daily-limit"
	ReasonQuotaExhausted = "quota-exhausted"
)

// Result is a typed reservation outcome. Capacity denials are results, not errors.
type Result struct {
	Decision   Decision            `json:"decision"`
	Reason     string              `json:"reason,omitempty"`
	Detail     string              `json:"detail,omitempty"`
	Pool       models.Pool         `json:"pool,omitempty"`
	Entry      *models.LedgerEntry `json:"entry,omitempty"`
	DailyCount int64               `json:"daily_count"`
}

// Allowed reports whether the caller may proceed.
func (r Result) Allowed() bool {
	return r.Decision != DecisionDenied
}

// Status is a read-only account snapshot.
type Status struct {
	AccountID          string                         `json:"account_id"`
	Tier               string                         `json:"tier"`
	SubscriptionStatus models.SubscriptionStatus      `json:"subscription_status"`
	PeriodEnd          time.Time                      `json:"period_end"`
	CancelAtPeriodEnd  bool                           `json:"cancel_at_period_end"`
	AllowanceUsed      int64                          `json:"allowance_used"`
	AllowanceLimit     int64                          `json:"allowance_limit"`
	AllowanceResetDate time.Time                      `json:"allowance_reset_date"`
	TokenBalance       int64                          `json:"token_balance"`
	CreditPackBalance  int64                          `json:"credit_pack_balance"`
	CreditPack         *models.CreditPackSubscription `json:"credit_pack,omitempty"`
	DailyUsage         int64                          `json:"daily_usage"`
}

// ReservationService combines the daily guard, the monthly allowance, purchased
// tokens and the credit pack into one decision per billable request.
type ReservationService struct {
	db          *sql.DB
	guard       *DailyGuard
	subs        *SubscriptionTracker
	ledger      *LedgerService
	credits     *CreditPackService
	audit       *telemetry.AuditLogger
	lockTimeout time.Duration
	retry       RetryPolicy
}

func NewReservationService(db *sql.DB, guard *DailyGuard, subs *SubscriptionTracker, ledger *LedgerService,
	credits *CreditPackService, audit *telemetry.AuditLogger, engine *config.EngineConfig) *ReservationService {
	return &ReservationService{
		db:          db,
		guard:       guard,
		subs:        subs,
		ledger:      ledger,
		credits:     credits,
		audit:       audit,
		lockTimeout: engine.LockTimeout,
		retry:       RetryPolicyFrom(engine),
	}
}

// CheckAndReserve decides whether accountID may spend units and commits the
// consequence. Transient errors are returned, never converted into a denial.
func (s *ReservationService) CheckAndReserve(ctx context.Context, accountID string, units int64, policy config.PolicyConfig) (Result, error) {
	guard, denied, err := s.checkGuard(ctx, accountID, units, policy)
	if err != nil || denied != nil {
		return derefResult(denied), err
	}
	return s.reserve(ctx, accountID, units, policy, guard.Count)
}

// ReserveWithRetry is CheckAndReserve with exponential backoff on transient
// errors. The daily guard is counted once; only the transaction is retried.
func (s *ReservationService) ReserveWithRetry(ctx context.Context, accountID string, units int64, policy config.PolicyConfig) (Result, error) {
	guard, denied, err := s.checkGuard(ctx, accountID, units, policy)
	if err != nil || denied != nil {
		return derefResult(denied), err
	}
	return retryTransient(ctx, s.retry, "reservation", func() (Result, error) {
		return s.reserve(ctx, accountID, units, policy, guard.Count)
	})
}

func (s *ReservationService) checkGuard(ctx context.Context, accountID string, units int64, policy config.PolicyConfig) (GuardResult, *Result, error) {
	if units <= 0 {
		return GuardResult{}, nil, s.fail(accountID, ErrInvalidAmount)
	}
	if err := policy.Validate(); err != nil {
		return GuardResult{}, nil, s.fail(accountID, fmt.Errorf("%w: %w", ErrInvalidPolicy, err))
	}

	guard, err := s.guard.IncrementAndCheck(ctx, accountID, policy)
	if err != nil {
		return GuardResult{}, nil, s.fail(accountID, err)
	}
	if guard.HardExceeded {
		result := Result{Decision: DecisionDenied, Reason: ReasonDailyLimit, DailyCount: guard.Count}
		s.audit.LogReservation(accountID, units, string(result.Decision), result.Reason, "")
		return guard, &result, nil
	}
	return guard, nil, nil
}

func (s *ReservationService) reserve(ctx context.Context, accountID string, units int64, policy config.PolicyConfig, dailyCount int64) (Result, error) {
	if policy.BypassAllEnforcement {
		result := Result{Decision: DecisionAllowedUnlimited, Detail: "enforcement-bypassed", DailyCount: dailyCount}
		s.audit.LogReservation(accountID, units, string(result.Decision), "", "")
		return result, nil
	}

	result, balance, err := s.reserveTx(ctx, accountID, units, policy)
	if err != nil {
		return Result{}, s.fail(accountID, err)
	}
	result.DailyCount = dailyCount

	if result.Allowed() && result.Pool != models.PoolCreditPack {
		s.credits.TrackUsage(ctx, accountID, units, balance.CreditPackBalance)
	}

	s.audit.LogReservation(accountID, units, string(result.Decision), result.Reason, string(result.Pool))
	return result, nil
}

// reserveTx runs the allowance, token and credit pack chain under the
// subscription and balance row locks, in that order.
func (s *ReservationService) reserveTx(ctx context.Context, accountID string, units int64, policy config.PolicyConfig) (Result, *models.Balance, error) {
	tx, err := beginTx(ctx, s.db, s.lockTimeout)
	if err != nil {
		return Result{}, nil, err
	}
	defer tx.Rollback()

	sub, err := s.subs.LockSubscription(ctx, tx, accountID)
	if err != nil {
		return Result{}, nil, err
	}
	balance, err := s.ledger.LockBalance(ctx, tx, accountID)
	if err != nil {
		return Result{}, nil, err
	}
	if _, err := s.subs.ResetIfDueTx(ctx, tx, sub, balance, s.subs.Today()); err != nil {
		return Result{}, nil, err
	}

	var result Result
	switch {
	case sub.Unlimited():
		entry, err := s.subs.IncrementAllowanceTx(ctx, tx, balance, "unlimited tier usage")
		if err != nil {
			return Result{}, nil, err
		}
		result = Result{Decision: DecisionAllowedUnlimited, Pool: models.PoolAllowance, Entry: entry}

	case HasQuota(sub, balance):
		entry, err := s.subs.IncrementAllowanceTx(ctx, tx, balance, "monthly allowance usage")
		if err != nil {
			return Result{}, nil, err
		}
		result = Result{Decision: DecisionAllowedSubscription, Pool: models.PoolAllowance, Entry: entry}

	default:
		result, err = s.debitOverflowTx(ctx, tx, balance, units, policy)
		if err != nil {
			return Result{}, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, nil, classifyDBError(fmt.Errorf("commit reservation: %w", err))
	}
	return result, balance, nil
}

// debitOverflowTx is reached once the monthly allowance is exhausted.
func (s *ReservationService) debitOverflowTx(ctx context.Context, tx *sql.Tx, balance *models.Balance, units int64, policy config.PolicyConfig) (Result, error) {
	debit, err := s.ledger.DebitTx(ctx, tx, balance, models.PoolPurchasedTokens, units, models.EntryTokenUsage, "usage beyond monthly allowance")
	if err != nil {
		return Result{}, err
	}
	if debit.Success {
		return Result{Decision: DecisionAllowedTokens, Pool: models.PoolPurchasedTokens, Entry: debit.Entry}, nil
	}

	if policy.CreditPackEnforcementEnabled {
		debit, err = s.ledger.DebitTx(ctx, tx, balance, models.PoolCreditPack, units, models.EntryCreditUsage, "usage covered by credit pack")
		if err != nil {
			return Result{}, err
		}
		if debit.Success {
			return Result{Decision: DecisionAllowedTokens, Pool: models.PoolCreditPack, Entry: debit.Entry}, nil
		}
	}

	return Result{Decision: DecisionDenied, Reason: ReasonQuotaExhausted}, nil
}

// GetStatus reads the account without locks or writes. An allowance whose reset
// date has passed is reported as already reset.
func (s *ReservationService) GetStatus(ctx context.Context, accountID string) (*Status, error) {
	sub, err := s.subs.GetSubscription(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	balance, err := s.ledger.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	pack, err := s.credits.GetSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}

	view := *balance
	ResetIfDue(&view, s.subs.Today())

	status := &Status{
		AccountID:          accountID,
		Tier:               sub.Tier,
		SubscriptionStatus: sub.Status,
		PeriodEnd:          sub.PeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		AllowanceUsed:      view.MonthlyAllowanceUsed,
		AllowanceLimit:     sub.TierLimit,
		AllowanceResetDate: view.AllowanceResetDate,
		TokenBalance:       balance.PurchasedTokenBalance,
		CreditPackBalance:  balance.CreditPackBalance,
		CreditPack:         pack,
	}

	daily, err := s.guard.Peek(ctx, accountID)
	if err != nil {
		log.Printf("[STATUS] Daily usage unavailable for %s: %v", telemetry.MaskEmails(accountID), err)
	}
	status.DailyUsage = daily
	return status, nil
}

func (s *ReservationService) fail(accountID string, err error) error {
	s.audit.LogReservationError(accountID, ErrorCode(err), err)
	return err
}

func derefResult(r *Result) Result {
	if r == nil {
		return Result{}
	}
	return *r
}
