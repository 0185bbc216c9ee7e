package services

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/meterline/backend/internal/config"
	"github.com/meterline/backend/internal/models"
	"github.com/meterline/backend/internal/telemetry"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockGuardStore struct {
	mock.Mock
}

func (m *MockGuardStore) Increment(ctx context.Context, accountID string, day, expireAt time.Time) (int64, error) {
	args := m.Called(accountID, day, expireAt)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockGuardStore) Count(ctx context.Context, accountID string, day time.Time) (int64, error) {
	args := m.Called(accountID, day)
	return args.Get(0).(int64), args.Error(1)
}

var fixedNow = time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

var (
	subscriptionCols = []string{"account_id", "tier", "tier_limit", "status", "period_start", "period_end", "cancel_at_period_end", "updated_at"}
	balanceCols      = []string{"account_id", "monthly_allowance_used", "monthly_allowance_limit", "allowance_reset_date",
		"purchased_token_balance", "credit_pack_balance", "lifetime_purchased", "lifetime_used", "updated_at"}
)

// harness wires the services against one sqlmock connection with a fixed clock.
type harness struct {
	db      *sql.DB
	mock    sqlmock.Sqlmock
	audit   *telemetry.AuditLogger
	engine  *config.EngineConfig
	catalog *config.Catalog
	ledger  *LedgerService
	subs    *SubscriptionTracker
	credits *CreditPackService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	audit := telemetry.NewAuditLoggerWithOutput(io.Discard, nil)
	engine := config.DefaultEngineConfig()

	ledger := NewLedgerService(db, audit, engine)
	ledger.now = fixedClock
	subs := NewSubscriptionTracker(audit, engine)
	subs.now = fixedClock
	credits := NewCreditPackService(db, ledger, audit)
	credits.now = fixedClock

	return &harness{
		db:      db,
		mock:    mock,
		audit:   audit,
		engine:  engine,
		catalog: config.DefaultCatalog(),
		ledger:  ledger,
		subs:    subs,
		credits: credits,
	}
}

func (h *harness) expectBegin() {
	h.mock.ExpectBegin()
	h.mock.ExpectExec("SET LOCAL lock_timeout = '500ms'").WillReturnResult(sqlmock.NewResult(0, 0))
}

func (h *harness) expectLockSubscription(sub *models.SubscriptionState) {
	h.mock.ExpectQuery("FROM subscription_states WHERE account_id = \\$1 FOR UPDATE").
		WithArgs(sub.AccountID).
		WillReturnRows(sqlmock.NewRows(subscriptionCols).AddRow(
			sub.AccountID, sub.Tier, sub.TierLimit, string(sub.Status), sub.PeriodStart, sub.PeriodEnd, sub.CancelAtPeriodEnd, fixedNow))
}

func (h *harness) expectLockBalance(b *models.Balance) {
	h.mock.ExpectExec("INSERT INTO balances").
		WithArgs(b.AccountID, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	h.expectSelectBalance(b)
}

func (h *harness) expectSelectBalance(b *models.Balance) {
	h.mock.ExpectQuery("FROM balances WHERE account_id = \\$1 FOR UPDATE").
		WithArgs(b.AccountID).
		WillReturnRows(balanceRow(b))
}

func (h *harness) expectEntry(accountID string, kind models.EntryKind, pool models.Pool, amount, balanceAfter int64) {
	h.mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(sqlmock.AnyArg(), accountID, string(kind), string(pool), amount, balanceAfter, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func balanceRow(b *models.Balance) *sqlmock.Rows {
	return sqlmock.NewRows(balanceCols).AddRow(
		b.AccountID, b.MonthlyAllowanceUsed, b.MonthlyAllowanceLimit, b.AllowanceResetDate,
		b.PurchasedTokenBalance, b.CreditPackBalance, b.LifetimePurchased, b.LifetimeUsed, fixedNow)
}

// subscription returns an active plan whose period contains fixedNow.
func subscription(accountID string, tier string, limit int64) *models.SubscriptionState {
	return &models.SubscriptionState{
		AccountID:   accountID,
		Tier:        tier,
		TierLimit:   limit,
		Status:      models.SubscriptionActive,
		PeriodStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
}

// balance returns a balance whose allowance resets after fixedNow.
func balance(accountID string, used, limit, tokens, credits int64) *models.Balance {
	return &models.Balance{
		AccountID:             accountID,
		MonthlyAllowanceUsed:  used,
		MonthlyAllowanceLimit: limit,
		AllowanceResetDate:    time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		PurchasedTokenBalance: tokens,
		CreditPackBalance:     credits,
	}
}
