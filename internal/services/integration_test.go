//go:build integration

package services

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/meterline/backend/internal/config"
	"github.com/meterline/backend/internal/database"
	"github.com/meterline/backend/internal/models"
	"github.com/meterline/backend/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type integrationEngine struct {
	db           *sql.DB
	ledger       *LedgerService
	accounts     *AccountService
	reservations *ReservationService
	events       *EventService
}

func newIntegrationEngine(t *testing.T) *integrationEngine {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/meterline_test?sslmode=disable"
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	if err := db.Ping(); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	db.SetMaxOpenConns(32)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, database.EnsureSchema(context.Background(), db))

	audit := telemetry.NewAuditLoggerWithOutput(io.Discard, nil)
	cfg := config.DefaultEngineConfig()
	cfg.LockTimeout = 0
	catalog := config.DefaultCatalog()

	ledger := NewLedgerService(db, audit, cfg)
	subs := NewSubscriptionTracker(audit, cfg)
	credits := NewCreditPackService(db, ledger, audit)
	guard := NewDailyGuard(NewPostgresGuardStore(db), audit, cfg)

	return &integrationEngine{
		db:           db,
		ledger:       ledger,
		accounts:     NewAccountService(db, subs, ledger, catalog, audit, cfg),
		reservations: NewReservationService(db, guard, subs, ledger, credits, audit, cfg),
		events:       NewEventService(db, subs, ledger, credits, catalog, audit, cfg),
	}
}

func (e *integrationEngine) newAccount(t *testing.T) string {
	t.Helper()
	accountID := "it_" + uuid.NewString()
	_, _, err := e.accounts.Initialize(context.Background(), accountID)
	require.NoError(t, err)
	return accountID
}

func TestIntegration_NoOverdraft(t *testing.T) {
	e := newIntegrationEngine(t)
	ctx := context.Background()
	accountID := e.newAccount(t)

	const workers = 25
	_, err := e.db.ExecContext(ctx, `UPDATE balances SET monthly_allowance_used = monthly_allowance_limit WHERE account_id = $1`, accountID)
	require.NoError(t, err)
	_, err = e.ledger.Credit(ctx, accountID, models.PoolPurchasedTokens, workers-1, models.EntryTokenPurchase, "seed")
	require.NoError(t, err)

	var allowed, denied atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := e.reservations.ReserveWithRetry(ctx, accountID, 1, config.PolicyConfig{})
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			switch result.Decision {
			case DecisionAllowedTokens:
				allowed.Add(1)
			case DecisionDenied:
				denied.Add(1)
			default:
				t.Errorf("unexpected decision %s", result.Decision)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(workers-1), allowed.Load())
	assert.Equal(t, int64(1), denied.Load())

	b, err := e.ledger.GetBalance(ctx, accountID)
	require.NoError(t, err)
	assert.Zero(t, b.PurchasedTokenBalance)

	entries, err := e.ledger.ListEntries(ctx, accountID, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ReconstructBalance(entries).PurchasedTokens)
}

func TestIntegration_ExactlyOnceEvent(t *testing.T) {
	e := newIntegrationEngine(t)
	ctx := context.Background()
	accountID := e.newAccount(t)
	eventID := "evt_" + uuid.NewString()
	payload := []byte(fmt.Sprintf(`{"account_id":%q,"product_id":"tokens_1k"}`, accountID))

	var applied atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := e.events.Apply(ctx, eventID, models.EventCheckoutCompleted, payload)
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			if result.Outcome == OutcomeApplied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), applied.Load())

	b, err := e.ledger.GetBalance(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b.PurchasedTokenBalance)

	var purchases int
	require.NoError(t, e.db.QueryRowContext(ctx,
		`SELECT count(*) FROM ledger_entries WHERE account_id = $1 AND kind = $2`,
		accountID, string(models.EntryTokenPurchase)).Scan(&purchases))
	assert.Equal(t, 1, purchases)
}

func TestIntegration_AllowanceThenTokens(t *testing.T) {
	e := newIntegrationEngine(t)
	ctx := context.Background()
	accountID := e.newAccount(t)

	_, err := e.db.ExecContext(ctx, `UPDATE subscription_states SET tier_limit = 5 WHERE account_id = $1`, accountID)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		result, err := e.reservations.CheckAndReserve(ctx, accountID, 1, config.PolicyConfig{})
		require.NoError(t, err)
		assert.Equal(t, DecisionAllowedSubscription, result.Decision)
	}

	result, err := e.reservations.CheckAndReserve(ctx, accountID, 1, config.PolicyConfig{})
	require.NoError(t, err)
	assert.Equal(t, DecisionDenied, result.Decision)
	assert.Equal(t, ReasonQuotaExhausted, result.Reason)
}
