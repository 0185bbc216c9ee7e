package services

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/meterline/backend/internal/models"
	"github.com/meterline/backend/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditPackService_Forfeit(t *testing.T) {
	ctx := context.Background()

	t.Run("remaining credits are forfeited", func(t *testing.T) {
		h := newHarness(t)
		h.expectBegin()
		h.expectLockBalance(balance("acct_1", 0, 20, 0, 750))
		h.mock.ExpectExec("UPDATE balances SET credit_pack_balance = \\$1").
			WithArgs(int64(0), int64(0), int64(0), fixedNow, "acct_1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		h.expectEntry("acct_1", models.EntryCreditForfeit, models.PoolCreditPack, -750, 0)
		h.mock.ExpectCommit()

		tx, err := beginTx(ctx, h.db, h.engine.LockTimeout)
		require.NoError(t, err)
		entry, err := h.credits.ForfeitTx(ctx, tx, "acct_1")
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		require.NotNil(t, entry)
		assert.Equal(t, int64(-750), entry.Amount)
		assert.Equal(t, int64(0), entry.BalanceAfter)
		assert.NoError(t, h.mock.ExpectationsWereMet())
	})

	t.Run("empty pool appends nothing", func(t *testing.T) {
		h := newHarness(t)
		h.expectBegin()
		h.expectLockBalance(balance("acct_1", 0, 20, 0, 0))
		h.mock.ExpectCommit()

		tx, err := beginTx(ctx, h.db, h.engine.LockTimeout)
		require.NoError(t, err)
		entry, err := h.credits.ForfeitTx(ctx, tx, "acct_1")
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		assert.Nil(t, entry)
		assert.NoError(t, h.mock.ExpectationsWereMet())
	})
}

func TestCreditPackService_GrantMonthlyTx(t *testing.T) {
	ctx := context.Background()

	t.Run("grant activates pack and credits pool", func(t *testing.T) {
		h := newHarness(t)
		h.expectBegin()
		h.mock.ExpectExec("INSERT INTO credit_pack_subscriptions").
			WithArgs("acct_1", "pack_large", "active", int64(750), fixedNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		h.expectLockBalance(balance("acct_1", 0, 20, 0, 100))
		h.mock.ExpectExec("UPDATE balances SET credit_pack_balance = \\$1").
			WithArgs(int64(850), int64(0), int64(0), fixedNow, "acct_1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		h.expectEntry("acct_1", models.EntryCreditGrant, models.PoolCreditPack, 750, 850)
		h.mock.ExpectCommit()

		tx, err := beginTx(ctx, h.db, h.engine.LockTimeout)
		require.NoError(t, err)
		entry, err := h.credits.GrantMonthlyTx(ctx, tx, "acct_1", "pack_large", 750)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		assert.Equal(t, models.EntryCreditGrant, entry.Kind)
		assert.NoError(t, h.mock.ExpectationsWereMet())
	})

	t.Run("zero credits rejected", func(t *testing.T) {
		h := newHarness(t)
		h.expectBegin()
		h.mock.ExpectRollback()

		tx, err := beginTx(ctx, h.db, h.engine.LockTimeout)
		require.NoError(t, err)
		_, err = h.credits.GrantMonthlyTx(ctx, tx, "acct_1", "pack_small", 0)
		require.NoError(t, tx.Rollback())
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestCreditPackService_TrackUsage(t *testing.T) {
	t.Run("failure is logged, not returned", func(t *testing.T) {
		h := newHarness(t)
		var buf bytes.Buffer
		h.credits.audit = telemetry.NewAuditLoggerWithOutput(&buf, nil)
		h.mock.ExpectExec("INSERT INTO ledger_entries").WillReturnError(errors.New("connection reset"))

		assert.NotPanics(t, func() {
			h.credits.TrackUsage(context.Background(), "acct_1", 5, 0)
		})
		assert.Contains(t, buf.String(), "CREDIT_TRACKING_FAILED")
		assert.NoError(t, h.mock.ExpectationsWereMet())
	})
}

func TestCreditPackService_GetSubscription(t *testing.T) {
	h := newHarness(t)
	cols := []string{"account_id", "pack_id", "status", "granted_this_period", "updated_at"}

	h.mock.ExpectQuery("FROM credit_pack_subscriptions WHERE account_id = \\$1").
		WithArgs("acct_1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("acct_1", "pack_small", "active", 250, fixedNow))
	sub, err := h.credits.GetSubscription(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, models.CreditPackActive, sub.Status)

	h.mock.ExpectQuery("FROM credit_pack_subscriptions WHERE account_id = \\$1").
		WithArgs("acct_2").
		WillReturnRows(sqlmock.NewRows(cols))
	sub, err = h.credits.GetSubscription(context.Background(), "acct_2")
	require.NoError(t, err)
	assert.Nil(t, sub)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}
