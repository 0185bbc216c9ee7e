package services

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/meterline/backend/internal/config"
	"github.com/meterline/backend/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	guardDay      = date(2026, 3, 15)
	guardMidnight = time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
)

func newTestGuard(store GuardStore) (*DailyGuard, *bytes.Buffer) {
	var buf bytes.Buffer
	g := NewDailyGuard(store, telemetry.NewAuditLoggerWithOutput(&buf, nil), config.DefaultEngineConfig())
	g.now = fixedClock
	return g, &buf
}

func TestRedisGuardStore(t *testing.T) {
	ctx := context.Background()
	key := "guard:daily:acct_1:2026-03-15"

	t.Run("increment and expiry run in one transaction", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		mock.ExpectTxPipeline()
		mock.ExpectIncr(key).SetVal(1)
		mock.ExpectExpireAt(key, guardMidnight).SetVal(true)
		mock.ExpectTxPipelineExec()

		count, err := NewRedisGuardStore(client).Increment(ctx, "acct_1", guardDay, guardMidnight)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("later increments refresh the same expiry", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		mock.ExpectTxPipeline()
		mock.ExpectIncr(key).SetVal(42)
		mock.ExpectExpireAt(key, guardMidnight).SetVal(true)
		mock.ExpectTxPipelineExec()

		count, err := NewRedisGuardStore(client).Increment(ctx, "acct_1", guardDay, guardMidnight)
		require.NoError(t, err)
		assert.Equal(t, int64(42), count)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expiry failure fails the increment", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		mock.ExpectTxPipeline()
		mock.ExpectIncr(key).SetVal(1)
		mock.ExpectExpireAt(key, guardMidnight).SetErr(errors.New("READONLY"))
		mock.ExpectTxPipelineExec()

		_, err := NewRedisGuardStore(client).Increment(ctx, "acct_1", guardDay, guardMidnight)
		assert.Error(t, err)
	})

	t.Run("increment failure surfaces", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		mock.ExpectTxPipeline()
		mock.ExpectIncr(key).SetErr(errors.New("connection refused"))
		mock.ExpectExpireAt(key, guardMidnight).SetVal(true)
		mock.ExpectTxPipelineExec()

		_, err := NewRedisGuardStore(client).Increment(ctx, "acct_1", guardDay, guardMidnight)
		assert.Error(t, err)
	})

	t.Run("count of missing key is zero", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		mock.ExpectGet(key).RedisNil()

		count, err := NewRedisGuardStore(client).Count(ctx, "acct_1", guardDay)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("count parses stored value", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		mock.ExpectGet(key).SetVal("17")

		count, err := NewRedisGuardStore(client).Count(ctx, "acct_1", guardDay)
		require.NoError(t, err)
		assert.Equal(t, int64(17), count)
	})
}

func TestPostgresGuardStore(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresGuardStore(db)

	mock.ExpectQuery("INSERT INTO daily_usage (.+) ON CONFLICT \\(account_id, day\\) DO UPDATE SET count = daily_usage.count \\+ 1 RETURNING count").
		WithArgs("acct_1", guardDay).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	count, err := store.Increment(ctx, "acct_1", guardDay, guardMidnight)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	mock.ExpectQuery("SELECT count FROM daily_usage").
		WithArgs("acct_2", guardDay).
		WillReturnRows(sqlmock.NewRows([]string{"count"}))
	count, err = store.Count(ctx, "acct_2", guardDay)
	require.NoError(t, err)
	assert.Zero(t, count)

	mock.ExpectExec("DELETE FROM daily_usage WHERE day < \\$1").
		WithArgs(guardDay).
		WillReturnResult(sqlmock.NewResult(0, 12))
	pruned, err := store.Prune(ctx, guardDay)
	require.NoError(t, err)
	assert.Equal(t, int64(12), pruned)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDailyGuard_IncrementAndCheck(t *testing.T) {
	ctx := context.Background()
	policy := config.PolicyConfig{DailyHardLimit: 500, DailySoftLimit: 400}

	t.Run("501st call trips the hard limit", func(t *testing.T) {
		store := new(MockGuardStore)
		store.On("Increment", "acct_1", guardDay, guardMidnight).Return(int64(500), nil).Once()
		store.On("Increment", "acct_1", guardDay, guardMidnight).Return(int64(501), nil).Once()
		g, buf := newTestGuard(store)

		result, err := g.IncrementAndCheck(ctx, "acct_1", policy)
		require.NoError(t, err)
		assert.False(t, result.HardExceeded)
		assert.True(t, result.SoftExceeded)

		result, err = g.IncrementAndCheck(ctx, "acct_1", policy)
		require.NoError(t, err)
		assert.True(t, result.HardExceeded)
		assert.Equal(t, int64(501), result.Count)
		assert.Contains(t, buf.String(), `"level":"hard"`)
		store.AssertExpectations(t)
	})

	t.Run("soft breach is logged once", func(t *testing.T) {
		store := new(MockGuardStore)
		store.On("Increment", "acct_1", guardDay, guardMidnight).Return(int64(401), nil).Once()
		store.On("Increment", "acct_1", guardDay, guardMidnight).Return(int64(402), nil).Once()
		g, buf := newTestGuard(store)

		for i := 0; i < 2; i++ {
			result, err := g.IncrementAndCheck(ctx, "acct_1", policy)
			require.NoError(t, err)
			assert.True(t, result.SoftExceeded)
			assert.False(t, result.HardExceeded)
		}
		assert.Equal(t, 1, strings.Count(buf.String(), "DAILY_GUARD"))
	})

	t.Run("zero limits disable the guard", func(t *testing.T) {
		store := new(MockGuardStore)
		store.On("Increment", "acct_1", guardDay, guardMidnight).Return(int64(1_000_000), nil)
		g, _ := newTestGuard(store)

		result, err := g.IncrementAndCheck(ctx, "acct_1", config.PolicyConfig{})
		require.NoError(t, err)
		assert.False(t, result.SoftExceeded)
		assert.False(t, result.HardExceeded)
	})

	t.Run("store failure fails closed", func(t *testing.T) {
		store := new(MockGuardStore)
		store.On("Increment", "acct_1", guardDay, guardMidnight).Return(int64(0), errors.New("i/o timeout"))
		g, _ := newTestGuard(store)

		_, err := g.IncrementAndCheck(ctx, "acct_1", policy)
		assert.ErrorIs(t, err, ErrGuardUnavailable)
		assert.True(t, IsTransient(err))
	})

	t.Run("midnight follows the configured zone", func(t *testing.T) {
		loc := time.FixedZone("UTC+9", 9*3600)
		store := new(MockGuardStore)
		day := date(2026, 3, 15)
		midnight := time.Date(2026, 3, 16, 0, 0, 0, 0, loc)
		store.On("Increment", "acct_1", day, midnight).Return(int64(1), nil)
		g, _ := newTestGuard(store)
		g.loc = loc

		_, err := g.IncrementAndCheck(ctx, "acct_1", policy)
		require.NoError(t, err)
		store.AssertExpectations(t)
	})
}

func TestDailyGuard_Peek(t *testing.T) {
	store := new(MockGuardStore)
	store.On("Count", "acct_1", guardDay).Return(int64(12), nil)
	g, _ := newTestGuard(store)

	count, err := g.Peek(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), count)
	store.AssertNotCalled(t, "Increment")
}
