package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/meterline/backend/internal/config"
	"github.com/meterline/backend/internal/telemetry"
)

// GuardStore is an atomic per-day request counter.
type GuardStore interface {
	// Increment adds one to the account's counter for day and returns the new value.
	// A new counter expires at expireAt.
	Increment(ctx context.Context, accountID string, day, expireAt time.Time) (int64, error)
	// Count returns the current value without incrementing.
	Count(ctx context.Context, accountID string, day time.Time) (int64, error)
}

// RedisGuardStore keeps counters in Redis under guard:daily:<account>:<day>.
type RedisGuardStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisGuardStore(client redis.Cmdable) *RedisGuardStore {
	return &RedisGuardStore{client: client, prefix: "guard:daily:"}
}

func (s *RedisGuardStore) key(accountID string, day time.Time) string {
	return s.prefix + accountID + ":" + day.Format("2006-01-02")
}

func (s *RedisGuardStore) Increment(ctx context.Context, accountID string, day, expireAt time.Time) (int64, error) {
	key := s.key(accountID, day)

	// INCR and EXPIREAT run in one MULTI so no counter is left without a TTL.
	var incr *redis.IntCmd
	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireAt(ctx, key, expireAt)
		return nil
	}); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *RedisGuardStore) Count(ctx context.Context, accountID string, day time.Time) (int64, error) {
	val, err := s.client.Get(ctx, s.key(accountID, day)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

// PostgresGuardStore is the fallback when Redis is not configured.
type PostgresGuardStore struct {
	db *sql.DB
}

func NewPostgresGuardStore(db *sql.DB) *PostgresGuardStore {
	return &PostgresGuardStore{db: db}
}

func (s *PostgresGuardStore) Increment(ctx context.Context, accountID string, day, _ time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO daily_usage (account_id, day, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (account_id, day) DO UPDATE SET count = daily_usage.count + 1
		RETURNING count`, accountID, day).Scan(&count)
	return count, err
}

func (s *PostgresGuardStore) Count(ctx context.Context, accountID string, day time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM daily_usage WHERE account_id = $1 AND day = $2`, accountID, day).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

// Prune deletes counters for days before the given day.
func (s *PostgresGuardStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM daily_usage WHERE day < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GuardResult is the outcome of one daily guard evaluation.
type GuardResult struct {
	Count        int64
	SoftExceeded bool
	HardExceeded bool
}

// DailyGuard bounds requests per account per calendar day. It is advisory
// abuse control and independent of billing.
type DailyGuard struct {
	store GuardStore
	audit *telemetry.AuditLogger
	loc   *time.Location
	now   func() time.Time
}

func NewDailyGuard(store GuardStore, audit *telemetry.AuditLogger, engine *config.EngineConfig) *DailyGuard {
	loc := engine.Location
	if loc == nil {
		loc = time.UTC
	}
	return &DailyGuard{store: store, audit: audit, loc: loc, now: time.Now}
}

// window returns today's calendar day and the next local midnight.
func (g *DailyGuard) window() (time.Time, time.Time) {
	now := g.now().In(g.loc)
	y, m, d := now.Date()
	midnight := time.Date(y, m, d+1, 0, 0, 0, 0, g.loc)
	return dateOf(now), midnight
}

// IncrementAndCheck counts the request and compares it with the policy limits.
// A limit of 0 disables that threshold. Store failures are transient errors so
// the caller fails closed.
func (g *DailyGuard) IncrementAndCheck(ctx context.Context, accountID string, policy config.PolicyConfig) (GuardResult, error) {
	day, midnight := g.window()
	count, err := g.store.Increment(ctx, accountID, day, midnight)
	if err != nil {
		return GuardResult{}, fmt.Errorf("%w: %w", ErrGuardUnavailable, err)
	}

	result := GuardResult{Count: count}
	if policy.DailyHardLimit > 0 && count > policy.DailyHardLimit {
		result.HardExceeded = true
		g.audit.LogDailyGuard(accountID, count, policy.DailyHardLimit, true)
		return result, nil
	}
	if policy.DailySoftLimit > 0 && count > policy.DailySoftLimit {
		result.SoftExceeded = true
		if count == policy.DailySoftLimit+1 {
			g.audit.LogDailyGuard(accountID, count, policy.DailySoftLimit, false)
		}
	}
	return result, nil
}

// Peek reads today's count without incrementing it.
func (g *DailyGuard) Peek(ctx context.Context, accountID string) (int64, error) {
	day, _ := g.window()
	count, err := g.store.Count(ctx, accountID, day)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrGuardUnavailable, err)
	}
	return count, nil
}
