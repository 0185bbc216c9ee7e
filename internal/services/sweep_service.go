package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/meterline/backend/internal/config"
	"github.com/robfig/cron/v3"
)

// GuardPruner drops expired daily guard counters. Only stores without native
// expiry implement it.
type GuardPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// SweepService holds the periodic maintenance jobs. None of them is required
// for the correctness of a single request; they share the live-path primitives
// and locking so running them concurrently with traffic is safe.
type SweepService struct {
	db          *sql.DB
	subs        *SubscriptionTracker
	ledger      *LedgerService
	events      *EventService
	pruner      GuardPruner
	lockTimeout time.Duration
	staleAfter  time.Duration
	batchSize   int
	now         func() time.Time
}

func NewSweepService(db *sql.DB, subs *SubscriptionTracker, ledger *LedgerService, events *EventService,
	pruner GuardPruner, engine *config.EngineConfig) *SweepService {
	batch := engine.SweepBatchSize
	if batch <= 0 {
		batch = 200
	}
	return &SweepService{
		db:          db,
		subs:        subs,
		ledger:      ledger,
		events:      events,
		pruner:      pruner,
		lockTimeout: engine.LockTimeout,
		staleAfter:  engine.StaleEventAfter,
		batchSize:   batch,
		now:         time.Now,
	}
}

// ResetDueAllowances resets every allowance whose reset date is on or before
// today. It returns the number of accounts reset.
func (s *SweepService) ResetDueAllowances(ctx context.Context, today time.Time) (int, error) {
	today = dateOf(today)
	total := 0
	for {
		ids, err := s.dueAccounts(ctx, today)
		if err != nil {
			return total, err
		}

		progressed := 0
		for _, accountID := range ids {
			reset, err := s.resetAccount(ctx, accountID, today)
			if err != nil {
				log.Printf("[SWEEP] Allowance reset failed for %s: %v", accountID, err)
				continue
			}
			progressed++
			if reset {
				total++
			}
		}

		if len(ids) < s.batchSize || progressed == 0 {
			return total, nil
		}
	}
}

func (s *SweepService) dueAccounts(ctx context.Context, today time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id FROM balances
		WHERE allowance_reset_date <= $1
		ORDER BY account_id
		LIMIT $2`, today, s.batchSize)
	if err != nil {
		return nil, classifyDBError(fmt.Errorf("list due allowances: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// resetAccount takes the same locks in the same order as a reservation.
func (s *SweepService) resetAccount(ctx context.Context, accountID string, today time.Time) (bool, error) {
	tx, err := beginTx(ctx, s.db, s.lockTimeout)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	sub, err := s.subs.LockSubscription(ctx, tx, accountID)
	if err != nil {
		return false, err
	}
	balance, err := s.ledger.selectBalanceForUpdate(ctx, tx, accountID)
	if err != nil {
		return false, err
	}
	reset, err := s.subs.ResetIfDueTx(ctx, tx, sub, balance, today)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, classifyDBError(fmt.Errorf("commit allowance reset: %w", err))
	}
	return reset, nil
}

// RetryUnprocessedEvents re-applies events left unprocessed for longer than
// the stale threshold. It returns the number applied.
func (s *SweepService) RetryUnprocessedEvents(ctx context.Context) (int, error) {
	pending, err := s.events.ListPending(ctx, s.now().Add(-s.staleAfter), s.batchSize)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, event := range pending {
		result, err := s.events.Apply(ctx, event.EventID, event.EventType, event.Payload)
		if err != nil {
			log.Printf("[SWEEP] Event %s retry failed: %v", event.EventID, err)
			continue
		}
		if result.Outcome == OutcomeApplied {
			applied++
		}
	}
	return applied, nil
}

// PruneGuardCounters removes fallback guard counters older than yesterday.
func (s *SweepService) PruneGuardCounters(ctx context.Context) (int64, error) {
	if s.pruner == nil {
		return 0, nil
	}
	return s.pruner.Prune(ctx, s.subs.Today().AddDate(0, 0, -1))
}

// SweepScheduler runs the sweeps on cron schedules.
type SweepScheduler struct {
	sweeps        *SweepService
	cron          *cron.Cron
	resetSchedule string
	eventSchedule string
	mu            sync.Mutex
	running       bool
}

func NewSweepScheduler(sweeps *SweepService, engine *config.EngineConfig) *SweepScheduler {
	loc := engine.Location
	if loc == nil {
		loc = time.UTC
	}
	return &SweepScheduler{
		sweeps:        sweeps,
		cron:          cron.New(cron.WithLocation(loc)),
		resetSchedule: engine.ResetSchedule,
		eventSchedule: engine.EventSweepSchedule,
	}
}

// Start registers the configured jobs and stops them when ctx is done.
func (s *SweepScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resetSchedule == "" && s.eventSchedule == "" {
		log.Println("[SWEEP] No sweep schedule configured, scheduler disabled")
		return nil
	}

	if s.resetSchedule != "" {
		if _, err := s.cron.AddFunc(s.resetSchedule, func() { s.runReset(ctx) }); err != nil {
			return fmt.Errorf("invalid reset schedule %q: %w", s.resetSchedule, err)
		}
	}
	if s.eventSchedule != "" {
		if _, err := s.cron.AddFunc(s.eventSchedule, func() { s.runEvents(ctx) }); err != nil {
			return fmt.Errorf("invalid event sweep schedule %q: %w", s.eventSchedule, err)
		}
	}

	s.cron.Start()
	s.running = true
	log.Printf("[SWEEP] Scheduler started (reset=%q events=%q)", s.resetSchedule, s.eventSchedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *SweepScheduler) runReset(ctx context.Context) {
	count, err := s.sweeps.ResetDueAllowances(ctx, s.sweeps.subs.Today())
	if err != nil {
		log.Printf("[SWEEP] Allowance reset sweep failed: %v", err)
		return
	}
	if count > 0 {
		log.Printf("[SWEEP] Reset %d allowances", count)
	}

	if pruned, err := s.sweeps.PruneGuardCounters(ctx); err != nil {
		log.Printf("[SWEEP] Guard counter pruning failed: %v", err)
	} else if pruned > 0 {
		log.Printf("[SWEEP] Pruned %d guard counters", pruned)
	}
}

func (s *SweepScheduler) runEvents(ctx context.Context) {
	count, err := s.sweeps.RetryUnprocessedEvents(ctx)
	if err != nil {
		log.Printf("[SWEEP] Event retry sweep failed: %v", err)
		return
	}
	if count > 0 {
		log.Printf("[SWEEP] Applied %d pending events", count)
	}
}

// Stop waits for running jobs to finish.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		log.Println("[SWEEP] Scheduler stopped")
	}
}

// IsRunning reports whether the cron loop is active.
func (s *SweepScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
