package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/meterline/backend/internal/config"
	"github.com/meterline/backend/internal/models"
	"github.com/meterline/backend/internal/telemetry"
)

// Outcome of applying one external event.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeAlreadyProcessed Outcome = "already-processed"
	OutcomeFailed           Outcome = "failed"
)

// Subscription kinds carried in event payloads.
const (
	KindPlan       = "plan"
	KindCreditPack = "credit_pack"
)

type ApplyResult struct {
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// eventPayload is the normalized body of every handled event type. Timestamps
// are unix seconds as sent by the gateway.
type eventPayload struct {
	AccountID         string `json:"account_id" validate:"required,max=255"`
	Kind              string `json:"kind" validate:"omitempty,oneof=plan credit_pack"`
	Tier              string `json:"tier"`
	PackID            string `json:"pack_id"`
	ProductID         string `json:"product_id"`
	Status            string `json:"status" validate:"omitempty,oneof=active trialing past_due canceled unpaid"`
	PeriodStart       int64  `json:"period_start" validate:"gte=0"`
	PeriodEnd         int64  `json:"period_end" validate:"gte=0"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	Credits           int64  `json:"credits" validate:"gte=0"`
	Tokens            int64  `json:"tokens" validate:"gte=0"`
}

func (p *eventPayload) kind() string {
	if p.Kind == "" {
		return KindPlan
	}
	return p.Kind
}

// EventService applies payment gateway events exactly once. The external_events
// primary key is the idempotency fence; handler effects and the processed flag
// commit in one transaction.
type EventService struct {
	db          *sql.DB
	subs        *SubscriptionTracker
	ledger      *LedgerService
	credits     *CreditPackService
	catalog     *config.Catalog
	validator   *ValidationHelper
	audit       *telemetry.AuditLogger
	lockTimeout time.Duration
	now         func() time.Time
}

func NewEventService(db *sql.DB, subs *SubscriptionTracker, ledger *LedgerService, credits *CreditPackService,
	catalog *config.Catalog, audit *telemetry.AuditLogger, engine *config.EngineConfig) *EventService {
	return &EventService{
		db:          db,
		subs:        subs,
		ledger:      ledger,
		credits:     credits,
		catalog:     catalog,
		validator:   NewValidationHelper(),
		audit:       audit,
		lockTimeout: engine.LockTimeout,
		now:         time.Now,
	}
}

// Apply processes one delivery of an event. Handler failures leave the event
// unprocessed and are reported as OutcomeFailed with a nil error; a non-nil
// error means the fence itself could not be read or written.
func (s *EventService) Apply(ctx context.Context, eventID, eventType string, payload []byte) (ApplyResult, error) {
	if eventID == "" || eventType == "" {
		return ApplyResult{}, fmt.Errorf("%w: event id and type are required", ErrInvalidEvent)
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	if err := s.claim(ctx, eventID, eventType, payload); err != nil {
		return ApplyResult{}, err
	}

	tx, err := beginTx(ctx, s.db, s.lockTimeout)
	if err != nil {
		return ApplyResult{}, err
	}
	defer tx.Rollback()

	var processed bool
	err = tx.QueryRowContext(ctx, `
		SELECT processed FROM external_events WHERE event_id = $1 FOR UPDATE`, eventID).Scan(&processed)
	if err != nil {
		return ApplyResult{}, classifyDBError(fmt.Errorf("lock event %s: %w", eventID, err))
	}
	if processed {
		s.audit.LogExternalEvent(eventID, eventType, string(OutcomeAlreadyProcessed), nil)
		return ApplyResult{Outcome: OutcomeAlreadyProcessed}, nil
	}

	startedAt := s.now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE external_events SET attempts = attempts + 1, processing_started_at = $1
		WHERE event_id = $2`, startedAt, eventID); err != nil {
		return ApplyResult{}, classifyDBError(fmt.Errorf("start event %s: %w", eventID, err))
	}

	if herr := s.dispatch(ctx, tx, eventType, payload); herr != nil {
		tx.Rollback()
		return s.recordFailure(ctx, eventID, eventType, startedAt, herr)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE external_events
		SET processed = true, processing_completed_at = $1, last_error = NULL
		WHERE event_id = $2`, s.now(), eventID); err != nil {
		return ApplyResult{}, classifyDBError(fmt.Errorf("complete event %s: %w", eventID, err))
	}
	if err := tx.Commit(); err != nil {
		return ApplyResult{}, classifyDBError(fmt.Errorf("commit event %s: %w", eventID, err))
	}

	s.audit.LogExternalEvent(eventID, eventType, string(OutcomeApplied), nil)
	return ApplyResult{Outcome: OutcomeApplied}, nil
}

// claim creates the fence row on first sight of an event id.
func (s *EventService) claim(ctx context.Context, eventID, eventType string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO external_events (event_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, models.Payload(payload), s.now())
	if err != nil {
		return classifyDBError(fmt.Errorf("claim event %s: %w", eventID, err))
	}
	return nil
}

// recordFailure runs after the handler transaction rolled back, so the
// attempt is counted here together with the error.
func (s *EventService) recordFailure(ctx context.Context, eventID, eventType string, startedAt time.Time, herr error) (ApplyResult, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE external_events
		SET attempts = attempts + 1, processing_started_at = $1, last_error = $2
		WHERE event_id = $3 AND processed = false`,
		startedAt, herr.Error(), eventID)
	if err != nil {
		log.Printf("[EVENTS] Failed to record error for event %s: %v", eventID, err)
	}

	s.audit.LogExternalEvent(eventID, eventType, string(OutcomeFailed), herr)
	result := ApplyResult{Outcome: OutcomeFailed, Error: herr.Error()}
	if IsTransient(herr) {
		return result, herr
	}
	return result, nil
}

func (s *EventService) dispatch(ctx context.Context, tx *sql.Tx, eventType string, raw []byte) error {
	var handler func(context.Context, *sql.Tx, *eventPayload) error
	switch eventType {
	case models.EventSubscriptionUpdated:
		handler = s.handleSubscriptionUpdated
	case models.EventSubscriptionDeleted:
		handler = s.handleSubscriptionDeleted
	case models.EventPaymentSucceeded:
		handler = s.handlePaymentSucceeded
	case models.EventCheckoutCompleted:
		handler = s.handleCheckoutCompleted
	default:
		log.Printf("[EVENTS] Ignoring unhandled event type %s", eventType)
		return nil
	}

	var p eventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if err := s.validator.ValidateStruct(&p); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return handler(ctx, tx, &p)
}

func (s *EventService) handleSubscriptionUpdated(ctx context.Context, tx *sql.Tx, p *eventPayload) error {
	if p.kind() == KindCreditPack {
		return s.updateCreditPack(ctx, tx, p)
	}
	return s.applyPlanPeriod(ctx, tx, p)
}

func (s *EventService) handlePaymentSucceeded(ctx context.Context, tx *sql.Tx, p *eventPayload) error {
	if p.kind() != KindCreditPack {
		return s.applyPlanPeriod(ctx, tx, p)
	}
	if p.PackID == "" {
		return fmt.Errorf("%w: pack_id is required", ErrInvalidPayload)
	}
	credits := p.Credits
	if credits == 0 {
		var ok bool
		if credits, ok = s.catalog.PackCredits(p.PackID); !ok {
			return fmt.Errorf("%w: unknown credit pack %q", ErrInvalidPayload, p.PackID)
		}
	}
	_, err := s.credits.GrantMonthlyTx(ctx, tx, p.AccountID, p.PackID, credits)
	return err
}

func (s *EventService) handleSubscriptionDeleted(ctx context.Context, tx *sql.Tx, p *eventPayload) error {
	if p.kind() == KindCreditPack {
		if err := s.credits.CancelSubscriptionTx(ctx, tx, p.AccountID); err != nil {
			return err
		}
		_, err := s.credits.ForfeitTx(ctx, tx, p.AccountID)
		return err
	}

	sub, err := s.subs.LockSubscription(ctx, tx, p.AccountID)
	if err != nil {
		return err
	}
	sub.Tier = s.catalog.FreeTier
	sub.TierLimit = s.catalog.FreeTierLimit()
	sub.Status = models.SubscriptionCanceled
	sub.CancelAtPeriodEnd = false
	if err := s.subs.SaveTx(ctx, tx, sub); err != nil {
		return err
	}

	if err := s.credits.CancelSubscriptionTx(ctx, tx, p.AccountID); err != nil {
		return err
	}

	balance, err := s.ledger.LockBalance(ctx, tx, p.AccountID)
	if err != nil {
		return err
	}
	balance.MonthlyAllowanceLimit = sub.TierLimit
	if err := s.subs.SaveAllowanceTx(ctx, tx, balance); err != nil {
		return err
	}
	_, err = s.credits.ForfeitLockedTx(ctx, tx, balance)
	return err
}

func (s *EventService) handleCheckoutCompleted(ctx context.Context, tx *sql.Tx, p *eventPayload) error {
	tokens := p.Tokens
	if tokens == 0 {
		var ok bool
		if tokens, ok = s.catalog.ProductTokens(p.ProductID); !ok {
			return fmt.Errorf("%w: unknown token product %q", ErrInvalidPayload, p.ProductID)
		}
	}

	balance, err := s.ledger.LockBalance(ctx, tx, p.AccountID)
	if err != nil {
		return err
	}
	description := "token purchase"
	if p.ProductID != "" {
		description = fmt.Sprintf("token purchase %s", p.ProductID)
	}
	_, err = s.ledger.CreditTx(ctx, tx, balance, models.PoolPurchasedTokens, tokens, models.EntryTokenPurchase, description)
	return err
}

// applyPlanPeriod sets subscription fields by value. A delivery for an older
// period than the stored one is ignored; a newer period restarts the allowance.
func (s *EventService) applyPlanPeriod(ctx context.Context, tx *sql.Tx, p *eventPayload) error {
	sub, err := s.subs.LockSubscription(ctx, tx, p.AccountID)
	if err != nil {
		return err
	}

	periodStart := time.Unix(p.PeriodStart, 0).UTC()
	periodEnd := time.Unix(p.PeriodEnd, 0).UTC()
	if p.PeriodStart == 0 || p.PeriodEnd == 0 {
		return fmt.Errorf("%w: period_start and period_end are required", ErrInvalidPayload)
	}
	if !periodEnd.After(periodStart) {
		return fmt.Errorf("%w: period_end must be after period_start", ErrInvalidPayload)
	}
	if periodStart.Before(sub.PeriodStart) {
		log.Printf("[EVENTS] Ignoring stale period for account %s", telemetry.MaskEmails(p.AccountID))
		return nil
	}
	// A deleted subscription only comes back with a later period.
	if sub.Status == models.SubscriptionCanceled && !periodStart.After(sub.PeriodStart) {
		log.Printf("[EVENTS] Ignoring update for canceled period of account %s", telemetry.MaskEmails(p.AccountID))
		return nil
	}

	if p.Tier != "" {
		limit, ok := s.catalog.TierLimit(p.Tier)
		if !ok {
			return fmt.Errorf("%w: unknown tier %q", ErrInvalidPayload, p.Tier)
		}
		sub.Tier = p.Tier
		sub.TierLimit = limit
	}
	status := models.SubscriptionActive
	if p.Status != "" {
		status = models.SubscriptionStatus(p.Status)
	}
	newPeriod := periodStart.After(sub.PeriodStart)

	sub.Status = status
	sub.PeriodStart = periodStart
	sub.PeriodEnd = periodEnd
	sub.CancelAtPeriodEnd = p.CancelAtPeriodEnd
	if err := s.subs.SaveTx(ctx, tx, sub); err != nil {
		return err
	}

	balance, err := s.ledger.LockBalance(ctx, tx, p.AccountID)
	if err != nil {
		return err
	}
	balance.MonthlyAllowanceLimit = sub.TierLimit
	if newPeriod {
		// The live path may already have reset for this period; usage since then stays.
		alreadyReset := dateOf(balance.AllowanceResetDate).After(dateOf(periodStart))
		balance.AllowanceResetDate = dateOf(periodEnd)
		if !alreadyReset {
			previous := balance.MonthlyAllowanceUsed
			balance.MonthlyAllowanceUsed = 0
			s.audit.LogAllowanceReset(balance.AccountID, previous, balance.AllowanceResetDate)
		}
	}
	return s.subs.SaveAllowanceTx(ctx, tx, balance)
}

func (s *EventService) updateCreditPack(ctx context.Context, tx *sql.Tx, p *eventPayload) error {
	if p.PackID == "" {
		return fmt.Errorf("%w: pack_id is required", ErrInvalidPayload)
	}
	switch models.SubscriptionStatus(p.Status) {
	case models.SubscriptionCanceled, models.SubscriptionUnpaid:
		if err := s.credits.SetSubscriptionTx(ctx, tx, p.AccountID, p.PackID, models.CreditPackCanceled); err != nil {
			return err
		}
		_, err := s.credits.ForfeitTx(ctx, tx, p.AccountID)
		return err
	default:
		return s.credits.SetSubscriptionTx(ctx, tx, p.AccountID, p.PackID, models.CreditPackActive)
	}
}

// Replay re-applies a stored event using its recorded payload.
func (s *EventService) Replay(ctx context.Context, eventID string) (ApplyResult, error) {
	var eventType string
	var payload models.Payload
	err := s.db.QueryRowContext(ctx, `
		SELECT event_type, payload FROM external_events WHERE event_id = $1`, eventID).Scan(&eventType, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ApplyResult{}, fmt.Errorf("%w: event %s not found", ErrInvalidEvent, eventID)
	}
	if err != nil {
		return ApplyResult{}, classifyDBError(fmt.Errorf("load event %s: %w", eventID, err))
	}
	return s.Apply(ctx, eventID, eventType, payload)
}

// ListPending returns unprocessed events whose last attempt started before
// olderThan, oldest first.
func (s *EventService) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]models.ExternalEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, payload, attempts, COALESCE(last_error, ''), created_at
		FROM external_events
		WHERE processed = false AND (processing_started_at IS NULL OR processing_started_at < $1)
		ORDER BY created_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, classifyDBError(fmt.Errorf("list pending events: %w", err))
	}
	defer rows.Close()

	var events []models.ExternalEvent
	for rows.Next() {
		var e models.ExternalEvent
		if err := rows.Scan(&e.EventID, &e.EventType, &e.Payload, &e.Attempts, &e.LastError, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
