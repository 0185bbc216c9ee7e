package telemetry

import (
	"encoding/json"
	"io"
	"log"
	"time"
)

type AuditEvent struct {
	Timestamp    time.Time         `json:"timestamp"`
	EventType    string            `json:"event_type"`
	AccountID    string            `json:"account_id,omitempty"`
	Success      bool              `json:"success"`
	Amount       int64             `json:"amount,omitempty"`
	BalanceAfter *int64            `json:"balance_after,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

// AuditLogger emits one JSON line per billing state transition and feeds the
// matching Prometheus counters. Email addresses are masked before emission.
type AuditLogger struct {
	logger  *log.Logger
	metrics *Metrics
}

func NewAuditLogger(metrics *Metrics) *AuditLogger {
	return &AuditLogger{logger: log.Default(), metrics: metrics}
}

// NewAuditLoggerWithOutput writes audit lines to w instead of the standard logger.
func NewAuditLoggerWithOutput(w io.Writer, metrics *Metrics) *AuditLogger {
	return &AuditLogger{logger: log.New(w, "", 0), metrics: metrics}
}

func (a *AuditLogger) LogReservation(accountID string, units int64, decision, reason, pool string) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "RESERVATION",
		AccountID: accountID,
		Success:   decision != "DENIED",
		Amount:    units,
		Details: map[string]string{
			"decision": decision,
		},
	}
	if reason != "" {
		event.Details["reason"] = reason
	}
	if pool != "" {
		event.Details["pool"] = pool
	}
	a.log(event)
	a.metrics.observeReservation(decision, reason)
}

func (a *AuditLogger) LogLedgerEntry(accountID, kind, pool string, amount, balanceAfter int64) {
	event := AuditEvent{
		Timestamp:    time.Now(),
		EventType:    "LEDGER_ENTRY",
		AccountID:    accountID,
		Success:      true,
		Amount:       amount,
		BalanceAfter: &balanceAfter,
		Details: map[string]string{
			"kind": kind,
			"pool": pool,
		},
	}
	a.log(event)
	a.metrics.observeLedgerEntry(kind)
}

func (a *AuditLogger) LogDebitRejected(accountID, pool string, amount, balance int64) {
	event := AuditEvent{
		Timestamp:    time.Now(),
		EventType:    "DEBIT_REJECTED",
		AccountID:    accountID,
		Success:      false,
		Amount:       amount,
		BalanceAfter: &balance,
		Details:      map[string]string{"pool": pool},
	}
	a.log(event)
}

func (a *AuditLogger) LogDailyGuard(accountID string, count, limit int64, hard bool) {
	level := "soft"
	if hard {
		level = "hard"
	}
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "DAILY_GUARD",
		AccountID: accountID,
		Success:   !hard,
		Amount:    count,
		Details: map[string]string{
			"level": level,
			"limit": formatInt(limit),
		},
	}
	a.log(event)
	a.metrics.observeGuardBreach(level)
}

func (a *AuditLogger) LogAllowanceReset(accountID string, previousUsed int64, nextReset time.Time) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "ALLOWANCE_RESET",
		AccountID: accountID,
		Success:   true,
		Amount:    previousUsed,
		Details:   map[string]string{"next_reset": nextReset.Format("2006-01-02")},
	}
	a.log(event)
}

func (a *AuditLogger) LogExternalEvent(eventID, eventType, outcome string, err error) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "EXTERNAL_EVENT",
		Success:   err == nil && outcome != "failed",
		Details: map[string]string{
			"event_id":   eventID,
			"event_type": eventType,
			"outcome":    outcome,
		},
	}
	if err != nil {
		event.Details["error"] = err.Error()
	}
	a.log(event)
	a.metrics.observeExternalEvent(eventType, outcome)
}

func (a *AuditLogger) LogSubscriptionChange(accountID, tier, status string, tierLimit int64) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "SUBSCRIPTION_CHANGE",
		AccountID: accountID,
		Success:   true,
		Amount:    tierLimit,
		Details: map[string]string{
			"tier":   tier,
			"status": status,
		},
	}
	a.log(event)
}

func (a *AuditLogger) LogTrackingFailure(accountID string, units int64, err error) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "CREDIT_TRACKING_FAILED",
		AccountID: accountID,
		Success:   false,
		Amount:    units,
		Details:   map[string]string{"error": err.Error()},
	}
	a.log(event)
	a.metrics.observeTrackingFailure()
}

func (a *AuditLogger) LogReservationError(accountID, code string, err error) {
	a.LogError(accountID, "reservation", err)
	a.metrics.ObserveReservationError(code)
}

func (a *AuditLogger) LogError(accountID, operation string, err error) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "ERROR",
		AccountID: accountID,
		Success:   false,
		Details: map[string]string{
			"operation": operation,
			"error":     err.Error(),
		},
	}
	a.log(event)
}

func (a *AuditLogger) log(event AuditEvent) {
	event.AccountID = MaskEmails(event.AccountID)
	for k, v := range event.Details {
		event.Details[k] = MaskEmails(v)
	}
	data, _ := json.Marshal(event)
	a.logger.Printf("AUDIT: %s", string(data))
}
