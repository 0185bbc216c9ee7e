package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Event types delivered by the payment gateway.
const (
	EventSubscriptionUpdated = "subscription.updated"
	EventSubscriptionDeleted = "subscription.deleted"
	EventPaymentSucceeded    = "payment.succeeded"
	EventCheckoutCompleted   = "checkout.completed"
)

// ExternalEvent is the idempotency fence for one gateway event id.
type ExternalEvent struct {
	EventID               string     `json:"event_id" db:"event_id"`
	EventType             string     `json:"event_type" db:"event_type"`
	Payload               Payload    `json:"payload" db:"payload"`
	Processed             bool       `json:"processed" db:"processed"`
	Attempts              int        `json:"attempts" db:"attempts"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at" db:"processing_started_at"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at" db:"processing_completed_at"`
	LastError             string     `json:"last_error,omitempty" db:"last_error"`
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`
}

// Payload is the raw JSON body of a gateway event, stored as JSONB.
type Payload json.RawMessage

// Value implements driver.Valuer for Payload
func (p Payload) Value() (driver.Value, error) {
	if len(p) == 0 {
		return []byte("{}"), nil
	}
	if !json.Valid(p) {
		return nil, errors.New("payload is not valid JSON")
	}
	return []byte(p), nil
}

// Scan implements sql.Scanner for Payload
func (p *Payload) Scan(value any) error {
	if value == nil {
		*p = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*p = append((*p)[:0], v...)
	case string:
		*p = Payload(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return nil
}

// MarshalJSON keeps the payload verbatim when an event is serialized.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// UnmarshalJSON stores the raw bytes.
func (p *Payload) UnmarshalJSON(data []byte) error {
	*p = append((*p)[:0], data...)
	return nil
}
