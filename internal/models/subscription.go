package models

import "time"

// SubscriptionStatus mirrors the lifecycle states reported by the payment gateway.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionUnpaid   SubscriptionStatus = "unpaid"
)

// SubscriptionState is the plan an account is billed on. TierLimit is the monthly
// allowance; 0 means unlimited.
type SubscriptionState struct {
	AccountID         string             `json:"account_id" db:"account_id"`
	Tier              string             `json:"tier" db:"tier"`
	TierLimit         int64              `json:"tier_limit" db:"tier_limit"`
	Status            SubscriptionStatus `json:"status" db:"status"`
	PeriodStart       time.Time          `json:"period_start" db:"period_start"`
	PeriodEnd         time.Time          `json:"period_end" db:"period_end"`
	CancelAtPeriodEnd bool               `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	UpdatedAt         time.Time          `json:"updated_at" db:"updated_at"`
}

// Unlimited reports whether the tier has no monthly cap.
func (s *SubscriptionState) Unlimited() bool {
	return s.TierLimit == 0
}

// CreditPackStatus is the state of an add-on credit pack subscription.
type CreditPackStatus string

const (
	CreditPackActive   CreditPackStatus = "active"
	CreditPackCanceled CreditPackStatus = "canceled"
)

// CreditPackSubscription is the optional add-on that grants credits each period.
type CreditPackSubscription struct {
	AccountID         string           `json:"account_id" db:"account_id"`
	PackID            string           `json:"pack_id" db:"pack_id"`
	Status            CreditPackStatus `json:"status" db:"status"`
	GrantedThisPeriod int64            `json:"granted_this_period" db:"granted_this_period"`
	UpdatedAt         time.Time        `json:"updated_at" db:"updated_at"`
}
