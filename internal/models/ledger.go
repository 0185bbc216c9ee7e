package models

import (
	"time"
)

// Pool names the balance a ledger entry mutates.
type Pool string

const (
	PoolAllowance       Pool = "allowance"
	PoolPurchasedTokens Pool = "purchased_tokens"
	PoolCreditPack      Pool = "credit_pack"
)

// EntryKind is the business reason for a ledger entry.
type EntryKind string

const (
	EntryAllowanceUse           EntryKind = "allowance-use"
	EntryTokenPurchase          EntryKind = "token-purchase"
	EntryTokenUsage             EntryKind = "token-usage"
	EntryTokenRefund            EntryKind = "token-refund"
	EntryCreditGrant            EntryKind = "credit-grant"
	EntryCreditUsage            EntryKind = "credit-usage"
	EntryCreditForfeit          EntryKind = "credit-forfeit"
	EntryCreditUsageTrackedOnly EntryKind = "credit-usage-tracked-only"
)

// LedgerEntry is an immutable row of the append-only ledger. Amount is signed:
// positive credits the pool, negative debits it.
type LedgerEntry struct {
	ID           string    `json:"id" db:"id"`
	AccountID    string    `json:"account_id" db:"account_id"`
	Kind         EntryKind `json:"kind" db:"kind"`
	Pool         Pool      `json:"pool" db:"pool"`
	Amount       int64     `json:"amount" db:"amount"`
	BalanceAfter int64     `json:"balance_after" db:"balance_after"`
	Description  string    `json:"description" db:"description"`
	OccurredAt   time.Time `json:"occurred_at" db:"occurred_at"`
}

// Balance holds every allowance pool of one account.
type Balance struct {
	AccountID             string    `json:"account_id" db:"account_id"`
	MonthlyAllowanceUsed  int64     `json:"monthly_allowance_used" db:"monthly_allowance_used"`
	MonthlyAllowanceLimit int64     `json:"monthly_allowance_limit" db:"monthly_allowance_limit"` // 0 = unlimited
	AllowanceResetDate    time.Time `json:"allowance_reset_date" db:"allowance_reset_date"`
	PurchasedTokenBalance int64     `json:"purchased_token_balance" db:"purchased_token_balance"`
	CreditPackBalance     int64     `json:"credit_pack_balance" db:"credit_pack_balance"`
	LifetimePurchased     int64     `json:"lifetime_purchased" db:"lifetime_purchased"`
	LifetimeUsed          int64     `json:"lifetime_used" db:"lifetime_used"`
	UpdatedAt             time.Time `json:"updated_at" db:"updated_at"`
}

// PoolBalance returns the current value of a debitable pool.
func (b *Balance) PoolBalance(pool Pool) int64 {
	switch pool {
	case PoolPurchasedTokens:
		return b.PurchasedTokenBalance
	case PoolCreditPack:
		return b.CreditPackBalance
	case PoolAllowance:
		return b.MonthlyAllowanceUsed
	}
	return 0
}

// SetPoolBalance overwrites a debitable pool in the snapshot.
func (b *Balance) SetPoolBalance(pool Pool, value int64) {
	switch pool {
	case PoolPurchasedTokens:
		b.PurchasedTokenBalance = value
	case PoolCreditPack:
		b.CreditPackBalance = value
	}
}
