// Package domain contains the balance and transaction records owned by the ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Direction tells whether a transaction raised or lowered the balance.
type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

// TransactionType distinguishes ledger activity for reporting.
type TransactionType string

const (
	TransactionTypeUsage         TransactionType = "usage"
	TransactionTypeTopUp         TransactionType = "top_up"
	TransactionTypeSubscription  TransactionType = "subscription"
	TransactionTypeReferralBonus TransactionType = "referral_bonus"
	TransactionTypeAdjustment    TransactionType = "adjustment"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

// Balance is the authoritative amount held by one billed entity.
// Version increments on every write and guards concurrent updates.
type Balance struct {
	EntityID    snowflake.ID    `gorm:"primaryKey;autoIncrement:false" json:"entity_id"`
	Amount      decimal.Decimal `gorm:"type:numeric(30,12);not null" json:"amount"`
	Currency    string          `gorm:"type:text;not null" json:"currency"`
	CreditLimit decimal.Decimal `gorm:"type:numeric(30,12);not null" json:"credit_limit"`
	Version     int64           `gorm:"not null" json:"version"`
	CreatedAt   time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Balance) TableName() string { return "balances" }

// Allows reports whether amount respects the credit limit.
func (b Balance) Allows(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(b.CreditLimit.Neg())
}

// Available is the amount that can still be debited.
func (b Balance) Available() decimal.Decimal {
	return b.Amount.Add(b.CreditLimit)
}

// Transaction is an append-only ledger record. Amount is a positive
// magnitude; Direction carries the sign.
type Transaction struct {
	ID           snowflake.ID        `gorm:"primaryKey;autoIncrement:false" json:"id"`
	EntityID     snowflake.ID        `gorm:"not null;index" json:"entity_id"`
	InitiatorID  *snowflake.ID       `json:"initiator_id,omitempty"`
	Direction    Direction           `gorm:"type:text;not null" json:"direction"`
	Type         TransactionType     `gorm:"type:text;not null;index" json:"type"`
	Amount       decimal.Decimal     `gorm:"type:numeric(30,12);not null" json:"amount"`
	Currency     string              `gorm:"type:text;not null" json:"currency"`
	Description  string              `gorm:"type:text" json:"description"`
	Status       TransactionStatus   `gorm:"type:text;not null" json:"status"`
	ExternalRef  *string             `gorm:"type:text;uniqueIndex:ux_ledger_transactions_external_ref" json:"external_ref,omitempty"`
	Metadata     datatypes.JSONMap   `gorm:"type:jsonb" json:"metadata,omitempty"`
	BalanceAfter decimal.NullDecimal `gorm:"type:numeric(30,12)" json:"balance_after"`
	CreatedAt    time.Time           `gorm:"not null" json:"created_at"`
	ProcessedAt  *time.Time          `json:"processed_at,omitempty"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "ledger_transactions" }

// SignedAmount returns the balance effect of a completed transaction.
func (t Transaction) SignedAmount() decimal.Decimal {
	if t.Direction == DirectionDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}
