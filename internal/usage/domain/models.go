// Package domain contains metered usage events and the orchestration
// contract that bills them.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type BillingMethod string

const (
	BillingMethodSubscription         BillingMethod = "subscription"
	BillingMethodPayAsYouGo           BillingMethod = "pay_as_you_go"
	BillingMethodSubscriptionOverflow BillingMethod = "subscription+overflow"
)

// UnitTokens is the only metered unit.
const UnitTokens = "tokens"

// UsageEvent records one billed consumption. It is written once and never
// updated.
type UsageEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey;autoIncrement:false"`
	IdempotencyKey string            `gorm:"type:text;not null;uniqueIndex:ux_usage_events_idempotency_key"`
	PayerID        snowflake.ID      `gorm:"not null;index:ix_usage_events_payer"`
	InitiatorID    snowflake.ID      `gorm:"not null"`
	Service        string            `gorm:"type:text"`
	Resource       string            `gorm:"type:text"`
	Provider       string            `gorm:"type:text;not null"`
	Model          string            `gorm:"type:text"`
	Quantity       int64             `gorm:"not null"`
	Unit           string            `gorm:"type:text;not null"`
	InputTokens    int64             `gorm:"not null"`
	OutputTokens   int64             `gorm:"not null"`
	QuotaInput     int64             `gorm:"not null"`
	QuotaOutput    int64             `gorm:"not null"`
	OverflowInput  int64             `gorm:"not null"`
	OverflowOutput int64             `gorm:"not null"`
	Cost           decimal.Decimal   `gorm:"type:numeric(30,12);not null"`
	Currency       string            `gorm:"type:text;not null"`
	BillingMethod  BillingMethod     `gorm:"type:text;not null"`
	PolicyVersion  string            `gorm:"type:text"`
	TransactionID  *snowflake.ID     `gorm:"column:transaction_id"`
	QuotaRef       *snowflake.ID     `gorm:"column:quota_ref"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	RecordedAt     time.Time         `gorm:"not null"`
	CreatedAt      time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// MethodFor names how a request split between quota and overflow was billed.
func MethodFor(fromQuota, overflow int64) BillingMethod {
	switch {
	case fromQuota > 0 && overflow > 0:
		return BillingMethodSubscriptionOverflow
	case fromQuota > 0:
		return BillingMethodSubscription
	default:
		return BillingMethodPayAsYouGo
	}
}
