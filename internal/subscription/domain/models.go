// Package domain contains subscription plans and per-period token quotas.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type QuotaStatus string

const (
	QuotaStatusActive    QuotaStatus = "ACTIVE"
	QuotaStatusCancelled QuotaStatus = "CANCELLED"
	QuotaStatusExpired   QuotaStatus = "EXPIRED"
)

// Plan is a purchasable token allowance.
type Plan struct {
	ID               snowflake.ID    `gorm:"primaryKey;autoIncrement:false"`
	Code             string          `gorm:"type:text;not null;uniqueIndex:ux_subscription_plans_code"`
	Name             string          `gorm:"type:text;not null"`
	Price            decimal.Decimal `gorm:"type:numeric(30,12);not null"`
	Currency         string          `gorm:"type:text;not null"`
	InputTokenLimit  int64           `gorm:"not null"`
	OutputTokenLimit int64           `gorm:"not null"`
	PeriodDays       int             `gorm:"not null"`
	Active           bool            `gorm:"not null"`
	CreatedAt        time.Time       `gorm:"not null"`
	UpdatedAt        time.Time       `gorm:"not null"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "subscription_plans" }

// Period returns the length of one billing period.
func (p Plan) Period() time.Duration {
	return time.Duration(p.PeriodDays) * 24 * time.Hour
}

// SubscriptionQuota is the allowance of one entity for one period. Used
// counters only grow; a new period is a new record.
type SubscriptionQuota struct {
	ID             snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	SubscriptionID snowflake.ID `gorm:"not null;index"`
	EntityID       snowflake.ID `gorm:"not null;index:ix_subscription_quotas_entity_status,priority:1"`
	PlanID         snowflake.ID `gorm:"not null"`
	PeriodStart    time.Time    `gorm:"not null"`
	PeriodEnd      time.Time    `gorm:"not null"`
	InputLimit     int64        `gorm:"not null"`
	OutputLimit    int64        `gorm:"not null"`
	InputUsed      int64        `gorm:"not null"`
	OutputUsed     int64        `gorm:"not null"`
	Status         QuotaStatus  `gorm:"type:text;not null;index:ix_subscription_quotas_entity_status,priority:2"`
	CreatedAt      time.Time    `gorm:"not null"`
	UpdatedAt      time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (SubscriptionQuota) TableName() string { return "subscription_quotas" }

func (q SubscriptionQuota) RemainingInput() int64 {
	return remaining(q.InputLimit, q.InputUsed)
}

func (q SubscriptionQuota) RemainingOutput() int64 {
	return remaining(q.OutputLimit, q.OutputUsed)
}

// Covers reports whether the quota is active for the instant at.
func (q SubscriptionQuota) Covers(at time.Time) bool {
	return q.Status == QuotaStatusActive && !at.Before(q.PeriodStart) && at.Before(q.PeriodEnd)
}

func remaining(limit, used int64) int64 {
	if used >= limit {
		return 0
	}
	return limit - used
}

// TokenSplit counts input and output tokens separately; the pools never
// share capacity.
type TokenSplit struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

func (t TokenSplit) IsZero() bool { return t.Input == 0 && t.Output == 0 }

func (t TokenSplit) Total() int64 { return t.Input + t.Output }

// ConsumeResult splits a request between quota and metered overflow.
type ConsumeResult struct {
	FromQuota TokenSplit
	Overflow  TokenSplit
	QuotaRef  *snowflake.ID
}
