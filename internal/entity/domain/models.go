// Package domain describes the billing view of identity entities.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// BillingMode decides whose balance pays for an entity's usage.
type BillingMode string

const (
	BillingModeSelfPaid   BillingMode = "SELF_PAID"
	BillingModeParentPaid BillingMode = "PARENT_PAID"
)

// Entity is the billing projection of a company or sub-account kept in
// sync by the identity service.
type Entity struct {
	ID          snowflake.ID    `gorm:"primaryKey;autoIncrement:false"`
	BillingMode BillingMode     `gorm:"type:text;not null"`
	ParentID    *snowflake.ID   `gorm:"index"`
	ReferrerID  *snowflake.ID   `gorm:"index"`
	Currency    string          `gorm:"type:text;not null"`
	CreditLimit decimal.Decimal `gorm:"type:numeric(30,12);not null"`
	Active      bool            `gorm:"not null"`
	CreatedAt   time.Time       `gorm:"not null"`
	UpdatedAt   time.Time       `gorm:"not null"`
}

// TableName sets the database table name.
func (Entity) TableName() string { return "billing_entities" }

// HasParent reports whether a distinct parent is linked.
func (e Entity) HasParent() bool {
	return e.ParentID != nil && *e.ParentID != 0 && *e.ParentID != e.ID
}

// HasReferrer reports whether a referrer other than the entity itself is linked.
func (e Entity) HasReferrer() bool {
	return e.ReferrerID != nil && *e.ReferrerID != 0 && *e.ReferrerID != e.ID
}
