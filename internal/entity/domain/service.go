package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokenledger/internal/billingerr"
	"gorm.io/gorm"
)

// Directory is the read side of the identity directory.
type Directory interface {
	GetEntity(ctx context.Context, id snowflake.ID) (Entity, error)
}

type UpsertRequest struct {
	ID          snowflake.ID
	BillingMode BillingMode
	ParentID    *snowflake.ID
	ReferrerID  *snowflake.ID
	Currency    string
	CreditLimit decimal.Decimal
	Active      bool
}

type Service interface {
	Directory
	Upsert(ctx context.Context, req UpsertRequest) (Entity, error)
	Deactivate(ctx context.Context, id snowflake.ID) error
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Entity, error)
	Upsert(ctx context.Context, db *gorm.DB, entity *Entity) error
	SetActive(ctx context.Context, db *gorm.DB, id snowflake.ID, active bool) (int64, error)
}

var (
	ErrEntityNotFound       = billingerr.New(billingerr.KindEntityNotFound, "entity_not_found")
	ErrInvalidEntity        = billingerr.New(billingerr.KindValidation, "invalid_entity")
	ErrInvalidBillingMode   = billingerr.New(billingerr.KindValidation, "invalid_billing_mode")
	ErrInvalidCurrency      = billingerr.New(billingerr.KindValidation, "invalid_currency")
	ErrInvalidCreditLimit   = billingerr.New(billingerr.KindValidation, "invalid_credit_limit")
	ErrSelfReferral         = billingerr.New(billingerr.KindValidation, "self_referral")
	ErrSelfParent           = billingerr.New(billingerr.KindValidation, "self_parent")
	ErrDirectoryUnavailable = billingerr.New(billingerr.KindUpstreamUnavailable, "directory_unavailable")
)
