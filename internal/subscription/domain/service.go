package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokenledger/internal/billingerr"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	"gorm.io/gorm"
)

type CreatePlanRequest struct {
	Code             string
	Name             string
	Price            decimal.Decimal
	Currency         string
	InputTokenLimit  int64
	OutputTokenLimit int64
	PeriodDays       int
}

type SubscribeResult struct {
	Quota SubscriptionQuota
	Plan  Plan
	// Charge is nil for free plans.
	Charge *ledgerdomain.Transaction
}

type Service interface {
	// Consume takes what it can from the active quota and returns the rest
	// as overflow. It never denies for exceeding the quota.
	Consume(ctx context.Context, entityID snowflake.ID, inputTokens, outputTokens int64) (ConsumeResult, error)
	ConsumeTx(ctx context.Context, tx *gorm.DB, entityID snowflake.ID, inputTokens, outputTokens int64) (ConsumeResult, error)

	Subscribe(ctx context.Context, entityID, planID snowflake.ID) (SubscribeResult, error)
	Renew(ctx context.Context, entityID snowflake.ID) (SubscribeResult, error)
	Cancel(ctx context.Context, entityID snowflake.ID) (SubscriptionQuota, error)
	ExpireDue(ctx context.Context) (int64, error)
	ActiveQuota(ctx context.Context, entityID snowflake.ID) (SubscriptionQuota, error)

	CreatePlan(ctx context.Context, req CreatePlanRequest) (Plan, error)
	GetPlan(ctx context.Context, id snowflake.ID) (Plan, error)
	GetPlanByCode(ctx context.Context, code string) (Plan, error)
}

type Repository interface {
	InsertPlan(ctx context.Context, db *gorm.DB, plan *Plan) error
	FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	FindPlanByCode(ctx context.Context, db *gorm.DB, code string) (*Plan, error)

	InsertQuota(ctx context.Context, db *gorm.DB, quota *SubscriptionQuota) error
	FindActiveQuota(ctx context.Context, db *gorm.DB, entityID snowflake.ID, at time.Time) (*SubscriptionQuota, error)
	FindLatestQuota(ctx context.Context, db *gorm.DB, entityID snowflake.ID) (*SubscriptionQuota, error)
	IncrementUsage(ctx context.Context, db *gorm.DB, quotaID snowflake.ID, inputTokens, outputTokens int64, at time.Time) (int64, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, quotaID snowflake.ID, from, to QuotaStatus, at time.Time) (int64, error)
	ExpireEnded(ctx context.Context, db *gorm.DB, at time.Time) (int64, error)
	// LockEntity holds the entity's balance row until db commits.
	LockEntity(ctx context.Context, db *gorm.DB, entityID snowflake.ID) error
}

var (
	ErrInvalidEntity     = billingerr.New(billingerr.KindValidation, "invalid_entity")
	ErrInvalidTokens     = billingerr.New(billingerr.KindValidation, "invalid_tokens")
	ErrInvalidPlan       = billingerr.New(billingerr.KindValidation, "invalid_plan")
	ErrPlanInactive      = billingerr.New(billingerr.KindValidation, "plan_inactive")
	ErrAlreadySubscribed = billingerr.New(billingerr.KindValidation, "already_subscribed")
	ErrPlanNotFound      = billingerr.New(billingerr.KindEntityNotFound, "plan_not_found")
	ErrNoActiveQuota     = billingerr.New(billingerr.KindEntityNotFound, "no_active_quota")
	ErrNoSubscription    = billingerr.New(billingerr.KindEntityNotFound, "no_subscription")
	ErrQuotaContention   = billingerr.New(billingerr.KindTransientConflict, "quota_contention")
)
