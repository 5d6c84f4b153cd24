package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

const quotaColumns = `id, subscription_id, entity_id, plan_id, period_start, period_end,
	 input_limit, output_limit, input_used, output_used, status, created_at, updated_at`

const planColumns = `id, code, name, price, currency, input_token_limit, output_token_limit,
	 period_days, active, created_at, updated_at`

func (r *repo) InsertPlan(ctx context.Context, db *gorm.DB, plan *subscriptiondomain.Plan) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscription_plans (`+planColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID,
		plan.Code,
		plan.Name,
		plan.Price,
		plan.Currency,
		plan.InputTokenLimit,
		plan.OutputTokenLimit,
		plan.PeriodDays,
		plan.Active,
		plan.CreatedAt,
		plan.UpdatedAt,
	).Error
}

func (r *repo) FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Plan, error) {
	var plan subscriptiondomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT `+planColumns+` FROM subscription_plans WHERE id = ?`,
		id,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) FindPlanByCode(ctx context.Context, db *gorm.DB, code string) (*subscriptiondomain.Plan, error) {
	var plan subscriptiondomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT `+planColumns+` FROM subscription_plans WHERE code = ?`,
		code,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) InsertQuota(ctx context.Context, db *gorm.DB, quota *subscriptiondomain.SubscriptionQuota) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscription_quotas (`+quotaColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		quota.ID,
		quota.SubscriptionID,
		quota.EntityID,
		quota.PlanID,
		quota.PeriodStart,
		quota.PeriodEnd,
		quota.InputLimit,
		quota.OutputLimit,
		quota.InputUsed,
		quota.OutputUsed,
		quota.Status,
		quota.CreatedAt,
		quota.UpdatedAt,
	).Error
}

// FindActiveQuota returns the ACTIVE quota whose period covers at.
func (r *repo) FindActiveQuota(ctx context.Context, db *gorm.DB, entityID snowflake.ID, at time.Time) (*subscriptiondomain.SubscriptionQuota, error) {
	var quota subscriptiondomain.SubscriptionQuota
	err := db.WithContext(ctx).Raw(
		`SELECT `+quotaColumns+`
		 FROM subscription_quotas
		 WHERE entity_id = ? AND status = ? AND period_start <= ? AND period_end > ?
		 ORDER BY period_start DESC
		 LIMIT 1`,
		entityID,
		subscriptiondomain.QuotaStatusActive,
		at,
		at,
	).Scan(&quota).Error
	if err != nil {
		return nil, err
	}
	if quota.ID == 0 {
		return nil, nil
	}
	return &quota, nil
}

func (r *repo) FindLatestQuota(ctx context.Context, db *gorm.DB, entityID snowflake.ID) (*subscriptiondomain.SubscriptionQuota, error) {
	var quota subscriptiondomain.SubscriptionQuota
	err := db.WithContext(ctx).Raw(
		`SELECT `+quotaColumns+`
		 FROM subscription_quotas
		 WHERE entity_id = ?
		 ORDER BY period_start DESC, id DESC
		 LIMIT 1`,
		entityID,
	).Scan(&quota).Error
	if err != nil {
		return nil, err
	}
	if quota.ID == 0 {
		return nil, nil
	}
	return &quota, nil
}

// IncrementUsage adds to both counters only if neither would pass its
// limit. Zero rows means another consumer got there first.
func (r *repo) IncrementUsage(ctx context.Context, db *gorm.DB, quotaID snowflake.ID, inputTokens, outputTokens int64, at time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscription_quotas
		 SET input_used = input_used + ?,
		     output_used = output_used + ?,
		     updated_at = ?
		 WHERE id = ?
		   AND status = ?
		   AND input_used + ? <= input_limit
		   AND output_used + ? <= output_limit`,
		inputTokens,
		outputTokens,
		at,
		quotaID,
		subscriptiondomain.QuotaStatusActive,
		inputTokens,
		outputTokens,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, quotaID snowflake.ID, from, to subscriptiondomain.QuotaStatus, at time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscription_quotas SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to,
		at,
		quotaID,
		from,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) ExpireEnded(ctx context.Context, db *gorm.DB, at time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscription_quotas SET status = ?, updated_at = ? WHERE status = ? AND period_end <= ?`,
		subscriptiondomain.QuotaStatusExpired,
		at,
		subscriptiondomain.QuotaStatusActive,
		at,
	)
	return result.RowsAffected, result.Error
}

// LockEntity selects the balance row FOR UPDATE. Dialects without row locks
// (sqlite) drop the clause and rely on their database-wide write lock.
func (r *repo) LockEntity(ctx context.Context, db *gorm.DB, entityID snowflake.ID) error {
	var ids []int64
	return db.WithContext(ctx).
		Table("balances").
		Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("entity_id = ?", entityID).
		Pluck("entity_id", &ids).Error
}
