package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	entitydomain "github.com/smallbiznis/tokenledger/internal/entity/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() entitydomain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*entitydomain.Entity, error) {
	var entity entitydomain.Entity
	err := db.WithContext(ctx).Raw(
		`SELECT id, billing_mode, parent_id, referrer_id, currency, credit_limit, active, created_at, updated_at
		 FROM billing_entities WHERE id = ?`,
		id,
	).Scan(&entity).Error
	if err != nil {
		return nil, err
	}
	if entity.ID == 0 {
		return nil, nil
	}
	return &entity, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, entity *entitydomain.Entity) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"billing_mode", "parent_id", "referrer_id", "currency", "credit_limit", "active", "updated_at",
		}),
	}).Create(entity).Error
}

func (r *repo) SetActive(ctx context.Context, db *gorm.DB, id snowflake.ID, active bool) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE billing_entities SET active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		active,
		id,
	)
	return result.RowsAffected, result.Error
}
