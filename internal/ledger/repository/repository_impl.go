package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func (r *repo) FindBalance(ctx context.Context, db *gorm.DB, entityID snowflake.ID) (*ledgerdomain.Balance, error) {
	var balance ledgerdomain.Balance
	err := db.WithContext(ctx).Raw(
		`SELECT entity_id, amount, currency, credit_limit, version, created_at, updated_at
		 FROM balances WHERE entity_id = ?`,
		entityID,
	).Scan(&balance).Error
	if err != nil {
		return nil, err
	}
	if balance.EntityID == 0 {
		return nil, nil
	}
	return &balance, nil
}

// InsertBalance is a no-op when the row already exists.
func (r *repo) InsertBalance(ctx context.Context, db *gorm.DB, balance *ledgerdomain.Balance) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "entity_id"}}, DoNothing: true}).
		Create(balance).Error
}

func (r *repo) UpdateBalance(ctx context.Context, db *gorm.DB, entityID snowflake.ID, amount decimal.Decimal, expectedVersion int64, at time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE balances
		 SET amount = ?, version = version + 1, updated_at = ?
		 WHERE entity_id = ? AND version = ?`,
		amount,
		at,
		entityID,
		expectedVersion,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) UpdateCreditLimit(ctx context.Context, db *gorm.DB, entityID snowflake.ID, limit decimal.Decimal, expectedVersion int64, at time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE balances
		 SET credit_limit = ?, version = version + 1, updated_at = ?
		 WHERE entity_id = ? AND version = ?`,
		limit,
		at,
		entityID,
		expectedVersion,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *ledgerdomain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO ledger_transactions (
			id, entity_id, initiator_id, direction, type, amount, currency, description,
			status, external_ref, metadata, balance_after, created_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.EntityID,
		txn.InitiatorID,
		txn.Direction,
		txn.Type,
		txn.Amount,
		txn.Currency,
		txn.Description,
		txn.Status,
		txn.ExternalRef,
		txn.Metadata,
		txn.BalanceAfter,
		txn.CreatedAt,
		txn.ProcessedAt,
	).Error
}

func (r *repo) FindTransactionByRef(ctx context.Context, db *gorm.DB, ref string) (*ledgerdomain.Transaction, error) {
	var txn ledgerdomain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, entity_id, initiator_id, direction, type, amount, currency, description,
		 status, external_ref, metadata, balance_after, created_at, processed_at
		 FROM ledger_transactions WHERE external_ref = ?`,
		ref,
	).Scan(&txn).Error
	if err != nil {
		return nil, err
	}
	if txn.ID == 0 {
		return nil, nil
	}
	return &txn, nil
}
