package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokenledger/internal/billingerr"
	"gorm.io/gorm"
)

// ApplyDeltaRequest describes one signed balance mutation. A non-empty
// IdempotencyRef makes the mutation apply at most once.
type ApplyDeltaRequest struct {
	EntityID       snowflake.ID
	Amount         decimal.Decimal
	Currency       string
	Description    string
	Type           TransactionType
	InitiatorID    *snowflake.ID
	IdempotencyRef string
	Metadata       map[string]any
}

type ApplyDeltaResult struct {
	Balance     Balance
	Transaction Transaction
	// Replayed is set when the idempotency ref had already been applied.
	Replayed bool
}

// FailedTransactionRequest records an attempt that never reached the balance,
// such as a declined gateway charge.
type FailedTransactionRequest struct {
	EntityID    snowflake.ID
	Amount      decimal.Decimal
	Direction   Direction
	Currency    string
	Description string
	Type        TransactionType
	InitiatorID *snowflake.ID
	ExternalRef string
	Reason      string
	Metadata    map[string]any
}

type Service interface {
	// ApplyDelta mutates a balance in its own transaction, retrying version
	// conflicts with linear backoff.
	ApplyDelta(ctx context.Context, req ApplyDeltaRequest) (ApplyDeltaResult, error)
	// ApplyDeltaTx makes a single attempt inside tx. The balance row must
	// already exist. Callers retry ErrVersionConflict with their whole unit
	// of work and call AfterCommit once tx commits.
	ApplyDeltaTx(ctx context.Context, tx *gorm.DB, req ApplyDeltaRequest) (ApplyDeltaResult, error)
	AfterCommit(ctx context.Context, result ApplyDeltaResult)

	GetBalance(ctx context.Context, entityID snowflake.ID) (Balance, error)
	SetCreditLimit(ctx context.Context, entityID snowflake.ID, limit decimal.Decimal) (Balance, error)
	RecordFailed(ctx context.Context, req FailedTransactionRequest) (Transaction, error)
	GetTransactionByRef(ctx context.Context, ref string) (Transaction, error)
}

type Repository interface {
	FindBalance(ctx context.Context, db *gorm.DB, entityID snowflake.ID) (*Balance, error)
	InsertBalance(ctx context.Context, db *gorm.DB, balance *Balance) error
	UpdateBalance(ctx context.Context, db *gorm.DB, entityID snowflake.ID, amount decimal.Decimal, expectedVersion int64, at time.Time) (int64, error)
	UpdateCreditLimit(ctx context.Context, db *gorm.DB, entityID snowflake.ID, limit decimal.Decimal, expectedVersion int64, at time.Time) (int64, error)
	InsertTransaction(ctx context.Context, db *gorm.DB, txn *Transaction) error
	FindTransactionByRef(ctx context.Context, db *gorm.DB, ref string) (*Transaction, error)
}

var (
	ErrInvalidEntity          = billingerr.New(billingerr.KindValidation, "invalid_entity")
	ErrInvalidAmount          = billingerr.New(billingerr.KindValidation, "invalid_amount")
	ErrInvalidCurrency        = billingerr.New(billingerr.KindValidation, "invalid_currency")
	ErrInvalidTransactionType = billingerr.New(billingerr.KindValidation, "invalid_transaction_type")
	ErrInvalidCreditLimit     = billingerr.New(billingerr.KindValidation, "invalid_credit_limit")
	ErrCurrencyMismatch       = billingerr.New(billingerr.KindValidation, "currency_mismatch")
	ErrIdempotencyRefConflict = billingerr.New(billingerr.KindValidation, "idempotency_ref_conflict")
	ErrCreditLimitViolated    = billingerr.New(billingerr.KindValidation, "credit_limit_violated")
	ErrInsufficientFunds      = billingerr.New(billingerr.KindInsufficientFunds, "insufficient_funds")
	ErrBalanceNotFound        = billingerr.New(billingerr.KindEntityNotFound, "balance_not_found")
	ErrTransactionNotFound    = billingerr.New(billingerr.KindEntityNotFound, "transaction_not_found")
	ErrVersionConflict        = billingerr.New(billingerr.KindTransientConflict, "balance_version_conflict")
	ErrRetryExhausted         = billingerr.New(billingerr.KindRetryExhausted, "ledger_retry_exhausted")
)
