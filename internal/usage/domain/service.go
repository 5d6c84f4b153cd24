package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokenledger/internal/billingerr"
	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
	"gorm.io/gorm"
)

type RecordUsageRequest struct {
	InitiatorID    snowflake.ID
	Service        string
	Resource       string
	Provider       string
	Model          string
	InputTokens    int64
	OutputTokens   int64
	IdempotencyKey string
	Metadata       map[string]any
}

type RecordUsageResult struct {
	PayerID        snowflake.ID                  `json:"payer_id"`
	InitiatorID    snowflake.ID                  `json:"initiator_id"`
	Cost           decimal.Decimal               `json:"cost"`
	Currency       string                        `json:"currency"`
	BillingMethod  BillingMethod                 `json:"billing_method"`
	UsageEventID   snowflake.ID                  `json:"usage_event_id"`
	IdempotencyKey string                        `json:"idempotency_key"`
	TransactionID  *snowflake.ID                 `json:"transaction_id,omitempty"`
	FromQuota      subscriptiondomain.TokenSplit `json:"from_quota"`
	Overflow       subscriptiondomain.TokenSplit `json:"overflow"`
	// Replayed is set when the idempotency key had already been billed.
	Replayed bool `json:"replayed"`
}

type ListEventsRequest struct {
	PayerID snowflake.ID
	// Before is an exclusive event id cursor; zero starts from the newest.
	Before snowflake.ID
	Limit  int
}

type Service interface {
	RecordUsage(ctx context.Context, req RecordUsageRequest) (RecordUsageResult, error)
	GetEvent(ctx context.Context, id snowflake.ID) (UsageEvent, error)
	ListEvents(ctx context.Context, req ListEventsRequest) ([]UsageEvent, error)
}

type Repository interface {
	// Insert reports false when an event with the same idempotency key
	// already exists.
	Insert(ctx context.Context, db *gorm.DB, event *UsageEvent) (bool, error)
	FindByKey(ctx context.Context, db *gorm.DB, key string) (*UsageEvent, error)
}

var (
	ErrInvalidInitiator = billingerr.New(billingerr.KindValidation, "invalid_initiator")
	ErrInvalidProvider  = billingerr.New(billingerr.KindValidation, "invalid_provider")
	ErrInvalidTokens    = billingerr.New(billingerr.KindValidation, "invalid_tokens")
	ErrInvalidKey       = billingerr.New(billingerr.KindValidation, "invalid_idempotency_key")
	ErrEventNotFound    = billingerr.New(billingerr.KindEntityNotFound, "usage_event_not_found")
)
