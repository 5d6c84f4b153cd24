// Package domain is the boundary the API layer calls into. It composes the
// ledger, usage, subscription and payment services without adding state.
package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokenledger/internal/billingerr"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/tokenledger/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/tokenledger/internal/usage/domain"
)

// TopUpRequest credits an entity. With a PaymentMethod the amount is first
// charged through Gateway (the default gateway when empty); without one the
// credit is manual.
type TopUpRequest struct {
	EntityID       snowflake.ID
	Amount         decimal.Decimal
	Currency       string
	PaymentMethod  string
	Gateway        string
	IdempotencyKey string
	Description    string
	InitiatorID    *snowflake.ID
}

type TopUpResult struct {
	Balance     ledgerdomain.Balance     `json:"balance"`
	Transaction ledgerdomain.Transaction `json:"transaction"`
	Replayed    bool                     `json:"replayed"`
}

type Service interface {
	GetBalance(ctx context.Context, entityID snowflake.ID) (ledgerdomain.Balance, error)
	RecordUsage(ctx context.Context, req usagedomain.RecordUsageRequest) (usagedomain.RecordUsageResult, error)
	TopUp(ctx context.Context, req TopUpRequest) (TopUpResult, error)
	Subscribe(ctx context.Context, entityID, planID snowflake.ID) (subscriptiondomain.SubscribeResult, error)
}

var (
	ErrInvalidTopUp    = billingerr.New(billingerr.KindValidation, "invalid_top_up")
	ErrPaymentDeclined = paymentdomain.ErrPaymentDeclined
)
