// Package domain is the contract with external payment gateways. The
// ledger only needs to know whether money was taken and under which id.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokenledger/internal/billingerr"
)

// ChargeRequest asks a gateway to take Amount from Method.
type ChargeRequest struct {
	EntityID       snowflake.ID
	Amount         decimal.Decimal
	Currency       string
	Method         string
	Description    string
	IdempotencyKey string
}

// ChargeResult is the gateway's verdict. A declined charge is a result,
// not an error.
type ChargeResult struct {
	Success       bool
	ExternalID    string
	FailureReason string
}

// Gateway charges a payment method. Implementations must not retry.
type Gateway interface {
	Provider() string
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

var (
	ErrProviderNotFound   = errors.New("payment_provider_not_found")
	ErrInvalidConfig      = errors.New("invalid_payment_config")
	ErrInvalidCharge      = billingerr.New(billingerr.KindValidation, "invalid_charge")
	ErrPaymentDeclined    = billingerr.New(billingerr.KindPaymentDeclined, "payment_declined")
	ErrGatewayUnavailable = billingerr.New(billingerr.KindUpstreamUnavailable, "payment_gateway_unavailable")
)
