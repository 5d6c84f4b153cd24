// Package noop is a gateway that approves every charge without moving
// money. It backs local environments without gateway credentials.
package noop

import (
	"context"

	paymentdomain "github.com/smallbiznis/tokenledger/internal/payment/domain"
)

const Provider = "noop"

type Gateway struct{}

func NewGateway() *Gateway {
	return &Gateway{}
}

func (g *Gateway) Provider() string { return Provider }

func (g *Gateway) Charge(_ context.Context, req paymentdomain.ChargeRequest) (paymentdomain.ChargeResult, error) {
	if !req.Amount.IsPositive() || req.IdempotencyKey == "" {
		return paymentdomain.ChargeResult{}, paymentdomain.ErrInvalidCharge
	}
	return paymentdomain.ChargeResult{
		Success:    true,
		ExternalID: "noop_" + req.IdempotencyKey,
	}, nil
}
