package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/tokenledger/internal/payment/domain"
	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

const Provider = "stripe"

// zeroDecimal lists currencies Stripe charges in whole units.
var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true,
	"KMF": true, "KRW": true, "MGA": true, "PYG": true, "RWF": true,
	"UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true,
	"XPF": true,
}

// intentCreator is the part of the PaymentIntents client the gateway uses.
type intentCreator interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// Gateway confirms an off-session PaymentIntent per charge.
type Gateway struct {
	intents intentCreator
	log     *zap.Logger
}

func NewGateway(secretKey string, log *zap.Logger) (*Gateway, error) {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	sc := client.New(secretKey, nil)
	return newGateway(sc.PaymentIntents, log), nil
}

func newGateway(intents intentCreator, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{intents: intents, log: log.Named("payment.stripe")}
}

func (g *Gateway) Provider() string { return Provider }

func (g *Gateway) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.ChargeResult, error) {
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	method := strings.TrimSpace(req.Method)
	if method == "" || currency == "" || req.IdempotencyKey == "" {
		return paymentdomain.ChargeResult{}, paymentdomain.ErrInvalidCharge
	}
	amount, err := MinorUnits(req.Amount, currency)
	if err != nil {
		return paymentdomain.ChargeResult{}, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:                stripe.Int64(amount),
		Currency:              stripe.String(strings.ToLower(currency)),
		PaymentMethod:         stripe.String(method),
		Confirm:               stripe.Bool(true),
		OffSession:            stripe.Bool(true),
		ErrorOnRequiresAction: stripe.Bool(true),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("entity_id", req.EntityID.String())

	intent, err := g.intents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			result := paymentdomain.ChargeResult{FailureReason: declineReason(stripeErr)}
			if stripeErr.PaymentIntent != nil {
				result.ExternalID = stripeErr.PaymentIntent.ID
			}
			g.log.Warn("stripe charge declined",
				zap.String("entity_id", req.EntityID.String()),
				zap.String("reason", result.FailureReason),
			)
			return result, nil
		}
		return paymentdomain.ChargeResult{}, fmt.Errorf("stripe: create payment intent: %w",
			errors.Join(paymentdomain.ErrGatewayUnavailable, err))
	}

	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		reason := string(intent.Status)
		if intent.LastPaymentError != nil {
			reason = declineReason(intent.LastPaymentError)
		}
		return paymentdomain.ChargeResult{ExternalID: intent.ID, FailureReason: reason}, nil
	}
	return paymentdomain.ChargeResult{Success: true, ExternalID: intent.ID}, nil
}

// MinorUnits converts amount to the integer unit Stripe expects. Amounts
// finer than the currency's minor unit are rejected.
func MinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	if !amount.IsPositive() {
		return 0, paymentdomain.ErrInvalidCharge
	}
	places := int32(2)
	if zeroDecimal[strings.ToUpper(currency)] {
		places = 0
	}
	scaled := amount.Shift(places)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, paymentdomain.ErrInvalidCharge
	}
	return scaled.IntPart(), nil
}

func declineReason(err *stripe.Error) string {
	switch {
	case err.DeclineCode != "":
		return string(err.DeclineCode)
	case err.Code != "":
		return string(err.Code)
	case err.Msg != "":
		return err.Msg
	default:
		return "card_declined"
	}
}
