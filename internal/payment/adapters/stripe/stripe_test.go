package stripe

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokenledger/internal/billingerr"
	paymentdomain "github.com/smallbiznis/tokenledger/internal/payment/domain"
	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type intentStub struct {
	intent *stripe.PaymentIntent
	err    error
	params *stripe.PaymentIntentParams
}

func (s *intentStub) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.params = params
	return s.intent, s.err
}

func chargeRequest() paymentdomain.ChargeRequest {
	return paymentdomain.ChargeRequest{
		EntityID:       7,
		Amount:         decimal.RequireFromString("25.50"),
		Currency:       "usd",
		Method:         "pm_card_visa",
		IdempotencyKey: "topup-1",
	}
}

func TestChargeSucceeded(t *testing.T) {
	stub := &intentStub{intent: &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusSucceeded}}
	gateway := newGateway(stub, nil)

	result, err := gateway.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "pi_1", result.ExternalID)

	require.NotNil(t, stub.params)
	assert.Equal(t, int64(2550), *stub.params.Amount)
	assert.Equal(t, "usd", *stub.params.Currency)
	require.NotNil(t, stub.params.IdempotencyKey)
	assert.Equal(t, "topup-1", *stub.params.IdempotencyKey)
	assert.Equal(t, "7", stub.params.Metadata["entity_id"])
}

func TestChargeCardDeclined(t *testing.T) {
	stub := &intentStub{err: &stripe.Error{
		Type:          stripe.ErrorTypeCard,
		DeclineCode:   "insufficient_funds",
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_2"},
	}}
	gateway := newGateway(stub, nil)

	result, err := gateway.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "pi_2", result.ExternalID)
	assert.Equal(t, "insufficient_funds", result.FailureReason)
}

func TestChargeRequiresAction(t *testing.T) {
	stub := &intentStub{intent: &stripe.PaymentIntent{ID: "pi_3", Status: stripe.PaymentIntentStatusRequiresAction}}
	gateway := newGateway(stub, nil)

	result, err := gateway.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "requires_action", result.FailureReason)
}

func TestChargeTransportFailure(t *testing.T) {
	stub := &intentStub{err: errors.New("connection reset")}
	gateway := newGateway(stub, nil)

	_, err := gateway.Charge(context.Background(), chargeRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, paymentdomain.ErrGatewayUnavailable)
	assert.True(t, billingerr.IsKind(err, billingerr.KindUpstreamUnavailable))
}

func TestMinorUnits(t *testing.T) {
	amount, err := MinorUnits(decimal.RequireFromString("10.5"), "EUR")
	require.NoError(t, err)
	assert.Equal(t, int64(1050), amount)

	amount, err = MinorUnits(decimal.NewFromInt(500), "jpy")
	require.NoError(t, err)
	assert.Equal(t, int64(500), amount)

	_, err = MinorUnits(decimal.RequireFromString("0.001"), "USD")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidCharge)

	_, err = MinorUnits(decimal.Zero, "USD")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidCharge)
}

func TestNewGatewayRequiresKey(t *testing.T) {
	_, err := NewGateway(" ", nil)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)
}
