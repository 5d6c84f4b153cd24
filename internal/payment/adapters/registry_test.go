package adapters

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokenledger/internal/payment/adapters/noop"
	paymentdomain "github.com/smallbiznis/tokenledger/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryResolvesDefault(t *testing.T) {
	registry := NewRegistry(" NOOP ", noop.NewGateway(), nil)

	assert.True(t, registry.ProviderExists("noop"))
	assert.False(t, registry.ProviderExists("stripe"))

	gateway, err := registry.Gateway("")
	require.NoError(t, err)
	assert.Equal(t, noop.Provider, gateway.Provider())

	_, err = registry.Gateway("adyen")
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)
}

func TestNoopGatewayCharges(t *testing.T) {
	gateway := noop.NewGateway()

	result, err := gateway.Charge(context.Background(), paymentdomain.ChargeRequest{
		Amount:         decimal.NewFromInt(5),
		Currency:       "USD",
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "noop_k1", result.ExternalID)

	_, err = gateway.Charge(context.Background(), paymentdomain.ChargeRequest{Amount: decimal.Zero, IdempotencyKey: "k2"})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidCharge)
}

func TestNilRegistry(t *testing.T) {
	var registry *Registry
	assert.False(t, registry.ProviderExists("noop"))
	_, err := registry.Gateway("noop")
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)
}
