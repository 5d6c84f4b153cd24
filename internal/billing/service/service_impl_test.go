package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokenledger/internal/billingerr"
	billingdomain "github.com/smallbiznis/tokenledger/internal/billing/domain"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	"github.com/smallbiznis/tokenledger/internal/dbtest"
	"github.com/smallbiznis/tokenledger/internal/entity/entitytest"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/tokenledger/internal/ledger/service"
	"github.com/smallbiznis/tokenledger/internal/payment/adapters"
	"github.com/smallbiznis/tokenledger/internal/payment/adapters/noop"
	paymentdomain "github.com/smallbiznis/tokenledger/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
	subscriptionservice "github.com/smallbiznis/tokenledger/internal/subscription/service"
	usagedomain "github.com/smallbiznis/tokenledger/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type gatewayStub struct {
	result paymentdomain.ChargeResult
	err    error
	calls  int
}

func (g *gatewayStub) Provider() string { return "stub" }

func (g *gatewayStub) Charge(context.Context, paymentdomain.ChargeRequest) (paymentdomain.ChargeResult, error) {
	g.calls++
	return g.result, g.err
}

type usageMock struct {
	mock.Mock
}

func (m *usageMock) RecordUsage(ctx context.Context, req usagedomain.RecordUsageRequest) (usagedomain.RecordUsageResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(usagedomain.RecordUsageResult), args.Error(1)
}

func (m *usageMock) GetEvent(ctx context.Context, id snowflake.ID) (usagedomain.UsageEvent, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(usagedomain.UsageEvent), args.Error(1)
}

func (m *usageMock) ListEvents(ctx context.Context, req usagedomain.ListEventsRequest) ([]usagedomain.UsageEvent, error) {
	args := m.Called(ctx, req)
	events, _ := args.Get(0).([]usagedomain.UsageEvent)
	return events, args.Error(1)
}

type billingFixture struct {
	svc    billingdomain.Service
	ledger ledgerdomain.Service
	meter  subscriptiondomain.Service
	usage  *usageMock
	stub   *gatewayStub
}

func setupBilling(t *testing.T) billingFixture {
	t.Helper()

	db := dbtest.Open(t,
		&ledgerdomain.Balance{},
		&ledgerdomain.Transaction{},
		&subscriptiondomain.Plan{},
		&subscriptiondomain.SubscriptionQuota{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Config{
		Ledger: config.LedgerConfig{
			MaxAttempts:     3,
			BackoffBase:     time.Millisecond,
			AttemptTimeout:  5 * time.Second,
			BalanceCacheTTL: time.Minute,
		},
	}
	log := zap.NewNop()
	dir := entitytest.NewDirectory(entitytest.SelfPaid(1, "USD"))

	ledger := ledgerservice.NewService(ledgerservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk, Config: cfg, Directory: dir,
	})
	meter := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk, Config: cfg, Ledger: ledger,
	})
	stub := &gatewayStub{}
	usage := &usageMock{}

	svc := NewService(ServiceParam{
		Log:      log,
		Ledger:   ledger,
		Usage:    usage,
		Meter:    meter,
		Gateways: adapters.NewRegistry(noop.Provider, noop.NewGateway(), stub),
	})
	return billingFixture{svc: svc, ledger: ledger, meter: meter, usage: usage, stub: stub}
}

func TestTopUpManualCreditIsIdempotent(t *testing.T) {
	f := setupBilling(t)
	ctx := context.Background()
	req := billingdomain.TopUpRequest{
		EntityID:       1,
		Amount:         decimal.NewFromInt(10),
		IdempotencyKey: "grant-1",
	}

	first, err := f.svc.TopUp(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.True(t, first.Balance.Amount.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "USD", first.Transaction.Currency)
	require.NotNil(t, first.Transaction.ExternalRef)
	assert.Equal(t, "top_up:grant-1", *first.Transaction.ExternalRef)

	second, err := f.svc.TopUp(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	balance, err := f.svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.True(t, balance.Amount.Equal(decimal.NewFromInt(10)))
}

func TestTopUpThroughDefaultGateway(t *testing.T) {
	f := setupBilling(t)

	result, err := f.svc.TopUp(context.Background(), billingdomain.TopUpRequest{
		EntityID:       1,
		Amount:         decimal.RequireFromString("25.50"),
		PaymentMethod:  "pm_card",
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Transaction.ExternalRef)
	assert.Equal(t, "noop_k1", *result.Transaction.ExternalRef)
	assert.Equal(t, ledgerdomain.TransactionTypeTopUp, result.Transaction.Type)
	assert.Equal(t, ledgerdomain.TransactionStatusCompleted, result.Transaction.Status)
	assert.True(t, result.Balance.Amount.Equal(decimal.RequireFromString("25.50")))
}

func TestTopUpDeclinedRecordsFailedTransaction(t *testing.T) {
	f := setupBilling(t)
	ctx := context.Background()
	f.stub.result = paymentdomain.ChargeResult{ExternalID: "pi_declined", FailureReason: "card_declined"}

	_, err := f.svc.TopUp(ctx, billingdomain.TopUpRequest{
		EntityID:       1,
		Amount:         decimal.NewFromInt(5),
		PaymentMethod:  "pm_card",
		Gateway:        "stub",
		IdempotencyKey: "k2",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, billingdomain.ErrPaymentDeclined)
	assert.True(t, billingerr.IsKind(err, billingerr.KindPaymentDeclined))
	assert.Contains(t, err.Error(), "card_declined")

	txn, err := f.ledger.GetTransactionByRef(ctx, "pi_declined")
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.TransactionStatusFailed, txn.Status)
	assert.Equal(t, "card_declined", txn.Metadata["failure_reason"])

	balance, err := f.svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.True(t, balance.Amount.IsZero())
}

func TestTopUpGatewayErrorLeavesBalance(t *testing.T) {
	f := setupBilling(t)
	ctx := context.Background()
	f.stub.err = paymentdomain.ErrGatewayUnavailable

	_, err := f.svc.TopUp(ctx, billingdomain.TopUpRequest{
		EntityID:       1,
		Amount:         decimal.NewFromInt(5),
		PaymentMethod:  "pm_card",
		Gateway:        "stub",
		IdempotencyKey: "k3",
	})
	require.Error(t, err)
	assert.True(t, billingerr.IsRetryable(err))
	assert.Equal(t, 1, f.stub.calls)

	balance, err := f.svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.True(t, balance.Amount.IsZero())
}

func TestTopUpCurrencyMismatchChargesNothing(t *testing.T) {
	f := setupBilling(t)
	ctx := context.Background()
	f.stub.result = paymentdomain.ChargeResult{Success: true, ExternalID: "pi_eur"}

	_, err := f.svc.TopUp(ctx, billingdomain.TopUpRequest{
		EntityID:       1,
		Amount:         decimal.NewFromInt(25),
		Currency:       "eur",
		PaymentMethod:  "pm_card",
		Gateway:        "stub",
		IdempotencyKey: "k4",
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrCurrencyMismatch)
	assert.True(t, billingerr.IsKind(err, billingerr.KindValidation))
	assert.Equal(t, 0, f.stub.calls)

	_, err = f.ledger.GetTransactionByRef(ctx, "pi_eur")
	assert.ErrorIs(t, err, ledgerdomain.ErrTransactionNotFound)

	balance, err := f.svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.True(t, balance.Amount.IsZero())
	assert.Equal(t, "USD", balance.Currency)
}

func TestTopUpValidation(t *testing.T) {
	f := setupBilling(t)
	ctx := context.Background()

	_, err := f.svc.TopUp(ctx, billingdomain.TopUpRequest{EntityID: 1, Amount: decimal.Zero, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, billingdomain.ErrInvalidTopUp)

	_, err = f.svc.TopUp(ctx, billingdomain.TopUpRequest{EntityID: 1, Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, billingdomain.ErrInvalidTopUp)

	_, err = f.svc.TopUp(ctx, billingdomain.TopUpRequest{
		EntityID:       1,
		Amount:         decimal.NewFromInt(1),
		PaymentMethod:  "pm",
		Gateway:        "adyen",
		IdempotencyKey: "k",
	})
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)
}

func TestSubscribeChargesThroughLedger(t *testing.T) {
	f := setupBilling(t)
	ctx := context.Background()

	_, err := f.svc.TopUp(ctx, billingdomain.TopUpRequest{EntityID: 1, Amount: decimal.NewFromInt(20), IdempotencyKey: "seed"})
	require.NoError(t, err)
	plan, err := f.meter.CreatePlan(ctx, subscriptiondomain.CreatePlanRequest{
		Name:             "Starter",
		Price:            decimal.NewFromInt(5),
		Currency:         "USD",
		InputTokenLimit:  1000,
		OutputTokenLimit: 1000,
		PeriodDays:       30,
	})
	require.NoError(t, err)

	result, err := f.svc.Subscribe(ctx, 1, plan.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Charge)
	assert.True(t, result.Charge.Amount.Equal(decimal.NewFromInt(5)))

	balance, err := f.svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.True(t, balance.Amount.Equal(decimal.NewFromInt(15)))
}

func TestRecordUsageDelegates(t *testing.T) {
	f := setupBilling(t)
	ctx := context.Background()
	req := usagedomain.RecordUsageRequest{InitiatorID: 1, Provider: "openai", InputTokens: 10}
	f.usage.On("RecordUsage", ctx, req).Return(usagedomain.RecordUsageResult{PayerID: 1}, nil).Once()

	result, err := f.svc.RecordUsage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(1), result.PayerID)
	f.usage.AssertExpectations(t)

	f.usage.On("RecordUsage", ctx, mock.Anything).Return(usagedomain.RecordUsageResult{}, errors.New("boom")).Once()
	_, err = f.svc.RecordUsage(ctx, usagedomain.RecordUsageRequest{InitiatorID: 2})
	assert.EqualError(t, err, "boom")
}
