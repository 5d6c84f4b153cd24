package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokenledger/internal/billingerr"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	"github.com/smallbiznis/tokenledger/internal/dbtest"
	"github.com/smallbiznis/tokenledger/internal/entity/entitytest"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/tokenledger/internal/ledger/service"
	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
	"github.com/smallbiznis/tokenledger/internal/subscription/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type meterFixture struct {
	svc    subscriptiondomain.Service
	ledger ledgerdomain.Service
	db     *gorm.DB
	clock  *clock.FakeClock
}

// slowInsertRepo stalls quota inserts so a unit of work outlives its deadline.
type slowInsertRepo struct {
	subscriptiondomain.Repository
	delay time.Duration
}

func (r slowInsertRepo) InsertQuota(ctx context.Context, db *gorm.DB, quota *subscriptiondomain.SubscriptionQuota) error {
	time.Sleep(r.delay)
	return r.Repository.InsertQuota(ctx, db, quota)
}

func setupMeter(t *testing.T) meterFixture {
	return setupMeterWith(t, nil)
}

func setupMeterWith(t *testing.T, tweak func(*ServiceParam)) meterFixture {
	t.Helper()

	db := dbtest.Open(t,
		&ledgerdomain.Balance{},
		&ledgerdomain.Transaction{},
		&subscriptiondomain.Plan{},
		&subscriptiondomain.SubscriptionQuota{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	cfg := config.Config{
		Ledger: config.LedgerConfig{
			MaxAttempts:     3,
			BackoffBase:     time.Millisecond,
			AttemptTimeout:  5 * time.Second,
			BalanceCacheTTL: time.Minute,
		},
	}

	ledger := ledgerservice.NewService(ledgerservice.ServiceParam{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Config:    cfg,
		Directory: entitytest.NewDirectory(entitytest.SelfPaid(1, "USD"), entitytest.SelfPaid(2, "USD")),
	})
	param := ServiceParam{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clk,
		Config: cfg,
		Ledger: ledger,
	}
	if tweak != nil {
		tweak(&param)
	}
	svc := NewService(param)
	return meterFixture{svc: svc, ledger: ledger, db: db, clock: clk}
}

func (f meterFixture) plan(t *testing.T, price string, input, output int64) subscriptiondomain.Plan {
	t.Helper()
	plan, err := f.svc.CreatePlan(context.Background(), subscriptiondomain.CreatePlanRequest{
		Name:             "Starter " + price,
		Price:            decimal.RequireFromString(price),
		Currency:         "USD",
		InputTokenLimit:  input,
		OutputTokenLimit: output,
		PeriodDays:       30,
	})
	require.NoError(t, err)
	return plan
}

func (f meterFixture) fund(t *testing.T, entityID snowflake.ID, amount string) {
	t.Helper()
	_, err := f.ledger.ApplyDelta(context.Background(), ledgerdomain.ApplyDeltaRequest{
		EntityID: entityID,
		Amount:   decimal.RequireFromString(amount),
		Currency: "USD",
		Type:     ledgerdomain.TransactionTypeTopUp,
	})
	require.NoError(t, err)
}

func countQuotas(t *testing.T, db *gorm.DB, entityID snowflake.ID) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&subscriptiondomain.SubscriptionQuota{}).Where("entity_id = ?", entityID).Count(&n).Error)
	return n
}

func TestConsumeSplitsAtQuotaBoundary(t *testing.T) {
	f := setupMeter(t)
	ctx := context.Background()
	plan := f.plan(t, "0", 100, 100)

	sub, err := f.svc.Subscribe(ctx, 1, plan.ID)
	require.NoError(t, err)
	assert.Nil(t, sub.Charge)

	first, err := f.svc.Consume(ctx, 1, 150, 0)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.TokenSplit{Input: 100}, first.FromQuota)
	assert.Equal(t, subscriptiondomain.TokenSplit{Input: 50}, first.Overflow)
	require.NotNil(t, first.QuotaRef)
	assert.Equal(t, sub.Quota.ID, *first.QuotaRef)

	quota, err := f.svc.ActiveQuota(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, quota.InputLimit, quota.InputUsed)
	assert.Equal(t, int64(0), quota.RemainingInput())

	second, err := f.svc.Consume(ctx, 1, 1, 0)
	require.NoError(t, err)
	assert.True(t, second.FromQuota.IsZero())
	assert.Equal(t, subscriptiondomain.TokenSplit{Input: 1}, second.Overflow)
	require.NotNil(t, second.QuotaRef)
}

func TestConsumePoolsAreIndependent(t *testing.T) {
	f := setupMeter(t)
	ctx := context.Background()
	plan := f.plan(t, "0", 10, 1000)

	_, err := f.svc.Subscribe(ctx, 1, plan.ID)
	require.NoError(t, err)

	result, err := f.svc.Consume(ctx, 1, 25, 400)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.TokenSplit{Input: 10, Output: 400}, result.FromQuota)
	assert.Equal(t, subscriptiondomain.TokenSplit{Input: 15}, result.Overflow)

	quota, err := f.svc.ActiveQuota(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), quota.InputUsed)
	assert.Equal(t, int64(400), quota.OutputUsed)
}

func TestConsumeWithoutQuotaIsAllOverflow(t *testing.T) {
	f := setupMeter(t)

	result, err := f.svc.Consume(context.Background(), 1, 1000, 500)
	require.NoError(t, err)
	assert.True(t, result.FromQuota.IsZero())
	assert.Equal(t, subscriptiondomain.TokenSplit{Input: 1000, Output: 500}, result.Overflow)
	assert.Nil(t, result.QuotaRef)
}

func TestConsumeRejectsNegativeTokens(t *testing.T) {
	f := setupMeter(t)

	_, err := f.svc.Consume(context.Background(), 1, -1, 0)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTokens)
	assert.True(t, billingerr.IsKind(err, billingerr.KindValidation))
}

func TestSubscribeChargesPlanPrice(t *testing.T) {
	f := setupMeter(t)
	ctx := context.Background()
	plan := f.plan(t, "9.99", 1000, 1000)
	f.fund(t, 1, "20")

	result, err := f.svc.Subscribe(ctx, 1, plan.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Charge)
	assert.Equal(t, ledgerdomain.TransactionTypeSubscription, result.Charge.Type)
	assert.Equal(t, ledgerdomain.DirectionDebit, result.Charge.Direction)
	assert.True(t, result.Charge.Amount.Equal(decimal.RequireFromString("9.99")))
	require.NotNil(t, result.Charge.ExternalRef)
	assert.Equal(t, "subscription:"+result.Quota.ID.String(), *result.Charge.ExternalRef)
	assert.Equal(t, result.Quota.PeriodStart.Add(30*24*time.Hour), result.Quota.PeriodEnd)

	balance, err := f.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.True(t, balance.Amount.Equal(decimal.RequireFromString("10.01")))
}

func TestSubscribeRollsBackWhenChargeIsDenied(t *testing.T) {
	f := setupMeter(t)
	ctx := context.Background()
	plan := f.plan(t, "9.99", 1000, 1000)

	_, err := f.svc.Subscribe(ctx, 2, plan.ID)
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientFunds)
	assert.Equal(t, int64(0), countQuotas(t, f.db, 2))

	_, err = f.svc.ActiveQuota(ctx, 2)
	assert.ErrorIs(t, err, subscriptiondomain.ErrNoActiveQuota)
}

func TestSubscribeRejectsSecondActiveQuota(t *testing.T) {
	f := setupMeter(t)
	ctx := context.Background()
	plan := f.plan(t, "0", 100, 100)

	_, err := f.svc.Subscribe(ctx, 1, plan.ID)
	require.NoError(t, err)

	_, err = f.svc.Subscribe(ctx, 1, plan.ID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrAlreadySubscribed)
	assert.Equal(t, int64(1), countQuotas(t, f.db, 1))
}

func TestConcurrentFreeSubscribesOpenOneQuota(t *testing.T) {
	f := setupMeter(t)
	ctx := context.Background()
	plan := f.plan(t, "0", 100, 100)
	_, err := f.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)

	const callers = 4
	var (
		wg   sync.WaitGroup
		errs = make(chan error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Subscribe(ctx, 1, plan.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, subscriptiondomain.ErrAlreadySubscribed)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(1), countQuotas(t, f.db, 1))
}

func TestSubscribeAttemptTimeoutRollsBack(t *testing.T) {
	f := setupMeterWith(t, func(p *ServiceParam) {
		p.Config.Ledger.AttemptTimeout = 20 * time.Millisecond
		p.Repo = slowInsertRepo{Repository: repository.Provide(), delay: 60 * time.Millisecond}
	})
	ctx := context.Background()
	plan := f.plan(t, "5", 100, 100)
	f.fund(t, 1, "20")

	_, err := f.svc.Subscribe(ctx, 1, plan.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), err.Error())
	assert.Equal(t, int64(0), countQuotas(t, f.db, 1))

	balance, err := f.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.True(t, balance.Amount.Equal(decimal.RequireFromString("20")), balance.Amount.String())
}

func TestSubscribeUnknownPlan(t *testing.T) {
	f := setupMeter(t)

	_, err := f.svc.Subscribe(context.Background(), 1, 42)
	assert.ErrorIs(t, err, subscriptiondomain.ErrPlanNotFound)
	assert.True(t, billingerr.IsKind(err, billingerr.KindEntityNotFound))
}

func TestCancelStopsQuotaCoverage(t *testing.T) {
	f := setupMeter(t)
	ctx := context.Background()
	plan := f.plan(t, "0", 100, 100)

	_, err := f.svc.Subscribe(ctx, 1, plan.ID)
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.QuotaStatusCancelled, cancelled.Status)

	result, err := f.svc.Consume(ctx, 1, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.TokenSplit{Input: 10, Output: 10}, result.Overflow)

	_, err = f.svc.Cancel(ctx, 1)
	assert.ErrorIs(t, err, subscriptiondomain.ErrNoActiveQuota)

	_, err = f.svc.Renew(ctx, 1)
	assert.ErrorIs(t, err, subscriptiondomain.ErrNoSubscription)
}

func TestExpireDueAndRenew(t *testing.T) {
	f := setupMeter(t)
	ctx := context.Background()
	plan := f.plan(t, "5", 100, 100)
	f.fund(t, 1, "20")

	first, err := f.svc.Subscribe(ctx, 1, plan.ID)
	require.NoError(t, err)

	f.clock.Advance(31 * 24 * time.Hour)
	result, err := f.svc.Consume(ctx, 1, 10, 0)
	require.NoError(t, err)
	assert.Nil(t, result.QuotaRef)

	expired, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	renewed, err := f.svc.Renew(ctx, 1)
	require.NoError(t, err)
	assert.NotEqual(t, first.Quota.ID, renewed.Quota.ID)
	assert.Equal(t, first.Quota.SubscriptionID, renewed.Quota.SubscriptionID)
	assert.Equal(t, f.clock.Now(), renewed.Quota.PeriodStart)
	assert.Equal(t, int64(0), renewed.Quota.InputUsed)
	require.NotNil(t, renewed.Charge)

	balance, err := f.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.True(t, balance.Amount.Equal(decimal.NewFromInt(10)))

	_, err = f.svc.Renew(ctx, 1)
	require.NoError(t, err, "renewing an active period queues the next one")
	_, err = f.svc.Renew(ctx, 1)
	assert.ErrorIs(t, err, subscriptiondomain.ErrAlreadySubscribed)
}

func TestCreatePlanNormalizesCode(t *testing.T) {
	f := setupMeter(t)
	ctx := context.Background()

	plan, err := f.svc.CreatePlan(ctx, subscriptiondomain.CreatePlanRequest{
		Name:             "Pro Monthly",
		Price:            decimal.NewFromInt(20),
		Currency:         "usd",
		InputTokenLimit:  1_000_000,
		OutputTokenLimit: 500_000,
		PeriodDays:       30,
	})
	require.NoError(t, err)
	assert.Equal(t, "pro-monthly", plan.Code)
	assert.Equal(t, "USD", plan.Currency)

	found, err := f.svc.GetPlanByCode(ctx, "Pro Monthly")
	require.NoError(t, err)
	assert.Equal(t, plan.ID, found.ID)

	_, err = f.svc.CreatePlan(ctx, subscriptiondomain.CreatePlanRequest{
		Code:       "pro-monthly",
		Name:       "Duplicate",
		Currency:   "USD",
		PeriodDays: 30,
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidPlan)

	_, err = f.svc.CreatePlan(ctx, subscriptiondomain.CreatePlanRequest{Name: "Broken", Currency: "USD"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidPlan)
}
