package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokenledger/internal/billingerr"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	"github.com/smallbiznis/tokenledger/internal/dbtest"
	entitydomain "github.com/smallbiznis/tokenledger/internal/entity/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupEntityService(t *testing.T) entitydomain.Service {
	t.Helper()
	db := dbtest.Open(t, &entitydomain.Entity{})
	return NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
}

func TestUpsertAndGetEntity(t *testing.T) {
	svc := setupEntityService(t)
	ctx := context.Background()
	parent := snowflake.ID(10)

	_, err := svc.Upsert(ctx, entitydomain.UpsertRequest{
		ID:          11,
		BillingMode: "parent_paid",
		ParentID:    &parent,
		Currency:    "usd",
		CreditLimit: decimal.NewFromInt(5),
		Active:      true,
	})
	require.NoError(t, err)

	got, err := svc.GetEntity(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, entitydomain.BillingModeParentPaid, got.BillingMode)
	assert.Equal(t, "USD", got.Currency)
	require.NotNil(t, got.ParentID)
	assert.Equal(t, parent, *got.ParentID)
	assert.True(t, got.HasParent())
	assert.False(t, got.HasReferrer())
	assert.True(t, got.CreditLimit.Equal(decimal.NewFromInt(5)))

	// A second sync switches the entity to self-paid.
	_, err = svc.Upsert(ctx, entitydomain.UpsertRequest{ID: 11, Currency: "USD", Active: true})
	require.NoError(t, err)
	got, err = svc.GetEntity(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, entitydomain.BillingModeSelfPaid, got.BillingMode)
	assert.Nil(t, got.ParentID)
}

func TestUpsertRejectsSelfLinks(t *testing.T) {
	svc := setupEntityService(t)
	ctx := context.Background()
	self := snowflake.ID(7)

	_, err := svc.Upsert(ctx, entitydomain.UpsertRequest{ID: 7, Currency: "USD", ReferrerID: &self})
	assert.ErrorIs(t, err, entitydomain.ErrSelfReferral)
	assert.True(t, billingerr.IsKind(err, billingerr.KindValidation))

	_, err = svc.Upsert(ctx, entitydomain.UpsertRequest{ID: 7, Currency: "USD", ParentID: &self})
	assert.ErrorIs(t, err, entitydomain.ErrSelfParent)
}

func TestUpsertValidatesInput(t *testing.T) {
	svc := setupEntityService(t)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, entitydomain.UpsertRequest{ID: 1, Currency: "dollars"})
	assert.ErrorIs(t, err, entitydomain.ErrInvalidCurrency)

	_, err = svc.Upsert(ctx, entitydomain.UpsertRequest{ID: 1, Currency: "USD", BillingMode: "SPLIT"})
	assert.ErrorIs(t, err, entitydomain.ErrInvalidBillingMode)

	_, err = svc.Upsert(ctx, entitydomain.UpsertRequest{ID: 1, Currency: "USD", CreditLimit: decimal.NewFromInt(-1)})
	assert.ErrorIs(t, err, entitydomain.ErrInvalidCreditLimit)
}

func TestUpsertDefaultsCurrency(t *testing.T) {
	db := dbtest.Open(t, &entitydomain.Entity{})
	svc := NewService(ServiceParam{
		DB:     db,
		Log:    zap.NewNop(),
		Clock:  clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		Config: config.Config{DefaultCurrency: "eur"},
	})

	entity, err := svc.Upsert(context.Background(), entitydomain.UpsertRequest{ID: 3, Active: true})
	require.NoError(t, err)
	assert.Equal(t, "EUR", entity.Currency)
	assert.Equal(t, entitydomain.BillingModeSelfPaid, entity.BillingMode)
}

func TestGetEntityNotFound(t *testing.T) {
	svc := setupEntityService(t)

	_, err := svc.GetEntity(context.Background(), 404)
	assert.ErrorIs(t, err, entitydomain.ErrEntityNotFound)
	assert.Equal(t, billingerr.KindEntityNotFound, billingerr.KindOf(err))
}

func TestDeactivate(t *testing.T) {
	svc := setupEntityService(t)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, entitydomain.UpsertRequest{ID: 3, Currency: "USD", Active: true})
	require.NoError(t, err)
	require.NoError(t, svc.Deactivate(ctx, 3))

	got, err := svc.GetEntity(ctx, 3)
	require.NoError(t, err)
	assert.False(t, got.Active)

	assert.ErrorIs(t, svc.Deactivate(ctx, 99), entitydomain.ErrEntityNotFound)
}
