package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/tokenledger/internal/billing/domain"
	"github.com/smallbiznis/tokenledger/internal/billingerr"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	"github.com/smallbiznis/tokenledger/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/tokenledger/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/tokenledger/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const manualRefPrefix = "top_up:"

type ServiceParam struct {
	fx.In

	Log      *zap.Logger
	Ledger   ledgerdomain.Service
	Usage    usagedomain.Service
	Meter    subscriptiondomain.Service
	Gateways *adapters.Registry `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	ledger   ledgerdomain.Service
	usage    usagedomain.Service
	meter    subscriptiondomain.Service
	gateways *adapters.Registry
}

func NewService(p ServiceParam) billingdomain.Service {
	return &Service{
		log:      p.Log.Named("billing.service"),
		ledger:   p.Ledger,
		usage:    p.Usage,
		meter:    p.Meter,
		gateways: p.Gateways,
	}
}

func (s *Service) GetBalance(ctx context.Context, entityID snowflake.ID) (ledgerdomain.Balance, error) {
	return s.ledger.GetBalance(ctx, entityID)
}

func (s *Service) RecordUsage(ctx context.Context, req usagedomain.RecordUsageRequest) (usagedomain.RecordUsageResult, error) {
	return s.usage.RecordUsage(ctx, req)
}

func (s *Service) Subscribe(ctx context.Context, entityID, planID snowflake.ID) (subscriptiondomain.SubscribeResult, error) {
	return s.meter.Subscribe(ctx, entityID, planID)
}

// TopUp credits the entity once per idempotency key. A declined charge is
// recorded as a FAILED transaction and the balance is left alone.
func (s *Service) TopUp(ctx context.Context, req billingdomain.TopUpRequest) (billingdomain.TopUpResult, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.PaymentMethod = strings.TrimSpace(req.PaymentMethod)
	if req.EntityID == 0 || !req.Amount.IsPositive() || req.IdempotencyKey == "" {
		return billingdomain.TopUpResult{}, billingdomain.ErrInvalidTopUp
	}

	balance, err := s.ledger.GetBalance(ctx, req.EntityID)
	if err != nil {
		return billingdomain.TopUpResult{}, err
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = balance.Currency
	}
	// Nothing is charged that the balance could not take.
	if currency != balance.Currency {
		return billingdomain.TopUpResult{}, ledgerdomain.ErrCurrencyMismatch
	}
	description := req.Description
	if description == "" {
		description = "Account top-up"
	}

	delta := ledgerdomain.ApplyDeltaRequest{
		EntityID:    req.EntityID,
		Amount:      req.Amount,
		Currency:    currency,
		Description: description,
		Type:        ledgerdomain.TransactionTypeTopUp,
		InitiatorID: req.InitiatorID,
		Metadata:    map[string]any{"idempotency_key": req.IdempotencyKey},
	}

	if req.PaymentMethod == "" {
		delta.IdempotencyRef = manualRefPrefix + req.IdempotencyKey
		delta.Metadata["source"] = "manual"
		return s.credit(ctx, delta)
	}

	gateway, err := s.gateways.Gateway(req.Gateway)
	if err != nil {
		return billingdomain.TopUpResult{}, err
	}
	charge, err := gateway.Charge(ctx, paymentdomain.ChargeRequest{
		EntityID:       req.EntityID,
		Amount:         req.Amount,
		Currency:       currency,
		Method:         req.PaymentMethod,
		Description:    description,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return billingdomain.TopUpResult{}, fmt.Errorf("charge %s: %w", gateway.Provider(), err)
	}

	if !charge.Success {
		ref := charge.ExternalID
		if ref == "" {
			ref = manualRefPrefix + req.IdempotencyKey
		}
		if _, err := s.ledger.RecordFailed(ctx, ledgerdomain.FailedTransactionRequest{
			EntityID:    req.EntityID,
			Amount:      req.Amount,
			Direction:   ledgerdomain.DirectionCredit,
			Currency:    currency,
			Description: description,
			Type:        ledgerdomain.TransactionTypeTopUp,
			InitiatorID: req.InitiatorID,
			ExternalRef: ref,
			Reason:      charge.FailureReason,
			Metadata:    map[string]any{"gateway": gateway.Provider(), "idempotency_key": req.IdempotencyKey},
		}); err != nil {
			s.log.Error("record failed top-up",
				zap.String("entity_id", req.EntityID.String()),
				zap.Error(err),
			)
		}
		reason := charge.FailureReason
		if reason == "" {
			reason = "declined"
		}
		return billingdomain.TopUpResult{}, billingerr.Wrap(billingdomain.ErrPaymentDeclined, errors.New(reason))
	}

	delta.IdempotencyRef = charge.ExternalID
	delta.Metadata["gateway"] = gateway.Provider()
	return s.credit(ctx, delta)
}

func (s *Service) credit(ctx context.Context, req ledgerdomain.ApplyDeltaRequest) (billingdomain.TopUpResult, error) {
	result, err := s.ledger.ApplyDelta(ctx, req)
	if err != nil {
		return billingdomain.TopUpResult{}, err
	}
	s.log.Info("top-up credited",
		zap.String("entity_id", req.EntityID.String()),
		zap.String("amount", req.Amount.String()),
		zap.String("ref", req.IdempotencyRef),
		zap.Bool("replayed", result.Replayed),
	)
	return billingdomain.TopUpResult{
		Balance:     result.Balance,
		Transaction: result.Transaction,
		Replayed:    result.Replayed,
	}, nil
}
