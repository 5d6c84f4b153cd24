package service

import (
	"context"
	"fmt"

	"github.com/smallbiznis/tokenledger/internal/config"
	entitydomain "github.com/smallbiznis/tokenledger/internal/entity/domain"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	referraldomain "github.com/smallbiznis/tokenledger/internal/referral/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const bonusPrecision = 10

type ServiceParam struct {
	fx.In

	Log        *zap.Logger
	Config     config.Config
	Directory  entitydomain.Directory
	Ledger     ledgerdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	directory  entitydomain.Directory
	ledger     ledgerdomain.Service
	policy     referraldomain.Policy
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) referraldomain.Service {
	return &Service{
		log:       p.Log.Named("referral.service"),
		directory: p.Directory,
		ledger:    p.Ledger,
		policy: referraldomain.Policy{
			InputShare:  p.Config.Referral.InputShare,
			OutputShare: p.Config.Referral.OutputShare,
		},
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Process(ctx context.Context, req referraldomain.ProcessRequest) (*ledgerdomain.Transaction, error) {
	if req.PayerID == 0 || req.TransactionID == 0 {
		return nil, referraldomain.ErrInvalidRequest
	}
	if req.InputTokens < 0 || req.OutputTokens < 0 {
		return nil, referraldomain.ErrInvalidRequest
	}

	payer, err := s.directory.GetEntity(ctx, req.PayerID)
	if err != nil {
		return nil, err
	}
	if payer.ReferrerID == nil || *payer.ReferrerID == 0 {
		s.obsMetrics.RecordReferralBonus(ctx, "no_referrer")
		return nil, nil
	}
	if *payer.ReferrerID == payer.ID {
		s.log.Warn("entity refers itself, skipping bonus",
			zap.String("entity_id", payer.ID.String()),
		)
		s.obsMetrics.RecordReferralBonus(ctx, "self_referral")
		return nil, nil
	}

	bonus := s.policy.Bonus(req).Round(bonusPrecision)
	if !bonus.IsPositive() {
		s.obsMetrics.RecordReferralBonus(ctx, "zero_bonus")
		return nil, nil
	}

	referrerID := *payer.ReferrerID
	result, err := s.ledger.ApplyDelta(ctx, ledgerdomain.ApplyDeltaRequest{
		EntityID:       referrerID,
		Amount:         bonus,
		Currency:       req.Currency,
		Description:    fmt.Sprintf("referral bonus for transaction %s", req.TransactionID),
		Type:           ledgerdomain.TransactionTypeReferralBonus,
		InitiatorID:    &req.PayerID,
		IdempotencyRef: "referral:" + req.TransactionID.String(),
		Metadata: map[string]any{
			"referred_entity_id": req.PayerID.String(),
			"source_transaction": req.TransactionID.String(),
			"input_tokens":       req.InputTokens,
			"output_tokens":      req.OutputTokens,
		},
	})
	if err != nil {
		s.obsMetrics.RecordReferralBonus(ctx, "failed")
		return nil, fmt.Errorf("credit referral bonus: %w", err)
	}

	if !result.Replayed {
		s.obsMetrics.RecordReferralBonus(ctx, "credited")
		s.log.Info("referral bonus credited",
			zap.String("referrer_id", referrerID.String()),
			zap.String("payer_id", req.PayerID.String()),
			zap.String("amount", bonus.String()),
		)
	}
	txn := result.Transaction
	return &txn, nil
}
