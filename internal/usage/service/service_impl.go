package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	"github.com/smallbiznis/tokenledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	payerdomain "github.com/smallbiznis/tokenledger/internal/payer/domain"
	pricingdomain "github.com/smallbiznis/tokenledger/internal/pricing/domain"
	referraldomain "github.com/smallbiznis/tokenledger/internal/referral/domain"
	"github.com/smallbiznis/tokenledger/internal/retry"
	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/tokenledger/internal/usage/domain"
	"github.com/smallbiznis/tokenledger/internal/usage/repository"
	pkgrepository "github.com/smallbiznis/tokenledger/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

var listColumns = map[string]bool{"id": true}

// errEventExists aborts a unit of work whose idempotency key was committed
// by a concurrent call.
var errEventExists = errors.New("usage_event_exists")

// errAttemptTimeout marks a unit of work that ran past its own deadline
// while the caller was still waiting.
var errAttemptTimeout = errors.New("usage_attempt_timeout")

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Payer      payerdomain.Service
	Meter      subscriptiondomain.Service
	Pricing    pricingdomain.Resolver
	Ledger     ledgerdomain.Service
	Referral   referraldomain.Service
	Repo       usagedomain.Repository `optional:"true"`
	ObsMetrics *obsmetrics.Metrics    `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	payer      payerdomain.Service
	meter      subscriptiondomain.Service
	pricing    pricingdomain.Resolver
	ledger     ledgerdomain.Service
	referral   referraldomain.Service
	repo       usagedomain.Repository
	events     pkgrepository.Repository[usagedomain.UsageEvent]
	obsMetrics *obsmetrics.Metrics

	retryPolicy     retry.Policy
	attemptTimeout  time.Duration
	referralTimeout time.Duration
}

func NewService(p ServiceParam) usagedomain.Service {
	repo := p.Repo
	if repo == nil {
		repo = repository.Provide()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("usage.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		payer:      p.Payer,
		meter:      p.Meter,
		pricing:    p.Pricing,
		ledger:     p.Ledger,
		referral:   p.Referral,
		repo:       repo,
		events:     pkgrepository.ProvideStore[usagedomain.UsageEvent](p.DB),
		obsMetrics: p.ObsMetrics,

		retryPolicy: retry.Policy{
			MaxAttempts: p.Config.Ledger.MaxAttempts,
			Base:        p.Config.Ledger.BackoffBase,
		},
		attemptTimeout:  p.Config.Ledger.AttemptTimeout,
		referralTimeout: p.Config.Referral.Timeout,
	}
}

// billed is the outcome of one committed unit of work.
type billed struct {
	event  usagedomain.UsageEvent
	charge ledgerdomain.ApplyDeltaResult
	cost   pricingdomain.CostBreakdown
}

// RecordUsage bills one consumption: quota first, overflow priced and
// debited from the payer, all committed together with the usage event.
func (s *Service) RecordUsage(ctx context.Context, req usagedomain.RecordUsageRequest) (usagedomain.RecordUsageResult, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return usagedomain.RecordUsageResult{}, err
	}
	ctx = logger.ContextWith(ctx, zap.String("idempotency_key", req.IdempotencyKey))

	existing, err := s.repo.FindByKey(ctx, s.db, req.IdempotencyKey)
	if err != nil {
		return usagedomain.RecordUsageResult{}, err
	}
	if existing != nil {
		return s.replayed(ctx, *existing), nil
	}

	resolution, err := s.payer.ResolvePayer(ctx, req.InitiatorID)
	if err != nil {
		return usagedomain.RecordUsageResult{}, err
	}
	balance, err := s.ledger.GetBalance(ctx, resolution.PayerID)
	if err != nil {
		return usagedomain.RecordUsageResult{}, err
	}

	var out billed
	err = retry.Do(ctx, s.retryPolicy, func(ctx context.Context, attempt int) error {
		out = billed{}
		attemptCtx, cancel := s.withAttemptTimeout(ctx)
		defer cancel()

		err := s.db.WithContext(attemptCtx).Transaction(func(tx *gorm.DB) error {
			result, err := s.bill(attemptCtx, tx, req, resolution, balance.Currency)
			if err != nil {
				return err
			}
			out = result
			return nil
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errEventExists):
			return retry.Permanent(err)
		case attemptCtx.Err() != nil && ctx.Err() == nil:
			// The transaction rolled back; the idempotency key makes the
			// next attempt safe even if the commit landed.
			return errors.Join(errAttemptTimeout, err)
		case isConflict(err):
			return err
		default:
			return retry.Permanent(err)
		}
	}, func(attempt int, err error, wait time.Duration) {
		logger.WithContext(ctx, s.log).Warn("usage billing conflicted, retrying",
			zap.String("payer_id", resolution.PayerID.String()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		s.obsMetrics.RecordLedgerRetry(ctx, "record_usage")
	})
	if err != nil {
		if errors.Is(err, errEventExists) {
			stored, findErr := s.repo.FindByKey(ctx, s.db, req.IdempotencyKey)
			if findErr != nil {
				return usagedomain.RecordUsageResult{}, findErr
			}
			if stored != nil {
				return s.replayed(ctx, *stored), nil
			}
		}
		if isConflict(err) {
			logger.WithContext(ctx, s.log).Warn("usage billing retries exhausted",
				zap.String("payer_id", resolution.PayerID.String()),
				zap.Error(err),
			)
			return usagedomain.RecordUsageResult{}, ledgerdomain.ErrRetryExhausted
		}
		return usagedomain.RecordUsageResult{}, err
	}

	if out.charge.Transaction.ID != 0 {
		s.ledger.AfterCommit(ctx, out.charge)
	}
	s.obsMetrics.RecordUsage(ctx, string(out.event.BillingMethod), out.event.Provider)

	if out.event.TransactionID != nil && out.event.Cost.IsPositive() {
		s.awardReferral(ctx, out)
	}

	logger.WithContext(ctx, s.log).Info("usage recorded",
		zap.String("usage_event_id", out.event.ID.String()),
		zap.String("payer_id", out.event.PayerID.String()),
		zap.String("billing_method", string(out.event.BillingMethod)),
		zap.String("cost", out.event.Cost.String()),
	)
	return resultFromEvent(out.event, false), nil
}

func (s *Service) withAttemptTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.attemptTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.attemptTimeout)
}

// isConflict reports whether a failed attempt may succeed when run again.
func isConflict(err error) bool {
	return errors.Is(err, ledgerdomain.ErrVersionConflict) ||
		errors.Is(err, subscriptiondomain.ErrQuotaContention) ||
		errors.Is(err, errAttemptTimeout)
}

// bill is one attempt of the unit of work inside tx.
func (s *Service) bill(
	ctx context.Context,
	tx *gorm.DB,
	req usagedomain.RecordUsageRequest,
	resolution payerdomain.Resolution,
	balanceCurrency string,
) (billed, error) {
	consumed, err := s.meter.ConsumeTx(ctx, tx, resolution.PayerID, req.InputTokens, req.OutputTokens)
	if err != nil {
		return billed{}, err
	}

	now := s.clock.Now()
	event := usagedomain.UsageEvent{
		ID:             s.genID.Generate(),
		IdempotencyKey: req.IdempotencyKey,
		PayerID:        resolution.PayerID,
		InitiatorID:    resolution.InitiatorID,
		Service:        req.Service,
		Resource:       req.Resource,
		Provider:       req.Provider,
		Model:          req.Model,
		Quantity:       req.InputTokens + req.OutputTokens,
		Unit:           usagedomain.UnitTokens,
		InputTokens:    req.InputTokens,
		OutputTokens:   req.OutputTokens,
		QuotaInput:     consumed.FromQuota.Input,
		QuotaOutput:    consumed.FromQuota.Output,
		OverflowInput:  consumed.Overflow.Input,
		OverflowOutput: consumed.Overflow.Output,
		Cost:           decimal.Zero,
		Currency:       balanceCurrency,
		BillingMethod:  usagedomain.MethodFor(consumed.FromQuota.Total(), consumed.Overflow.Total()),
		QuotaRef:       consumed.QuotaRef,
		Metadata:       toJSONMap(req.Metadata),
		RecordedAt:     now,
		CreatedAt:      now,
	}

	var out billed
	if !consumed.Overflow.IsZero() {
		cost, err := s.pricing.Price(pricingdomain.PriceRequest{
			Service:      req.Service,
			Resource:     req.Resource,
			Provider:     req.Provider,
			Model:        req.Model,
			InputTokens:  consumed.Overflow.Input,
			OutputTokens: consumed.Overflow.Output,
		})
		if err != nil {
			return billed{}, err
		}
		out.cost = cost
		event.Cost = cost.Total
		event.Currency = cost.Currency
		event.PolicyVersion = cost.PolicyVersion

		if cost.Total.IsPositive() {
			initiator := resolution.InitiatorID
			charge, err := s.ledger.ApplyDeltaTx(ctx, tx, ledgerdomain.ApplyDeltaRequest{
				EntityID:       resolution.PayerID,
				Amount:         cost.Total.Neg(),
				Currency:       cost.Currency,
				Description:    describe(req),
				Type:           ledgerdomain.TransactionTypeUsage,
				InitiatorID:    &initiator,
				IdempotencyRef: "usage:" + req.IdempotencyKey,
				Metadata: map[string]any{
					"usage_event_id": event.ID.String(),
					"provider":       req.Provider,
					"model":          req.Model,
					"input_tokens":   consumed.Overflow.Input,
					"output_tokens":  consumed.Overflow.Output,
					"billing_method": string(event.BillingMethod),
					"policy_version": cost.PolicyVersion,
					"provider_class": string(cost.ProviderClass),
					"tax":            cost.Tax.String(),
					"discount":       cost.Discount.String(),
				},
			})
			if err != nil {
				return billed{}, err
			}
			if charge.Replayed {
				return billed{}, errEventExists
			}
			txnID := charge.Transaction.ID
			event.TransactionID = &txnID
			out.charge = charge
		}
	}

	inserted, err := s.repo.Insert(ctx, tx, &event)
	if err != nil {
		return billed{}, err
	}
	if !inserted {
		return billed{}, errEventExists
	}
	out.event = event
	return out, nil
}

// awardReferral runs the bonus on a context detached from the caller. Its
// failure never reaches the caller.
func (s *Service) awardReferral(ctx context.Context, out billed) {
	refCtx := context.WithoutCancel(ctx)
	if s.referralTimeout > 0 {
		var cancel context.CancelFunc
		refCtx, cancel = context.WithTimeout(refCtx, s.referralTimeout)
		defer cancel()
	}

	_, err := s.referral.Process(refCtx, referraldomain.ProcessRequest{
		PayerID:       out.event.PayerID,
		TransactionID: *out.event.TransactionID,
		InputTokens:   out.event.OverflowInput,
		OutputTokens:  out.event.OverflowOutput,
		InputRate:     out.cost.InputRate,
		OutputRate:    out.cost.OutputRate,
		Currency:      out.event.Currency,
	})
	if err != nil {
		logger.WithContext(ctx, s.log).Error("referral bonus failed",
			zap.String("payer_id", out.event.PayerID.String()),
			zap.String("transaction_id", out.event.TransactionID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) replayed(ctx context.Context, event usagedomain.UsageEvent) usagedomain.RecordUsageResult {
	logger.WithContext(ctx, s.log).Info("usage replayed",
		zap.String("usage_event_id", event.ID.String()),
	)
	return resultFromEvent(event, true)
}

func (s *Service) GetEvent(ctx context.Context, id snowflake.ID) (usagedomain.UsageEvent, error) {
	if id == 0 {
		return usagedomain.UsageEvent{}, usagedomain.ErrEventNotFound
	}
	event, err := s.events.FindOne(ctx, &usagedomain.UsageEvent{ID: id})
	if err != nil {
		return usagedomain.UsageEvent{}, err
	}
	if event == nil {
		return usagedomain.UsageEvent{}, usagedomain.ErrEventNotFound
	}
	return *event, nil
}

// ListEvents returns a payer's events, newest first.
func (s *Service) ListEvents(ctx context.Context, req usagedomain.ListEventsRequest) ([]usagedomain.UsageEvent, error) {
	if req.PayerID == 0 {
		return nil, usagedomain.ErrInvalidInitiator
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	opts := []pkgrepository.QueryOption{
		pkgrepository.WithOrder("id", true, listColumns),
		pkgrepository.WithLimit(limit),
	}
	if req.Before != 0 {
		opts = append(opts, pkgrepository.WithBefore("id", req.Before, listColumns))
	}
	items, err := s.events.Find(ctx, &usagedomain.UsageEvent{PayerID: req.PayerID}, opts...)
	if err != nil {
		return nil, err
	}

	events := make([]usagedomain.UsageEvent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		events = append(events, *item)
	}
	return events, nil
}

func normalizeRequest(req usagedomain.RecordUsageRequest) (usagedomain.RecordUsageRequest, error) {
	if req.InitiatorID == 0 {
		return req, usagedomain.ErrInvalidInitiator
	}
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	if req.Provider == "" {
		return req, usagedomain.ErrInvalidProvider
	}
	if req.InputTokens < 0 || req.OutputTokens < 0 || req.InputTokens+req.OutputTokens == 0 {
		return req, usagedomain.ErrInvalidTokens
	}
	req.Service = strings.TrimSpace(req.Service)
	req.Resource = strings.TrimSpace(req.Resource)
	req.Model = strings.TrimSpace(req.Model)

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}
	if len(key) > 255 {
		return req, usagedomain.ErrInvalidKey
	}
	req.IdempotencyKey = key
	return req, nil
}

func resultFromEvent(event usagedomain.UsageEvent, replayed bool) usagedomain.RecordUsageResult {
	return usagedomain.RecordUsageResult{
		PayerID:        event.PayerID,
		InitiatorID:    event.InitiatorID,
		Cost:           event.Cost,
		Currency:       event.Currency,
		BillingMethod:  event.BillingMethod,
		UsageEventID:   event.ID,
		IdempotencyKey: event.IdempotencyKey,
		TransactionID:  event.TransactionID,
		FromQuota:      subscriptiondomain.TokenSplit{Input: event.QuotaInput, Output: event.QuotaOutput},
		Overflow:       subscriptiondomain.TokenSplit{Input: event.OverflowInput, Output: event.OverflowOutput},
		Replayed:       replayed,
	}
}

func describe(req usagedomain.RecordUsageRequest) string {
	parts := []string{"usage", req.Provider}
	if req.Model != "" {
		parts = append(parts, req.Model)
	}
	if req.Service != "" {
		parts = append(parts, req.Service)
	}
	return strings.Join(parts, " ")
}

func toJSONMap(metadata map[string]any) datatypes.JSONMap {
	if len(metadata) == 0 {
		return nil
	}
	out := make(datatypes.JSONMap, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
