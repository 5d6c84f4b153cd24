package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/tokenledger/internal/billingerr"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"github.com/smallbiznis/tokenledger/internal/retry"
	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
	"github.com/smallbiznis/tokenledger/internal/subscription/repository"
	"github.com/smallbiznis/tokenledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// consumeAttempts bounds the re-read loop when a conditional increment
// loses to a concurrent consumer.
const consumeAttempts = 3

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Ledger     ledgerdomain.Service
	Repo       subscriptiondomain.Repository `optional:"true"`
	ObsMetrics *obsmetrics.Metrics           `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	ledger     ledgerdomain.Service
	repo       subscriptiondomain.Repository
	obsMetrics *obsmetrics.Metrics

	retryPolicy    retry.Policy
	attemptTimeout time.Duration
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	repo := p.Repo
	if repo == nil {
		repo = repository.Provide()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("subscription.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		ledger:     p.Ledger,
		repo:       repo,
		obsMetrics: p.ObsMetrics,

		retryPolicy: retry.Policy{
			MaxAttempts: p.Config.Ledger.MaxAttempts,
			Base:        p.Config.Ledger.BackoffBase,
		},
		attemptTimeout: p.Config.Ledger.AttemptTimeout,
	}
}

func (s *Service) Consume(ctx context.Context, entityID snowflake.ID, inputTokens, outputTokens int64) (subscriptiondomain.ConsumeResult, error) {
	var result subscriptiondomain.ConsumeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out, err := s.ConsumeTx(ctx, tx, entityID, inputTokens, outputTokens)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	return result, err
}

// ConsumeTx draws each token pool down to its limit and reports the rest
// as overflow.
func (s *Service) ConsumeTx(ctx context.Context, tx *gorm.DB, entityID snowflake.ID, inputTokens, outputTokens int64) (subscriptiondomain.ConsumeResult, error) {
	if entityID == 0 {
		return subscriptiondomain.ConsumeResult{}, subscriptiondomain.ErrInvalidEntity
	}
	if inputTokens < 0 || outputTokens < 0 {
		return subscriptiondomain.ConsumeResult{}, subscriptiondomain.ErrInvalidTokens
	}

	requested := subscriptiondomain.TokenSplit{Input: inputTokens, Output: outputTokens}
	for attempt := 1; attempt <= consumeAttempts; attempt++ {
		now := s.clock.Now()
		quota, err := s.repo.FindActiveQuota(ctx, tx, entityID, now)
		if err != nil {
			return subscriptiondomain.ConsumeResult{}, err
		}
		if quota == nil {
			return subscriptiondomain.ConsumeResult{Overflow: requested}, nil
		}

		ref := quota.ID
		take := subscriptiondomain.TokenSplit{
			Input:  min(requested.Input, quota.RemainingInput()),
			Output: min(requested.Output, quota.RemainingOutput()),
		}
		result := subscriptiondomain.ConsumeResult{
			FromQuota: take,
			Overflow: subscriptiondomain.TokenSplit{
				Input:  requested.Input - take.Input,
				Output: requested.Output - take.Output,
			},
			QuotaRef: &ref,
		}
		if take.IsZero() {
			return result, nil
		}

		rows, err := s.repo.IncrementUsage(ctx, tx, quota.ID, take.Input, take.Output, now)
		if err != nil {
			return subscriptiondomain.ConsumeResult{}, err
		}
		if rows == 1 {
			return result, nil
		}

		s.log.Debug("quota increment lost a race, re-reading",
			zap.String("entity_id", entityID.String()),
			zap.String("quota_id", quota.ID.String()),
			zap.Int("attempt", attempt),
		)
	}
	return subscriptiondomain.ConsumeResult{}, subscriptiondomain.ErrQuotaContention
}

// Subscribe opens a quota for a new period and charges the plan price in
// the same transaction.
func (s *Service) Subscribe(ctx context.Context, entityID, planID snowflake.ID) (subscriptiondomain.SubscribeResult, error) {
	if entityID == 0 {
		return subscriptiondomain.SubscribeResult{}, subscriptiondomain.ErrInvalidEntity
	}
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return subscriptiondomain.SubscribeResult{}, err
	}
	if !plan.Active {
		return subscriptiondomain.SubscribeResult{}, subscriptiondomain.ErrPlanInactive
	}
	if _, err := s.ledger.GetBalance(ctx, entityID); err != nil {
		return subscriptiondomain.SubscribeResult{}, err
	}

	subscriptionID := s.genID.Generate()
	result, err := s.openPeriod(ctx, "subscribe", entityID, func(ctx context.Context, tx *gorm.DB, now time.Time) (*subscriptiondomain.SubscriptionQuota, error) {
		active, err := s.repo.FindActiveQuota(ctx, tx, entityID, now)
		if err != nil {
			return nil, err
		}
		if active != nil {
			return nil, subscriptiondomain.ErrAlreadySubscribed
		}
		return s.newQuota(subscriptionID, entityID, plan, now, now), nil
	}, plan)
	if err != nil {
		return subscriptiondomain.SubscribeResult{}, err
	}

	s.log.Info("subscription started",
		zap.String("entity_id", entityID.String()),
		zap.String("plan", plan.Code),
		zap.String("quota_id", result.Quota.ID.String()),
	)
	return result, nil
}

// Renew opens the period that follows the latest quota, using its plan.
func (s *Service) Renew(ctx context.Context, entityID snowflake.ID) (subscriptiondomain.SubscribeResult, error) {
	if entityID == 0 {
		return subscriptiondomain.SubscribeResult{}, subscriptiondomain.ErrInvalidEntity
	}
	latest, err := s.repo.FindLatestQuota(ctx, s.db, entityID)
	if err != nil {
		return subscriptiondomain.SubscribeResult{}, err
	}
	if latest == nil || latest.Status == subscriptiondomain.QuotaStatusCancelled {
		return subscriptiondomain.SubscribeResult{}, subscriptiondomain.ErrNoSubscription
	}
	plan, err := s.GetPlan(ctx, latest.PlanID)
	if err != nil {
		return subscriptiondomain.SubscribeResult{}, err
	}
	if !plan.Active {
		return subscriptiondomain.SubscribeResult{}, subscriptiondomain.ErrPlanInactive
	}
	if _, err := s.ledger.GetBalance(ctx, entityID); err != nil {
		return subscriptiondomain.SubscribeResult{}, err
	}

	result, err := s.openPeriod(ctx, "renew", entityID, func(ctx context.Context, tx *gorm.DB, now time.Time) (*subscriptiondomain.SubscriptionQuota, error) {
		current, err := s.repo.FindLatestQuota(ctx, tx, entityID)
		if err != nil {
			return nil, err
		}
		if current == nil || current.ID != latest.ID {
			// Someone else renewed or subscribed in between.
			return nil, subscriptiondomain.ErrAlreadySubscribed
		}
		if current.PeriodStart.After(now) {
			return nil, subscriptiondomain.ErrAlreadySubscribed
		}

		start := current.PeriodEnd
		if now.After(start) {
			start = now
		}
		if current.Status == subscriptiondomain.QuotaStatusActive && !current.PeriodEnd.After(now) {
			if _, err := s.repo.UpdateStatus(ctx, tx, current.ID, subscriptiondomain.QuotaStatusActive, subscriptiondomain.QuotaStatusExpired, now); err != nil {
				return nil, err
			}
		}
		return s.newQuota(current.SubscriptionID, entityID, plan, start, now), nil
	}, plan)
	if err != nil {
		return subscriptiondomain.SubscribeResult{}, err
	}

	s.log.Info("subscription renewed",
		zap.String("entity_id", entityID.String()),
		zap.String("plan", plan.Code),
		zap.Time("period_start", result.Quota.PeriodStart),
	)
	return result, nil
}

// openPeriod runs build, inserts its quota and charges the plan price as one
// unit of work, retried on balance version conflicts. An attempt that runs
// past its deadline is not retried: the next one would build a new period.
func (s *Service) openPeriod(
	ctx context.Context,
	operation string,
	entityID snowflake.ID,
	build func(ctx context.Context, tx *gorm.DB, now time.Time) (*subscriptiondomain.SubscriptionQuota, error),
	plan subscriptiondomain.Plan,
) (subscriptiondomain.SubscribeResult, error) {
	var (
		quota  subscriptiondomain.SubscriptionQuota
		charge ledgerdomain.ApplyDeltaResult
	)
	err := retry.Do(ctx, s.retryPolicy, func(ctx context.Context, attempt int) error {
		charge = ledgerdomain.ApplyDeltaResult{}
		if s.attemptTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.attemptTimeout)
			defer cancel()
		}

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			// Period changes for one entity commit one at a time, including
			// free plans that never touch the balance version.
			if err := s.repo.LockEntity(ctx, tx, entityID); err != nil {
				return err
			}
			now := s.clock.Now()
			next, err := build(ctx, tx, now)
			if err != nil {
				return err
			}
			if err := s.repo.InsertQuota(ctx, tx, next); err != nil {
				return err
			}
			quota = *next

			if !plan.Price.IsPositive() {
				return nil
			}
			res, err := s.ledger.ApplyDeltaTx(ctx, tx, ledgerdomain.ApplyDeltaRequest{
				EntityID:       next.EntityID,
				Amount:         plan.Price.Neg(),
				Currency:       plan.Currency,
				Description:    "subscription " + plan.Code,
				Type:           ledgerdomain.TransactionTypeSubscription,
				IdempotencyRef: "subscription:" + next.ID.String(),
				Metadata: map[string]any{
					"plan_id":         plan.ID.String(),
					"quota_id":        next.ID.String(),
					"subscription_id": next.SubscriptionID.String(),
				},
			})
			if err != nil {
				return err
			}
			charge = res
			return nil
		})
		if err != nil && !errors.Is(err, ledgerdomain.ErrVersionConflict) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error, wait time.Duration) {
		s.log.Warn("subscription charge conflicted, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
		)
		s.obsMetrics.RecordLedgerRetry(ctx, operation)
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrVersionConflict) {
			return subscriptiondomain.SubscribeResult{}, ledgerdomain.ErrRetryExhausted
		}
		return subscriptiondomain.SubscribeResult{}, err
	}

	result := subscriptiondomain.SubscribeResult{Quota: quota, Plan: plan}
	if charge.Transaction.ID != 0 {
		s.ledger.AfterCommit(ctx, charge)
		txn := charge.Transaction
		result.Charge = &txn
	}
	return result, nil
}

func (s *Service) newQuota(subscriptionID, entityID snowflake.ID, plan subscriptiondomain.Plan, start, now time.Time) *subscriptiondomain.SubscriptionQuota {
	return &subscriptiondomain.SubscriptionQuota{
		ID:             s.genID.Generate(),
		SubscriptionID: subscriptionID,
		EntityID:       entityID,
		PlanID:         plan.ID,
		PeriodStart:    start,
		PeriodEnd:      start.Add(plan.Period()),
		InputLimit:     plan.InputTokenLimit,
		OutputLimit:    plan.OutputTokenLimit,
		Status:         subscriptiondomain.QuotaStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *Service) Cancel(ctx context.Context, entityID snowflake.ID) (subscriptiondomain.SubscriptionQuota, error) {
	if entityID == 0 {
		return subscriptiondomain.SubscriptionQuota{}, subscriptiondomain.ErrInvalidEntity
	}

	var cancelled subscriptiondomain.SubscriptionQuota
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		quota, err := s.repo.FindActiveQuota(ctx, tx, entityID, now)
		if err != nil {
			return err
		}
		if quota == nil {
			return subscriptiondomain.ErrNoActiveQuota
		}
		rows, err := s.repo.UpdateStatus(ctx, tx, quota.ID, subscriptiondomain.QuotaStatusActive, subscriptiondomain.QuotaStatusCancelled, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			return subscriptiondomain.ErrNoActiveQuota
		}
		quota.Status = subscriptiondomain.QuotaStatusCancelled
		quota.UpdatedAt = now
		cancelled = *quota
		return nil
	})
	if err != nil {
		return subscriptiondomain.SubscriptionQuota{}, err
	}

	s.log.Info("subscription cancelled",
		zap.String("entity_id", entityID.String()),
		zap.String("quota_id", cancelled.ID.String()),
	)
	return cancelled, nil
}

// ExpireDue moves every ACTIVE quota whose period has ended to EXPIRED.
func (s *Service) ExpireDue(ctx context.Context) (int64, error) {
	expired, err := s.repo.ExpireEnded(ctx, s.db, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		s.log.Info("expired subscription quotas", zap.Int64("count", expired))
	}
	return expired, nil
}

func (s *Service) ActiveQuota(ctx context.Context, entityID snowflake.ID) (subscriptiondomain.SubscriptionQuota, error) {
	if entityID == 0 {
		return subscriptiondomain.SubscriptionQuota{}, subscriptiondomain.ErrInvalidEntity
	}
	quota, err := s.repo.FindActiveQuota(ctx, s.db, entityID, s.clock.Now())
	if err != nil {
		return subscriptiondomain.SubscriptionQuota{}, err
	}
	if quota == nil {
		return subscriptiondomain.SubscriptionQuota{}, subscriptiondomain.ErrNoActiveQuota
	}
	return *quota, nil
}

func (s *Service) CreatePlan(ctx context.Context, req subscriptiondomain.CreatePlanRequest) (subscriptiondomain.Plan, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return subscriptiondomain.Plan{}, subscriptiondomain.ErrInvalidPlan
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		code = name
	}
	code = slug.Make(code)
	if code == "" {
		return subscriptiondomain.Plan{}, subscriptiondomain.ErrInvalidPlan
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if !currencyPattern.MatchString(currency) {
		return subscriptiondomain.Plan{}, subscriptiondomain.ErrInvalidPlan
	}
	if req.Price.IsNegative() || req.InputTokenLimit < 0 || req.OutputTokenLimit < 0 || req.PeriodDays <= 0 {
		return subscriptiondomain.Plan{}, subscriptiondomain.ErrInvalidPlan
	}

	now := s.clock.Now()
	plan := subscriptiondomain.Plan{
		ID:               s.genID.Generate(),
		Code:             code,
		Name:             name,
		Price:            req.Price,
		Currency:         currency,
		InputTokenLimit:  req.InputTokenLimit,
		OutputTokenLimit: req.OutputTokenLimit,
		PeriodDays:       req.PeriodDays,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.InsertPlan(ctx, s.db, &plan); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return subscriptiondomain.Plan{}, billingerr.Wrap(subscriptiondomain.ErrInvalidPlan, err)
		}
		return subscriptiondomain.Plan{}, err
	}
	return plan, nil
}

func (s *Service) GetPlan(ctx context.Context, id snowflake.ID) (subscriptiondomain.Plan, error) {
	if id == 0 {
		return subscriptiondomain.Plan{}, subscriptiondomain.ErrPlanNotFound
	}
	plan, err := s.repo.FindPlanByID(ctx, s.db, id)
	if err != nil {
		return subscriptiondomain.Plan{}, err
	}
	if plan == nil {
		return subscriptiondomain.Plan{}, subscriptiondomain.ErrPlanNotFound
	}
	return *plan, nil
}

func (s *Service) GetPlanByCode(ctx context.Context, code string) (subscriptiondomain.Plan, error) {
	code = slug.Make(strings.TrimSpace(code))
	if code == "" {
		return subscriptiondomain.Plan{}, subscriptiondomain.ErrPlanNotFound
	}
	plan, err := s.repo.FindPlanByCode(ctx, s.db, code)
	if err != nil {
		return subscriptiondomain.Plan{}, err
	}
	if plan == nil {
		return subscriptiondomain.Plan{}, subscriptiondomain.ErrPlanNotFound
	}
	return *plan, nil
}
