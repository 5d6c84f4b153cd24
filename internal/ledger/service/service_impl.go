package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokenledger/internal/cache"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	entitydomain "github.com/smallbiznis/tokenledger/internal/entity/domain"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	"github.com/smallbiznis/tokenledger/internal/ledger/repository"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"github.com/smallbiznis/tokenledger/internal/retry"
	"github.com/smallbiznis/tokenledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Directory  entitydomain.Directory
	Cache      cache.BalanceCache      `optional:"true"`
	Repo       ledgerdomain.Repository `optional:"true"`
	ObsMetrics *obsmetrics.Metrics     `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	directory  entitydomain.Directory
	cache      cache.BalanceCache
	repo       ledgerdomain.Repository
	obsMetrics *obsmetrics.Metrics

	retryPolicy        retry.Policy
	attemptTimeout     time.Duration
	defaultCreditLimit decimal.Decimal
}

func NewService(p ServiceParam) ledgerdomain.Service {
	repo := p.Repo
	if repo == nil {
		repo = repository.Provide()
	}
	balanceCache := p.Cache
	if balanceCache == nil {
		balanceCache = cache.NewMemoryBalanceCache(p.Clock, p.Config.Ledger.BalanceCacheTTL)
	}

	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		directory:  p.Directory,
		cache:      balanceCache,
		repo:       repo,
		obsMetrics: p.ObsMetrics,

		retryPolicy: retry.Policy{
			MaxAttempts: p.Config.Ledger.MaxAttempts,
			Base:        p.Config.Ledger.BackoffBase,
		},
		attemptTimeout:     p.Config.Ledger.AttemptTimeout,
		defaultCreditLimit: p.Config.Ledger.DefaultCreditLimit,
	}
}

func (s *Service) ApplyDelta(ctx context.Context, req ledgerdomain.ApplyDeltaRequest) (ledgerdomain.ApplyDeltaResult, error) {
	req, err := normalizeDelta(req)
	if err != nil {
		return ledgerdomain.ApplyDeltaResult{}, err
	}

	// The balance row is created outside the write transaction so the
	// directory lookup never holds a connection inside it.
	if _, err := s.ensureBalance(ctx, req.EntityID); err != nil {
		return ledgerdomain.ApplyDeltaResult{}, err
	}

	var result ledgerdomain.ApplyDeltaResult
	err = retry.Do(ctx, s.retryPolicy, func(ctx context.Context, attempt int) error {
		out, err := s.attempt(ctx, req)
		if err == nil {
			result = out
			return nil
		}

		switch {
		case errors.Is(err, ledgerdomain.ErrVersionConflict):
			return err
		case db.IsSerializationErr(err):
			return ledgerdomain.ErrVersionConflict
		case req.IdempotencyRef != "" && db.IsDuplicateKeyErr(err):
			replay, replayErr := s.replay(ctx, s.db, req)
			if replayErr != nil {
				return retry.Permanent(replayErr)
			}
			result = replay
			return nil
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && req.IdempotencyRef != "":
			// The attempt timed out on its own deadline; the ref makes a
			// second attempt safe even if the first one committed.
			return ledgerdomain.ErrVersionConflict
		default:
			return retry.Permanent(err)
		}
	}, func(attempt int, err error, wait time.Duration) {
		s.log.Warn("balance version conflict, retrying",
			zap.String("entity_id", req.EntityID.String()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
		)
		s.obsMetrics.RecordLedgerRetry(ctx, "apply_delta")
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrVersionConflict) {
			s.log.Error("balance update retries exhausted",
				zap.String("entity_id", req.EntityID.String()),
				zap.Int("max_attempts", s.retryPolicy.MaxAttempts),
			)
			return ledgerdomain.ApplyDeltaResult{}, ledgerdomain.ErrRetryExhausted
		}
		if errors.Is(err, ledgerdomain.ErrInsufficientFunds) {
			s.obsMetrics.RecordInsufficientFunds(ctx, string(req.Type))
		}
		return ledgerdomain.ApplyDeltaResult{}, err
	}

	s.AfterCommit(ctx, result)
	return result, nil
}

func (s *Service) attempt(ctx context.Context, req ledgerdomain.ApplyDeltaRequest) (ledgerdomain.ApplyDeltaResult, error) {
	if s.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.attemptTimeout)
		defer cancel()
	}

	var out ledgerdomain.ApplyDeltaResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result, err := s.apply(ctx, tx, req)
		if err != nil {
			return err
		}
		out = result
		return nil
	})
	return out, err
}

func (s *Service) ApplyDeltaTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.ApplyDeltaRequest) (ledgerdomain.ApplyDeltaResult, error) {
	req, err := normalizeDelta(req)
	if err != nil {
		return ledgerdomain.ApplyDeltaResult{}, err
	}

	result, err := s.apply(ctx, tx, req)
	if err != nil {
		if db.IsDuplicateKeyErr(err) || db.IsSerializationErr(err) {
			// A concurrent call committed the same ref or the database
			// aborted the write; the caller's retry will observe either.
			return ledgerdomain.ApplyDeltaResult{}, ledgerdomain.ErrVersionConflict
		}
		if errors.Is(err, ledgerdomain.ErrInsufficientFunds) {
			s.obsMetrics.RecordInsufficientFunds(ctx, string(req.Type))
		}
		return ledgerdomain.ApplyDeltaResult{}, err
	}
	return result, nil
}

// apply is one read-validate-write cycle against tx.
func (s *Service) apply(ctx context.Context, tx *gorm.DB, req ledgerdomain.ApplyDeltaRequest) (ledgerdomain.ApplyDeltaResult, error) {
	if req.IdempotencyRef != "" {
		existing, err := s.replay(ctx, tx, req)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ledgerdomain.ErrTransactionNotFound) {
			return ledgerdomain.ApplyDeltaResult{}, err
		}
	}

	balance, err := s.repo.FindBalance(ctx, tx, req.EntityID)
	if err != nil {
		return ledgerdomain.ApplyDeltaResult{}, err
	}
	if balance == nil {
		return ledgerdomain.ApplyDeltaResult{}, ledgerdomain.ErrBalanceNotFound
	}
	if balance.Currency != req.Currency {
		s.log.Error("currency mismatch on balance mutation",
			zap.String("entity_id", req.EntityID.String()),
			zap.String("balance_currency", balance.Currency),
			zap.String("request_currency", req.Currency),
		)
		return ledgerdomain.ApplyDeltaResult{}, ledgerdomain.ErrCurrencyMismatch
	}

	candidate := balance.Amount.Add(req.Amount)
	if !balance.Allows(candidate) {
		return ledgerdomain.ApplyDeltaResult{}, ledgerdomain.ErrInsufficientFunds
	}

	now := s.clock.Now()
	rows, err := s.repo.UpdateBalance(ctx, tx, req.EntityID, candidate, balance.Version, now)
	if err != nil {
		return ledgerdomain.ApplyDeltaResult{}, err
	}
	if rows == 0 {
		return ledgerdomain.ApplyDeltaResult{}, ledgerdomain.ErrVersionConflict
	}

	txn := ledgerdomain.Transaction{
		ID:           s.genID.Generate(),
		EntityID:     req.EntityID,
		InitiatorID:  attributedInitiator(req.EntityID, req.InitiatorID),
		Direction:    directionOf(req.Amount),
		Type:         req.Type,
		Amount:       req.Amount.Abs(),
		Currency:     req.Currency,
		Description:  req.Description,
		Status:       ledgerdomain.TransactionStatusCompleted,
		ExternalRef:  optionalRef(req.IdempotencyRef),
		Metadata:     toJSONMap(req.Metadata),
		BalanceAfter: decimal.NewNullDecimal(candidate),
		CreatedAt:    now,
		ProcessedAt:  &now,
	}
	if err := s.repo.InsertTransaction(ctx, tx, &txn); err != nil {
		return ledgerdomain.ApplyDeltaResult{}, err
	}

	balance.Amount = candidate
	balance.Version++
	balance.UpdatedAt = now
	return ledgerdomain.ApplyDeltaResult{Balance: *balance, Transaction: txn}, nil
}

// replay returns the committed result for req.IdempotencyRef, or
// ErrTransactionNotFound.
func (s *Service) replay(ctx context.Context, conn *gorm.DB, req ledgerdomain.ApplyDeltaRequest) (ledgerdomain.ApplyDeltaResult, error) {
	existing, err := s.repo.FindTransactionByRef(ctx, conn, req.IdempotencyRef)
	if err != nil {
		return ledgerdomain.ApplyDeltaResult{}, err
	}
	if existing == nil {
		return ledgerdomain.ApplyDeltaResult{}, ledgerdomain.ErrTransactionNotFound
	}
	if existing.EntityID != req.EntityID {
		return ledgerdomain.ApplyDeltaResult{}, ledgerdomain.ErrIdempotencyRefConflict
	}

	balance, err := s.repo.FindBalance(ctx, conn, req.EntityID)
	if err != nil {
		return ledgerdomain.ApplyDeltaResult{}, err
	}
	if balance == nil {
		return ledgerdomain.ApplyDeltaResult{}, ledgerdomain.ErrBalanceNotFound
	}

	s.log.Info("idempotent replay of ledger mutation",
		zap.String("entity_id", req.EntityID.String()),
		zap.String("external_ref", req.IdempotencyRef),
		zap.String("transaction_id", existing.ID.String()),
	)
	return ledgerdomain.ApplyDeltaResult{Balance: *balance, Transaction: *existing, Replayed: true}, nil
}

// AfterCommit publishes a committed mutation to the balance cache and metrics.
func (s *Service) AfterCommit(ctx context.Context, result ledgerdomain.ApplyDeltaResult) {
	if result.Replayed || result.Transaction.ID == 0 {
		return
	}
	s.cache.Set(ctx, result.Balance)
	s.obsMetrics.RecordLedgerMutation(ctx, string(result.Transaction.Type), string(result.Transaction.Direction))
}

func (s *Service) GetBalance(ctx context.Context, entityID snowflake.ID) (ledgerdomain.Balance, error) {
	if entityID == 0 {
		return ledgerdomain.Balance{}, ledgerdomain.ErrInvalidEntity
	}
	if cached, ok := s.cache.Get(ctx, entityID); ok {
		return cached, nil
	}

	balance, err := s.ensureBalance(ctx, entityID)
	if err != nil {
		return ledgerdomain.Balance{}, err
	}
	s.cache.Set(ctx, balance)
	return balance, nil
}

// ensureBalance reads the balance, creating a zero balance in the entity's
// currency on first use.
func (s *Service) ensureBalance(ctx context.Context, entityID snowflake.ID) (ledgerdomain.Balance, error) {
	balance, err := s.repo.FindBalance(ctx, s.db, entityID)
	if err != nil {
		return ledgerdomain.Balance{}, err
	}
	if balance != nil {
		return *balance, nil
	}

	entity, err := s.directory.GetEntity(ctx, entityID)
	if err != nil {
		return ledgerdomain.Balance{}, err
	}

	creditLimit := entity.CreditLimit
	if !creditLimit.IsPositive() {
		creditLimit = s.defaultCreditLimit
	}
	now := s.clock.Now()
	if err := s.repo.InsertBalance(ctx, s.db, &ledgerdomain.Balance{
		EntityID:    entityID,
		Amount:      decimal.Zero,
		Currency:    strings.ToUpper(entity.Currency),
		CreditLimit: creditLimit,
		Version:     0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		return ledgerdomain.Balance{}, err
	}

	balance, err = s.repo.FindBalance(ctx, s.db, entityID)
	if err != nil {
		return ledgerdomain.Balance{}, err
	}
	if balance == nil {
		return ledgerdomain.Balance{}, ledgerdomain.ErrBalanceNotFound
	}
	s.log.Info("balance created",
		zap.String("entity_id", entityID.String()),
		zap.String("currency", balance.Currency),
	)
	return *balance, nil
}

// SetCreditLimit changes how far the balance may go negative. A limit the
// current balance already breaks is rejected.
func (s *Service) SetCreditLimit(ctx context.Context, entityID snowflake.ID, limit decimal.Decimal) (ledgerdomain.Balance, error) {
	if entityID == 0 {
		return ledgerdomain.Balance{}, ledgerdomain.ErrInvalidEntity
	}
	if limit.IsNegative() {
		return ledgerdomain.Balance{}, ledgerdomain.ErrInvalidCreditLimit
	}
	if _, err := s.ensureBalance(ctx, entityID); err != nil {
		return ledgerdomain.Balance{}, err
	}

	var updated ledgerdomain.Balance
	err := retry.Do(ctx, s.retryPolicy, func(ctx context.Context, attempt int) error {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			balance, err := s.repo.FindBalance(ctx, tx, entityID)
			if err != nil {
				return err
			}
			if balance == nil {
				return ledgerdomain.ErrBalanceNotFound
			}
			if balance.Amount.LessThan(limit.Neg()) {
				return ledgerdomain.ErrCreditLimitViolated
			}

			now := s.clock.Now()
			rows, err := s.repo.UpdateCreditLimit(ctx, tx, entityID, limit, balance.Version, now)
			if err != nil {
				return err
			}
			if rows == 0 {
				return ledgerdomain.ErrVersionConflict
			}
			balance.CreditLimit = limit
			balance.Version++
			balance.UpdatedAt = now
			updated = *balance
			return nil
		})
		if err != nil && !errors.Is(err, ledgerdomain.ErrVersionConflict) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error, wait time.Duration) {
		s.obsMetrics.RecordLedgerRetry(ctx, "set_credit_limit")
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrVersionConflict) {
			return ledgerdomain.Balance{}, ledgerdomain.ErrRetryExhausted
		}
		return ledgerdomain.Balance{}, err
	}

	s.cache.Set(ctx, updated)
	s.log.Info("credit limit updated",
		zap.String("entity_id", entityID.String()),
		zap.String("credit_limit", limit.String()),
	)
	return updated, nil
}

// RecordFailed appends a FAILED transaction. The balance is untouched.
func (s *Service) RecordFailed(ctx context.Context, req ledgerdomain.FailedTransactionRequest) (ledgerdomain.Transaction, error) {
	if req.EntityID == 0 {
		return ledgerdomain.Transaction{}, ledgerdomain.ErrInvalidEntity
	}
	if !req.Amount.IsPositive() {
		return ledgerdomain.Transaction{}, ledgerdomain.ErrInvalidAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if !currencyPattern.MatchString(currency) {
		return ledgerdomain.Transaction{}, ledgerdomain.ErrInvalidCurrency
	}
	txType, err := normalizeType(req.Type)
	if err != nil {
		return ledgerdomain.Transaction{}, err
	}
	direction := req.Direction
	if direction != ledgerdomain.DirectionDebit {
		direction = ledgerdomain.DirectionCredit
	}

	metadata := toJSONMap(req.Metadata)
	if req.Reason != "" {
		if metadata == nil {
			metadata = datatypes.JSONMap{}
		}
		metadata["failure_reason"] = req.Reason
	}

	now := s.clock.Now()
	txn := ledgerdomain.Transaction{
		ID:          s.genID.Generate(),
		EntityID:    req.EntityID,
		InitiatorID: attributedInitiator(req.EntityID, req.InitiatorID),
		Direction:   direction,
		Type:        txType,
		Amount:      req.Amount,
		Currency:    currency,
		Description: req.Description,
		Status:      ledgerdomain.TransactionStatusFailed,
		ExternalRef: optionalRef(strings.TrimSpace(req.ExternalRef)),
		Metadata:    metadata,
		CreatedAt:   now,
		ProcessedAt: &now,
	}
	if err := s.repo.InsertTransaction(ctx, s.db, &txn); err != nil {
		if txn.ExternalRef != nil && db.IsDuplicateKeyErr(err) {
			return s.GetTransactionByRef(ctx, *txn.ExternalRef)
		}
		return ledgerdomain.Transaction{}, err
	}

	s.log.Warn("failed transaction recorded",
		zap.String("entity_id", req.EntityID.String()),
		zap.String("type", string(txType)),
		zap.String("reason", req.Reason),
	)
	return txn, nil
}

func (s *Service) GetTransactionByRef(ctx context.Context, ref string) (ledgerdomain.Transaction, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ledgerdomain.Transaction{}, ledgerdomain.ErrTransactionNotFound
	}
	txn, err := s.repo.FindTransactionByRef(ctx, s.db, ref)
	if err != nil {
		return ledgerdomain.Transaction{}, err
	}
	if txn == nil {
		return ledgerdomain.Transaction{}, ledgerdomain.ErrTransactionNotFound
	}
	return *txn, nil
}

func normalizeDelta(req ledgerdomain.ApplyDeltaRequest) (ledgerdomain.ApplyDeltaRequest, error) {
	if req.EntityID == 0 {
		return req, ledgerdomain.ErrInvalidEntity
	}
	if req.Amount.IsZero() {
		return req, ledgerdomain.ErrInvalidAmount
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if !currencyPattern.MatchString(req.Currency) {
		return req, ledgerdomain.ErrInvalidCurrency
	}
	txType, err := normalizeType(req.Type)
	if err != nil {
		return req, err
	}
	req.Type = txType
	req.IdempotencyRef = strings.TrimSpace(req.IdempotencyRef)
	req.Description = strings.TrimSpace(req.Description)
	return req, nil
}

func normalizeType(txType ledgerdomain.TransactionType) (ledgerdomain.TransactionType, error) {
	switch normalized := ledgerdomain.TransactionType(strings.ToLower(strings.TrimSpace(string(txType)))); normalized {
	case "":
		return ledgerdomain.TransactionTypeAdjustment, nil
	case ledgerdomain.TransactionTypeUsage,
		ledgerdomain.TransactionTypeTopUp,
		ledgerdomain.TransactionTypeSubscription,
		ledgerdomain.TransactionTypeReferralBonus,
		ledgerdomain.TransactionTypeAdjustment:
		return normalized, nil
	default:
		return "", ledgerdomain.ErrInvalidTransactionType
	}
}

func directionOf(amount decimal.Decimal) ledgerdomain.Direction {
	if amount.IsNegative() {
		return ledgerdomain.DirectionDebit
	}
	return ledgerdomain.DirectionCredit
}

func attributedInitiator(payer snowflake.ID, initiator *snowflake.ID) *snowflake.ID {
	if initiator == nil || *initiator == 0 || *initiator == payer {
		return nil
	}
	id := *initiator
	return &id
}

func optionalRef(ref string) *string {
	if ref == "" {
		return nil
	}
	return &ref
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
