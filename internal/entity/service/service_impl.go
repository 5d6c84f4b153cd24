package service

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenledger/internal/billingerr"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	entitydomain "github.com/smallbiznis/tokenledger/internal/entity/domain"
	"github.com/smallbiznis/tokenledger/internal/entity/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Config config.Config
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  entitydomain.Repository

	defaultCurrency string
}

func NewService(p ServiceParam) entitydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("entity.service"),
		clock: p.Clock,
		repo:  repository.Provide(),

		defaultCurrency: strings.ToUpper(strings.TrimSpace(p.Config.DefaultCurrency)),
	}
}

// GetEntity reads the projection directly; billing mode and parent links
// can change between calls.
func (s *Service) GetEntity(ctx context.Context, id snowflake.ID) (entitydomain.Entity, error) {
	if id == 0 {
		return entitydomain.Entity{}, entitydomain.ErrInvalidEntity
	}

	entity, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return entitydomain.Entity{}, err
		}
		return entitydomain.Entity{}, billingerr.Wrap(entitydomain.ErrDirectoryUnavailable, err)
	}
	if entity == nil {
		return entitydomain.Entity{}, entitydomain.ErrEntityNotFound
	}
	return *entity, nil
}

func (s *Service) Upsert(ctx context.Context, req entitydomain.UpsertRequest) (entitydomain.Entity, error) {
	if req.ID == 0 {
		return entitydomain.Entity{}, entitydomain.ErrInvalidEntity
	}

	mode := entitydomain.BillingMode(strings.ToUpper(strings.TrimSpace(string(req.BillingMode))))
	switch mode {
	case "":
		mode = entitydomain.BillingModeSelfPaid
	case entitydomain.BillingModeSelfPaid, entitydomain.BillingModeParentPaid:
	default:
		return entitydomain.Entity{}, entitydomain.ErrInvalidBillingMode
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.defaultCurrency
	}
	if !currencyPattern.MatchString(currency) {
		return entitydomain.Entity{}, entitydomain.ErrInvalidCurrency
	}
	if req.CreditLimit.IsNegative() {
		return entitydomain.Entity{}, entitydomain.ErrInvalidCreditLimit
	}

	if req.ReferrerID != nil && *req.ReferrerID == req.ID {
		return entitydomain.Entity{}, entitydomain.ErrSelfReferral
	}
	if req.ParentID != nil && *req.ParentID == req.ID {
		return entitydomain.Entity{}, entitydomain.ErrSelfParent
	}

	now := s.clock.Now()
	entity := entitydomain.Entity{
		ID:          req.ID,
		BillingMode: mode,
		ParentID:    normalizeRef(req.ParentID),
		ReferrerID:  normalizeRef(req.ReferrerID),
		Currency:    currency,
		CreditLimit: req.CreditLimit,
		Active:      req.Active,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Upsert(ctx, s.db, &entity); err != nil {
		return entitydomain.Entity{}, err
	}

	s.log.Debug("entity projection upserted",
		zap.String("entity_id", entity.ID.String()),
		zap.String("billing_mode", string(entity.BillingMode)),
	)
	return entity, nil
}

func (s *Service) Deactivate(ctx context.Context, id snowflake.ID) error {
	if id == 0 {
		return entitydomain.ErrInvalidEntity
	}
	rows, err := s.repo.SetActive(ctx, s.db, id, false)
	if err != nil {
		return err
	}
	if rows == 0 {
		return entitydomain.ErrEntityNotFound
	}
	return nil
}

func normalizeRef(id *snowflake.ID) *snowflake.ID {
	if id == nil || *id == 0 {
		return nil
	}
	return id
}
