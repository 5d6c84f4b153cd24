package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenledger/internal/billingerr"
	"github.com/smallbiznis/tokenledger/internal/config"
	entitydomain "github.com/smallbiznis/tokenledger/internal/entity/domain"
	payerdomain "github.com/smallbiznis/tokenledger/internal/payer/domain"
	"github.com/smallbiznis/tokenledger/internal/retry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ServiceParam struct {
	fx.In

	Log       *zap.Logger
	Config    config.Config
	Directory entitydomain.Directory
}

type Service struct {
	log         *zap.Logger
	directory   entitydomain.Directory
	retryPolicy retry.Policy
}

func NewService(p ServiceParam) payerdomain.Service {
	return &Service{
		log:       p.Log.Named("payer.service"),
		directory: p.Directory,
		retryPolicy: retry.Policy{
			MaxAttempts: p.Config.Usage.LookupAttempts,
			Base:        p.Config.Usage.LookupBackoffBase,
		},
	}
}

// ResolvePayer reads the directory on every call. PARENT_PAID entities are
// charged to their parent when one is linked and active; every other case
// falls back to the initiator.
func (s *Service) ResolvePayer(ctx context.Context, initiatorID snowflake.ID) (payerdomain.Resolution, error) {
	if initiatorID == 0 {
		return payerdomain.Resolution{}, entitydomain.ErrInvalidEntity
	}

	initiator, err := s.lookup(ctx, initiatorID)
	if err != nil {
		return payerdomain.Resolution{}, err
	}

	self := payerdomain.Resolution{
		PayerID:     initiator.ID,
		InitiatorID: initiator.ID,
		BillingMode: initiator.BillingMode,
	}
	if initiator.BillingMode != entitydomain.BillingModeParentPaid || !initiator.HasParent() {
		return self, nil
	}

	parent, err := s.lookup(ctx, *initiator.ParentID)
	if err != nil {
		if billingerr.IsKind(err, billingerr.KindEntityNotFound) {
			s.log.Warn("parent entity missing, billing initiator",
				zap.String("initiator_id", initiator.ID.String()),
				zap.String("parent_id", initiator.ParentID.String()),
			)
			return self, nil
		}
		return payerdomain.Resolution{}, err
	}
	if !parent.Active {
		s.log.Warn("parent entity inactive, billing initiator",
			zap.String("initiator_id", initiator.ID.String()),
			zap.String("parent_id", parent.ID.String()),
		)
		return self, nil
	}

	return payerdomain.Resolution{
		PayerID:     parent.ID,
		InitiatorID: initiator.ID,
		BillingMode: initiator.BillingMode,
	}, nil
}

// lookup retries directory reads that fail as unavailable. Reads are side
// effect free, so a retry cannot double anything.
func (s *Service) lookup(ctx context.Context, id snowflake.ID) (entitydomain.Entity, error) {
	var entity entitydomain.Entity
	err := retry.Do(ctx, s.retryPolicy, func(ctx context.Context, attempt int) error {
		found, err := s.directory.GetEntity(ctx, id)
		if err != nil {
			if billingerr.IsKind(err, billingerr.KindUpstreamUnavailable) {
				return err
			}
			return retry.Permanent(err)
		}
		entity = found
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		s.log.Warn("identity directory unavailable, retrying",
			zap.String("entity_id", id.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	})
	return entity, err
}
