// Package expiry moves ended ACTIVE quotas to EXPIRED in the background so
// period boundaries do not depend on usage traffic.
package expiry

import (
	"context"
	"time"

	"github.com/smallbiznis/tokenledger/internal/cache"
	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const lockKey = "tokenledger:subscription:expiry"

type Params struct {
	fx.In

	Log    *zap.Logger
	Meter  subscriptiondomain.Service
	Locker *cache.Locker `optional:"true"`
	Config Config        `optional:"true"`
}

type Worker struct {
	log    *zap.Logger
	meter  subscriptiondomain.Service
	locker *cache.Locker
	cfg    Config
}

func NewWorker(p Params) *Worker {
	return &Worker{
		log:    p.Log.Named("subscription.expiry"),
		meter:  p.Meter,
		locker: p.Locker,
		cfg:    p.Config.withDefaults(),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Warn("quota expiry run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce expires every quota whose period has ended. With Redis
// configured, instances that lose the lease skip the run.
func (w *Worker) RunOnce(parentCtx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.RunTimeout)
	defer cancel()

	if w.locker != nil {
		token, ok, err := w.locker.TryLock(ctx, lockKey, w.cfg.RunTimeout)
		switch {
		case err != nil:
			w.log.Warn("expiry lock unavailable, sweeping anyway", zap.Error(err))
		case !ok:
			return 0, nil
		default:
			defer func() {
				if err := w.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
					w.log.Warn("release expiry lock", zap.Error(err))
				}
			}()
		}
	}

	return w.meter.ExpireDue(ctx)
}
