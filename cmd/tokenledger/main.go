package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenledger/internal/billing"
	"github.com/smallbiznis/tokenledger/internal/cache"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	"github.com/smallbiznis/tokenledger/internal/entity"
	"github.com/smallbiznis/tokenledger/internal/ledger"
	"github.com/smallbiznis/tokenledger/internal/migration"
	"github.com/smallbiznis/tokenledger/internal/observability"
	"github.com/smallbiznis/tokenledger/internal/payer"
	"github.com/smallbiznis/tokenledger/internal/payment"
	"github.com/smallbiznis/tokenledger/internal/pricing"
	"github.com/smallbiznis/tokenledger/internal/referral"
	"github.com/smallbiznis/tokenledger/internal/subscription"
	"github.com/smallbiznis/tokenledger/internal/subscription/expiry"
	"github.com/smallbiznis/tokenledger/internal/usage"
	"github.com/smallbiznis/tokenledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		cache.Module,

		// Billing domains
		entity.Module,
		ledger.Module,
		pricing.Module,
		payer.Module,
		subscription.Module,
		expiry.Module,
		referral.Module,
		usage.Module,
		payment.Module,
		billing.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
