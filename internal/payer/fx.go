package payer

import (
	"github.com/smallbiznis/tokenledger/internal/payer/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payer.service",
	fx.Provide(service.NewService),
)
