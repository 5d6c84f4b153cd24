package entity

import (
	entitydomain "github.com/smallbiznis/tokenledger/internal/entity/domain"
	"github.com/smallbiznis/tokenledger/internal/entity/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entity.service",
	fx.Provide(
		service.NewService,
		func(svc entitydomain.Service) entitydomain.Directory { return svc },
	),
)
