package config

import (
	pricingdomain "github.com/smallbiznis/tokenledger/internal/pricing/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(
		Load,
		NewPricingPolicyHolder,
		func(h *PricingPolicyHolder) pricingdomain.PolicySource { return h },
	),
)
