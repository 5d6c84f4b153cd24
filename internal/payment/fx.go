package payment

import (
	"github.com/smallbiznis/tokenledger/internal/config"
	"github.com/smallbiznis/tokenledger/internal/payment/adapters"
	"github.com/smallbiznis/tokenledger/internal/payment/adapters/noop"
	"github.com/smallbiznis/tokenledger/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/tokenledger/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(NewRegistry),
)

// NewRegistry registers Stripe when a secret key is configured. Outside
// production the noop gateway is always available.
func NewRegistry(cfg config.Config, log *zap.Logger) (*adapters.Registry, error) {
	gateways := []paymentdomain.Gateway{}
	if cfg.Stripe.SecretKey != "" {
		gateway, err := stripe.NewGateway(cfg.Stripe.SecretKey, log)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, gateway)
	}
	if !cfg.IsProduction() {
		gateways = append(gateways, noop.NewGateway())
	}

	defaultGateway := cfg.Payment.DefaultGateway
	if defaultGateway == stripe.Provider && cfg.Stripe.SecretKey == "" && !cfg.IsProduction() {
		defaultGateway = noop.Provider
	}
	registry := adapters.NewRegistry(defaultGateway, gateways...)
	if cfg.IsProduction() && !registry.ProviderExists(defaultGateway) {
		return nil, paymentdomain.ErrInvalidConfig
	}
	log.Named("payment.service").Info("payment gateways registered",
		zap.String("default", defaultGateway),
		zap.Int("count", len(gateways)),
	)
	return registry, nil
}
