package adapters

import (
	"strings"

	paymentdomain "github.com/smallbiznis/tokenledger/internal/payment/domain"
)

// Registry resolves gateways by provider name.
type Registry struct {
	gateways        map[string]paymentdomain.Gateway
	defaultProvider string
}

func NewRegistry(defaultProvider string, gateways ...paymentdomain.Gateway) *Registry {
	registry := &Registry{
		gateways:        map[string]paymentdomain.Gateway{},
		defaultProvider: normalize(defaultProvider),
	}
	for _, gateway := range gateways {
		if gateway == nil {
			continue
		}
		provider := normalize(gateway.Provider())
		if provider == "" {
			continue
		}
		registry.gateways[provider] = gateway
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.gateways[normalize(provider)]
	return ok
}

// Gateway returns the named gateway, or the default one when provider is
// empty.
func (r *Registry) Gateway(provider string) (paymentdomain.Gateway, error) {
	if r == nil {
		return nil, paymentdomain.ErrProviderNotFound
	}
	provider = normalize(provider)
	if provider == "" {
		provider = r.defaultProvider
	}
	gateway, ok := r.gateways[provider]
	if !ok {
		return nil, paymentdomain.ErrProviderNotFound
	}
	return gateway, nil
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
