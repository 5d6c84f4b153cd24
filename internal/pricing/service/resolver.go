package service

import (
	"strings"

	"github.com/shopspring/decimal"
	pricingdomain "github.com/smallbiznis/tokenledger/internal/pricing/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// amountPlaces bounds the precision of priced amounts; per-token rates are
// in the 1e-6 range.
const amountPlaces = 10

type ServiceParam struct {
	fx.In

	Log    *zap.Logger
	Source pricingdomain.PolicySource
}

type Resolver struct {
	log    *zap.Logger
	source pricingdomain.PolicySource
}

func NewResolver(p ServiceParam) pricingdomain.Resolver {
	return &Resolver{
		log:    p.Log.Named("pricing.resolver"),
		source: p.Source,
	}
}

// Price computes the cost of a request under the current policy. Unknown
// providers are priced as foreign and flagged.
func (r *Resolver) Price(req pricingdomain.PriceRequest) (pricingdomain.CostBreakdown, error) {
	if req.InputTokens < 0 || req.OutputTokens < 0 {
		return pricingdomain.CostBreakdown{}, pricingdomain.ErrInvalidTokens
	}
	providerName := pricingdomain.NormalizeKey(req.Provider)
	if providerName == "" {
		return pricingdomain.CostBreakdown{}, pricingdomain.ErrInvalidProvider
	}

	policy := r.source.Policy()

	class := pricingdomain.ProviderClassForeign
	provider, known := policy.ProviderFor(providerName)
	if known {
		class = provider.Class
	} else {
		r.log.Warn("unknown provider, applying foreign tax class",
			zap.String("provider", providerName),
			zap.String("model", req.Model),
			zap.String("policy_version", policy.Version),
		)
	}

	rate, ok := policy.ModelRate(providerName, req.Model)
	if !ok {
		if known && !provider.DefaultRate.IsZero() {
			rate = provider.DefaultRate
		} else if rate, ok = policy.ClassDefaults[class]; !ok {
			return pricingdomain.CostBreakdown{}, pricingdomain.ErrInvalidPolicy
		}
	}

	input := decimal.NewFromInt(req.InputTokens)
	output := decimal.NewFromInt(req.OutputTokens)
	base := input.Mul(rate.Input).Add(output.Mul(rate.Output))

	discount := base.Mul(bestDiscount(policy.Discounts, providerName, req.Model))
	net := base.Sub(discount)

	taxRate := decimal.Zero
	if class == pricingdomain.ProviderClassDomestic {
		taxRate = policy.DomesticTaxRate
	}
	tax := net.Mul(taxRate)

	return pricingdomain.CostBreakdown{
		Base:            base.Round(amountPlaces),
		Discount:        discount.Round(amountPlaces),
		Tax:             tax.Round(amountPlaces),
		Total:           net.Add(tax).Round(amountPlaces),
		InputRate:       rate.Input,
		OutputRate:      rate.Output,
		TaxRate:         taxRate,
		Currency:        strings.ToUpper(policy.Currency),
		ProviderClass:   class,
		UnknownProvider: !known,
		PolicyVersion:   policy.Version,
	}, nil
}

// bestDiscount picks the largest matching percentage; discounts never stack.
func bestDiscount(discounts []pricingdomain.Discount, provider, model string) decimal.Decimal {
	best := decimal.Zero
	for _, d := range discounts {
		if d.Matches(provider, model) && d.Percent.GreaterThan(best) {
			best = d.Percent
		}
	}
	return best
}
