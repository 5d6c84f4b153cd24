// Package domain contains the pricing policy table and cost breakdown types.
package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ProviderClass decides which tax regime applies to a provider.
type ProviderClass string

const (
	ProviderClassDomestic ProviderClass = "domestic"
	ProviderClassForeign  ProviderClass = "foreign"
)

// Rate is a per-token price pair.
type Rate struct {
	Input  decimal.Decimal
	Output decimal.Decimal
}

// IsZero reports whether neither side carries a price.
func (r Rate) IsZero() bool {
	return r.Input.IsZero() && r.Output.IsZero()
}

// Provider registers a provider with its tax class and fallback rate.
type Provider struct {
	Name        string
	Class       ProviderClass
	DefaultRate Rate
}

// Discount reduces the base cost by Percent (a fraction, 0.15 = 15%).
// Empty Provider or Model match any value.
type Discount struct {
	Provider string
	Model    string
	Percent  decimal.Decimal
}

// Matches reports whether the discount applies to provider/model.
func (d Discount) Matches(provider, model string) bool {
	if p := NormalizeKey(d.Provider); p != "" && p != NormalizeKey(provider) {
		return false
	}
	if m := NormalizeKey(d.Model); m != "" && m != NormalizeKey(model) {
		return false
	}
	return true
}

// Policy is a versioned pricing table. Keys in Providers and Models are
// normalized with NormalizeKey and ModelKey.
type Policy struct {
	Version         string
	Currency        string
	DomesticTaxRate decimal.Decimal
	ClassDefaults   map[ProviderClass]Rate
	Providers       map[string]Provider
	Models          map[string]Rate
	Discounts       []Discount
}

// ProviderFor returns the registered provider, if any.
func (p Policy) ProviderFor(name string) (Provider, bool) {
	provider, ok := p.Providers[NormalizeKey(name)]
	return provider, ok
}

// ModelRate returns the exact provider+model rate, if any.
func (p Policy) ModelRate(provider, model string) (Rate, bool) {
	rate, ok := p.Models[ModelKey(provider, model)]
	return rate, ok
}

// PriceRequest describes one metered consumption to be priced.
type PriceRequest struct {
	Service      string
	Resource     string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// CostBreakdown is the result of pricing a request.
type CostBreakdown struct {
	Base            decimal.Decimal `json:"base"`
	Discount        decimal.Decimal `json:"discount"`
	Tax             decimal.Decimal `json:"tax"`
	Total           decimal.Decimal `json:"total"`
	InputRate       decimal.Decimal `json:"input_rate"`
	OutputRate      decimal.Decimal `json:"output_rate"`
	TaxRate         decimal.Decimal `json:"tax_rate"`
	Currency        string          `json:"currency"`
	ProviderClass   ProviderClass   `json:"provider_class"`
	UnknownProvider bool            `json:"unknown_provider"`
	PolicyVersion   string          `json:"policy_version"`
}

func NormalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func ModelKey(provider, model string) string {
	return NormalizeKey(provider) + "/" + NormalizeKey(model)
}
