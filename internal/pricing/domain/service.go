package domain

import (
	"github.com/smallbiznis/tokenledger/internal/billingerr"
)

// PolicySource supplies the current pricing policy.
type PolicySource interface {
	Policy() Policy
}

// StaticPolicy is a PolicySource that never changes.
type StaticPolicy Policy

func (s StaticPolicy) Policy() Policy { return Policy(s) }

type Resolver interface {
	Price(PriceRequest) (CostBreakdown, error)
}

var (
	ErrInvalidTokens   = billingerr.New(billingerr.KindValidation, "invalid_tokens")
	ErrInvalidProvider = billingerr.New(billingerr.KindValidation, "invalid_provider")
	ErrInvalidPolicy   = billingerr.New(billingerr.KindValidation, "invalid_pricing_policy")
)
