// Package domain describes single-level referral bonuses.
package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokenledger/internal/billingerr"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
)

// ProcessRequest describes a closed usage charge that may earn the payer's
// referrer a bonus.
type ProcessRequest struct {
	PayerID       snowflake.ID
	TransactionID snowflake.ID
	InputTokens   int64
	OutputTokens  int64
	InputRate     decimal.Decimal
	OutputRate    decimal.Decimal
	Currency      string
}

// Policy is the share of each token pool's cost paid out to the referrer.
type Policy struct {
	InputShare  decimal.Decimal
	OutputShare decimal.Decimal
}

// Bonus returns the referrer's share of the charge described by req.
func (p Policy) Bonus(req ProcessRequest) decimal.Decimal {
	input := decimal.NewFromInt(req.InputTokens).Mul(req.InputRate).Mul(p.InputShare)
	output := decimal.NewFromInt(req.OutputTokens).Mul(req.OutputRate).Mul(p.OutputShare)
	return input.Add(output)
}

type Service interface {
	// Process credits the payer's referrer. It returns nil without error
	// when there is nothing to pay.
	Process(ctx context.Context, req ProcessRequest) (*ledgerdomain.Transaction, error)
}

var (
	ErrInvalidRequest = billingerr.New(billingerr.KindValidation, "invalid_referral_request")
)
