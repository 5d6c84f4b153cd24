// Package domain describes payer resolution for hierarchical billing.
package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	entitydomain "github.com/smallbiznis/tokenledger/internal/entity/domain"
)

// Resolution names the entity charged for a request and the entity that
// made it.
type Resolution struct {
	PayerID     snowflake.ID
	InitiatorID snowflake.ID
	BillingMode entitydomain.BillingMode
}

// ChargedToParent reports whether the payer differs from the initiator.
func (r Resolution) ChargedToParent() bool {
	return r.PayerID != r.InitiatorID
}

type Service interface {
	ResolvePayer(ctx context.Context, initiatorID snowflake.ID) (Resolution, error)
}
