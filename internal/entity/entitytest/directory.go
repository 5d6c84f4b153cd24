// Package entitytest provides an in-memory identity directory for tests.
package entitytest

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	entitydomain "github.com/smallbiznis/tokenledger/internal/entity/domain"
)

// Directory serves entities from memory. Err, when set, is returned by
// every lookup.
type Directory struct {
	mu       sync.Mutex
	entities map[snowflake.ID]entitydomain.Entity
	Err      error
	calls    int
}

func NewDirectory(entities ...entitydomain.Entity) *Directory {
	d := &Directory{entities: make(map[snowflake.ID]entitydomain.Entity, len(entities))}
	for _, e := range entities {
		d.entities[e.ID] = e
	}
	return d
}

func (d *Directory) GetEntity(_ context.Context, id snowflake.ID) (entitydomain.Entity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.Err != nil {
		return entitydomain.Entity{}, d.Err
	}
	entity, ok := d.entities[id]
	if !ok {
		return entitydomain.Entity{}, entitydomain.ErrEntityNotFound
	}
	return entity, nil
}

func (d *Directory) Put(entity entitydomain.Entity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entities[entity.ID] = entity
}

// Calls returns how many lookups were made.
func (d *Directory) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// SelfPaid returns an active SELF_PAID entity billed in currency.
func SelfPaid(id snowflake.ID, currency string) entitydomain.Entity {
	return entitydomain.Entity{
		ID:          id,
		BillingMode: entitydomain.BillingModeSelfPaid,
		Currency:    currency,
		CreditLimit: decimal.Zero,
		Active:      true,
	}
}
