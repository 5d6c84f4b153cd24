// Package repository is a generic gorm store for read-mostly records.
package repository

import (
	"context"

	"gorm.io/gorm"
)

// Repository reads and writes records of type T.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	Count(ctx context.Context, query *T) (int64, error)
}

// QueryOption adjusts a query before it runs.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type queryOptionFunc func(db *gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// WithLimit caps the number of rows returned. Non-positive limits are ignored.
func WithLimit(limit int) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}

// WithOrder sorts by column, descending when desc is set. Only columns in
// allow are accepted; anything else leaves the query unsorted.
func WithOrder(column string, desc bool, allow map[string]bool) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if !allow[column] {
			return db
		}
		if desc {
			return db.Order(column + " DESC")
		}
		return db.Order(column + " ASC")
	})
}

// WithBefore keeps rows whose column sorts strictly before value, for
// keyset pagination.
func WithBefore(column string, value any, allow map[string]bool) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if !allow[column] || value == nil {
			return db
		}
		return db.Where(column+" < ?", value)
	})
}
