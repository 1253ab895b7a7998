// Package store defines the transactional data store contract the core
// persists through. The core treats the store as a row-shaped keyed
// collection per model; implementations own schema, isolation, and
// constraint enforcement.
package store

import (
	"context"
	"errors"

	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/model"
)

// Store errors.
var (
	ErrNotFound = errors.New("record not found")
	ErrNoModel  = errors.New("model has no table in this store")
)

// Query filters and pages a List or Count.
type Query struct {
	// Filter holds equality filters keyed by property name.
	Filter map[string]any

	// Search matches a substring against string value properties.
	Search string

	OrderBy    string
	Descending bool

	// Limit <= 0 means no limit. Offset < 0 is treated as 0.
	Limit  int
	Offset int
}

// Reader is the read-side contract, available both outside and inside a
// transaction.
type Reader interface {
	// Get fetches one record by primary key. Returns ErrNotFound when no
	// row exists with that key.
	Get(ctx context.Context, m *meta.Model, key any) (*model.Record, error)

	// List fetches records matching q, in query order.
	List(ctx context.Context, m *meta.Model, q Query) ([]*model.Record, error)

	// Count counts records matching q, ignoring paging.
	Count(ctx context.Context, m *meta.Model, q Query) (int, error)
}

// Tx is the mutation contract inside one transaction.
type Tx interface {
	Reader

	// Upsert inserts or updates rec by primary key and returns the key,
	// assigning a new one when the record has none.
	Upsert(ctx context.Context, rec *model.Record) (any, error)

	// Delete removes the row with the given key. Returns ErrNotFound when
	// no row exists with that key.
	Delete(ctx context.Context, m *meta.Model, key any) error
}

// Store is a transactional data store covering a solidified registry.
type Store interface {
	Reader

	// Transact runs fn inside one transaction using a retry-capable
	// execution strategy: when fn fails with an error the implementation
	// classifies as transient, the transaction is rolled back and the whole
	// of fn is retried from scratch. Any other error rolls back, clears
	// transaction-scoped caches, and is returned to the caller. A nil
	// return from fn commits.
	Transact(ctx context.Context, fn func(tx Tx) error) error
}
