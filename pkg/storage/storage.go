// Package storage contains the datastore contract and shared filter types.
package storage

import (
	"context"

	"github.com/objectstack/objectstack/pkg/object"
)

// DefaultListLimit bounds Find calls that don't specify a limit.
const DefaultListLimit = 100

// Filter is a REST-format where clause. Field names map to either a literal
// value (equality) or an operator object ($in, $ne, $exists, comparisons,
// $all, $regex, $nearSphere). The reserved keys $and and $or hold lists of
// subfilters.
type Filter = object.Object

// SortKey describes one element of a sort order.
type SortKey struct {
	Field      string
	Descending bool
}

// FindOptions carries the read options for Find. A zero Limit applies
// DefaultListLimit; a negative Limit disables the bound.
type FindOptions struct {
	Skip  int64
	Limit int64
	Sort  []SortKey
}

// UpdateResult reports the outcome of an atomic update.
type UpdateResult struct {
	// Computed holds post-image values for operators whose results aren't
	// known ahead of time, such as Increment.
	Computed object.Object
}

// IndexKind2D is the index kind backing geo queries.
const IndexKind2D = "2d"

// Datastore is the persistence contract. Collections are created implicitly
// on first write; records are REST-format objects.
//
// Update and Destroy apply their filter atomically (match-and-apply); two
// concurrent writes to the same object race at this boundary and nowhere
// else.
type Datastore interface {
	// Find returns the records matching filter, honoring opts.
	Find(ctx context.Context, collection string, filter Filter, opts FindOptions) ([]object.Object, error)

	// Count returns the number of records matching filter.
	Count(ctx context.Context, collection string, filter Filter) (int64, error)

	// Create inserts a new record.
	Create(ctx context.Context, collection string, obj object.Object) error

	// Update atomically applies update to the first record matching filter.
	// Field values in update may be operator objects (Increment, Delete,
	// Add, AddUnique, Remove). Returns ErrNotFound when nothing matches.
	Update(ctx context.Context, collection string, filter Filter, update object.Object) (UpdateResult, error)

	// Upsert inserts doc unless an identical record already exists. Used for
	// relation edges; repeating the call is a no-op.
	Upsert(ctx context.Context, collection string, doc object.Object) error

	// Destroy removes all records matching filter and reports how many were
	// removed. Matching zero records is not an error at this layer.
	Destroy(ctx context.Context, collection string, filter Filter) (int64, error)

	// CreateIndex creates a secondary index of the given kind on field.
	// Creating an index that already exists is a no-op.
	CreateIndex(ctx context.Context, collection, field, kind string) error

	// Close releases the backend's resources.
	Close()
}
