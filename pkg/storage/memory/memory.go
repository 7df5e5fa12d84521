// Package memory provides an in-process Datastore implementation.
//
// It evaluates REST-format filters directly against stored objects and is the
// reference implementation of the datastore contract for tests and local
// development.
package memory

import (
	"context"
	"sync"

	"github.com/objectstack/objectstack/pkg/id"
	"github.com/objectstack/objectstack/pkg/object"
	"github.com/objectstack/objectstack/pkg/storage"
)

type record struct {
	rowID string
	doc   object.Object
}

// Datastore is an in-memory implementation of storage.Datastore. Safe for
// concurrent use.
type Datastore struct {
	mu          sync.RWMutex
	collections map[string][]*record
	indexes     map[string]map[string]string // collection -> field -> kind
}

var _ storage.Datastore = (*Datastore)(nil)

func New() *Datastore {
	return &Datastore{
		collections: map[string][]*record{},
		indexes:     map[string]map[string]string{},
	}
}

func (d *Datastore) Find(ctx context.Context, collection string, filter storage.Filter, opts storage.FindOptions) ([]object.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := d.checkGeoIndexes(collection, filter); err != nil {
		return nil, err
	}

	var out []object.Object
	for _, rec := range d.collections[collection] {
		ok, err := matches(rec.doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec.doc.Copy())
		}
	}

	sortResults(out, opts.Sort, geoQuery(filter))

	if opts.Skip > 0 {
		if opts.Skip >= int64(len(out)) {
			return nil, nil
		}
		out = out[opts.Skip:]
	}
	limit := opts.Limit
	if limit == 0 {
		limit = storage.DefaultListLimit
	}
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *Datastore) Count(ctx context.Context, collection string, filter storage.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var count int64
	for _, rec := range d.collections[collection] {
		ok, err := matches(rec.doc, filter)
		if err != nil {
			return 0, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

func (d *Datastore) Create(ctx context.Context, collection string, obj object.Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.collections[collection] = append(d.collections[collection], &record{
		rowID: id.NewRowID(),
		doc:   obj.Copy(),
	})
	return nil
}

func (d *Datastore) Update(ctx context.Context, collection string, filter storage.Filter, update object.Object) (storage.UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.UpdateResult{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, rec := range d.collections[collection] {
		ok, err := matches(rec.doc, filter)
		if err != nil {
			return storage.UpdateResult{}, err
		}
		if !ok {
			continue
		}
		computed := storage.ApplyUpdate(rec.doc, update)
		return storage.UpdateResult{Computed: computed}, nil
	}
	return storage.UpdateResult{}, storage.ErrNotFound
}

func (d *Datastore) Upsert(ctx context.Context, collection string, doc object.Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, rec := range d.collections[collection] {
		if valueEquals(rec.doc, doc) {
			return nil
		}
	}
	d.collections[collection] = append(d.collections[collection], &record{
		rowID: id.NewRowID(),
		doc:   doc.Copy(),
	})
	return nil
}

func (d *Datastore) Destroy(ctx context.Context, collection string, filter storage.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var kept []*record
	var removed int64
	for _, rec := range d.collections[collection] {
		ok, err := matches(rec.doc, filter)
		if err != nil {
			return 0, err
		}
		if ok {
			removed++
		} else {
			kept = append(kept, rec)
		}
	}
	d.collections[collection] = kept
	return removed, nil
}

func (d *Datastore) CreateIndex(ctx context.Context, collection, field, kind string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.indexes[collection] == nil {
		d.indexes[collection] = map[string]string{}
	}
	d.indexes[collection][field] = kind
	return nil
}

func (d *Datastore) Close() {}

// checkGeoIndexes fails a geo query on a field with no 2d index, mirroring
// the behavior of a document store that requires explicit geo indexing.
func (d *Datastore) checkGeoIndexes(collection string, filter storage.Filter) error {
	for key, cond := range filter {
		if key == "$and" || key == "$or" {
			subs, _ := cond.([]any)
			for _, sub := range subs {
				subFilter, ok := object.AsMap(sub)
				if !ok {
					continue
				}
				if err := d.checkGeoIndexes(collection, subFilter); err != nil {
					return err
				}
			}
			continue
		}
		ops, ok := operatorObject(cond)
		if !ok {
			continue
		}
		if _, geo := ops["$nearSphere"]; !geo {
			continue
		}
		if d.indexes[collection][key] != storage.IndexKind2D {
			return &storage.MissingGeoIndexError{Collection: collection, Field: key}
		}
	}
	return nil
}

