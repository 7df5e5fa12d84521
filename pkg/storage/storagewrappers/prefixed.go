// Package storagewrappers contains decorators for the Datastore contract.
package storagewrappers

import (
	"context"

	"github.com/objectstack/objectstack/pkg/object"
	"github.com/objectstack/objectstack/pkg/storage"
)

// PrefixedDatastore namespaces every collection with a tenant prefix so
// multiple apps can share one backend.
type PrefixedDatastore struct {
	inner  storage.Datastore
	prefix string
}

var _ storage.Datastore = (*PrefixedDatastore)(nil)

func NewPrefixedDatastore(inner storage.Datastore, prefix string) *PrefixedDatastore {
	return &PrefixedDatastore{inner: inner, prefix: prefix}
}

func (d *PrefixedDatastore) Find(ctx context.Context, collection string, filter storage.Filter, opts storage.FindOptions) ([]object.Object, error) {
	return d.inner.Find(ctx, d.prefix+collection, filter, opts)
}

func (d *PrefixedDatastore) Count(ctx context.Context, collection string, filter storage.Filter) (int64, error) {
	return d.inner.Count(ctx, d.prefix+collection, filter)
}

func (d *PrefixedDatastore) Create(ctx context.Context, collection string, obj object.Object) error {
	return d.inner.Create(ctx, d.prefix+collection, obj)
}

func (d *PrefixedDatastore) Update(ctx context.Context, collection string, filter storage.Filter, update object.Object) (storage.UpdateResult, error) {
	return d.inner.Update(ctx, d.prefix+collection, filter, update)
}

func (d *PrefixedDatastore) Upsert(ctx context.Context, collection string, doc object.Object) error {
	return d.inner.Upsert(ctx, d.prefix+collection, doc)
}

func (d *PrefixedDatastore) Destroy(ctx context.Context, collection string, filter storage.Filter) (int64, error) {
	return d.inner.Destroy(ctx, d.prefix+collection, filter)
}

func (d *PrefixedDatastore) CreateIndex(ctx context.Context, collection, field, kind string) error {
	return d.inner.CreateIndex(ctx, d.prefix+collection, field, kind)
}

func (d *PrefixedDatastore) Close() {
	d.inner.Close()
}
