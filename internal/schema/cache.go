package schema

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/objectstack/objectstack/pkg/logger"
	"github.com/objectstack/objectstack/pkg/object"
	serverErrors "github.com/objectstack/objectstack/pkg/server/errors"
	"github.com/objectstack/objectstack/pkg/storage"
)

// schemaListLimit bounds the _SCHEMA scan; a tenant with more classes than
// this has bigger problems.
const schemaListLimit = 1000

// Acceptor decides whether a cached snapshot satisfies the caller. When it
// rejects, the cache reloads at most once before returning whatever the
// store currently holds.
type Acceptor func(*Schema) bool

// Cache lazily loads and caches the class schema. Concurrent loads are
// deduplicated; Invalidate drops the snapshot so the next read reloads.
type Cache struct {
	store  storage.Datastore
	logger logger.Logger

	mu      sync.Mutex
	current *Schema

	group singleflight.Group
}

func NewCache(store storage.Datastore, log logger.Logger) *Cache {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &Cache{store: store, logger: log}
}

// Load returns the cached snapshot, loading it on first use.
func (c *Cache) Load(ctx context.Context) (*Schema, error) {
	return c.LoadWithAcceptor(ctx, nil)
}

// LoadWithAcceptor returns a snapshot the acceptor is happy with, reloading
// at most once when it isn't. The reloaded snapshot is returned without
// re-running the acceptor; callers surface their own error if the store
// still doesn't have what they need.
func (c *Cache) LoadWithAcceptor(ctx context.Context, acceptor Acceptor) (*Schema, error) {
	c.mu.Lock()
	cached := c.current
	c.mu.Unlock()

	if cached != nil && (acceptor == nil || acceptor(cached)) {
		return cached, nil
	}

	return c.reload(ctx)
}

// Invalidate drops the cached snapshot.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

func (c *Cache) reload(ctx context.Context) (*Schema, error) {
	result, err, _ := c.group.Do("schema", func() (any, error) {
		docs, err := c.store.Find(ctx, object.ClassSchema, storage.Filter{}, storage.FindOptions{Limit: schemaListLimit})
		if err != nil {
			return nil, err
		}
		loaded := NewSchema(docs)
		c.mu.Lock()
		c.current = loaded
		c.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Schema), nil
}

// ValidateObject checks that every field of the incoming payload is
// structurally acceptable for the class: type-compatible with the recorded
// schema or introducible as a new field. New fields are recorded add-only
// and persisted best-effort.
func (c *Cache) ValidateObject(ctx context.Context, className string, obj object.Object) error {
	if !ClassNameIsValid(className) {
		return serverErrors.InvalidClassName(className)
	}

	snapshot, err := c.Load(ctx)
	if err != nil {
		return err
	}

	for fieldName, value := range obj {
		if fieldName == "ACL" || isBuiltinField(fieldName) {
			continue
		}
		if !FieldNameIsValid(fieldName) {
			return serverErrors.InvalidKeyName(fieldName)
		}
		actual, err := TypeOf(value)
		if err != nil {
			return serverErrors.Newf(serverErrors.CodeIncorrectType, "invalid value for %s.%s: %v", className, fieldName, err)
		}
		if actual == "" {
			continue
		}
		expected := snapshot.ExpectedType(className, fieldName)
		if expected == "" {
			snapshot = c.addField(ctx, snapshot, className, fieldName, actual)
			continue
		}
		if expected != actual {
			return invalidTypeError(className, fieldName, expected, actual)
		}
	}
	return nil
}

// addField records a newly observed field. The snapshot swap is wholesale so
// readers of the previous snapshot are never mutated under them; persistence
// failures are logged and tolerated since the schema is advisory.
func (c *Cache) addField(ctx context.Context, snapshot *Schema, className, fieldName, typeTag string) *Schema {
	next := snapshot.withField(className, fieldName, typeTag)

	c.mu.Lock()
	if c.current == snapshot {
		c.current = next
	}
	c.mu.Unlock()

	_, err := c.store.Update(ctx, object.ClassSchema,
		storage.Filter{"_id": className},
		object.Object{fieldName: typeTag})
	if err == storage.ErrNotFound {
		err = c.store.Create(ctx, object.ClassSchema, object.Object{"_id": className, fieldName: typeTag})
	}
	if err != nil {
		c.logger.Warn("failed to persist schema field",
			zap.String("class", className),
			zap.String("field", fieldName),
			zap.Error(err))
	}
	return next
}
