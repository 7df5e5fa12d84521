// Package triggers dispatches user-registered save hooks.
package triggers

import (
	"context"
	"sync"

	"github.com/objectstack/objectstack/internal/auth"
	"github.com/objectstack/objectstack/pkg/object"
)

type Kind string

const (
	BeforeSave Kind = "beforeSave"
	AfterSave  Kind = "afterSave"
)

// Func is a save hook. For before-save hooks a non-nil return value replaces
// the pending write wholesale; after-save hooks' return values are ignored.
// original is nil for creates.
type Func func(ctx context.Context, ident *auth.Identity, updated, original object.Object) (object.Object, error)

// Registry holds at most one hook per (kind, class).
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind]map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[Kind]map[string]Func{}}
}

// Register installs fn for the given kind and class, replacing any previous
// hook.
func (r *Registry) Register(kind Kind, className string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byClass, ok := r.handlers[kind]
	if !ok {
		byClass = map[string]Func{}
		r.handlers[kind] = byClass
	}
	byClass[className] = fn
}

// MaybeRun invokes the hook registered for (kind, className), if any. When
// no hook is registered it returns (nil, nil); a nil result from a hook
// means the pending write stands unchanged.
func (r *Registry) MaybeRun(ctx context.Context, kind Kind, className string, ident *auth.Identity, updated, original object.Object) (object.Object, error) {
	r.mu.RLock()
	fn := r.handlers[kind][className]
	r.mu.RUnlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, ident, updated, original)
}
