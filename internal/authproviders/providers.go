// Package authproviders validates third-party login credentials.
package authproviders

import (
	"context"

	"github.com/objectstack/objectstack/pkg/object"
)

// Provider validates the credentials a client presents for one external
// identity service.
type Provider interface {
	// ValidateAuthData checks that the credential payload is genuine.
	ValidateAuthData(ctx context.Context, authData object.Object) error

	// ValidateAppID checks that the credential was issued to one of the
	// configured application ids.
	ValidateAppID(ctx context.Context, appIDs []string, authData object.Object) error
}

// Registry maps provider names to providers. It is populated at startup and
// read-only afterwards.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

func (r *Registry) Register(name string, p Provider) {
	r.providers[name] = p
}

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}
