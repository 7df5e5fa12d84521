// Package auth resolves session tokens to identities and computes the role
// closure an identity belongs to.
package auth

import (
	"sync"

	"github.com/objectstack/objectstack/pkg/object"
)

// Identity is the resolved actor behind a request. It lives for one request;
// the role closure is computed at most once and memoized on it.
type Identity struct {
	IsMaster bool
	User     object.Object

	mu        sync.Mutex
	resolved  bool
	roleNames []string
}

// Master returns the all-powerful identity.
func Master() *Identity {
	return &Identity{IsMaster: true, resolved: true}
}

// Nobody returns the anonymous identity.
func Nobody() *Identity {
	return &Identity{resolved: true}
}

// ForUser returns an identity for an authenticated user.
func ForUser(user object.Object) *Identity {
	return &Identity{User: user}
}

// UserID returns the authenticated user's object id, or "".
func (i *Identity) UserID() string {
	if i.User == nil {
		return ""
	}
	return i.User.ObjectID()
}

// CouldUpdateUserID reports whether the identity may modify the given user
// record. Only master and the user themselves may.
func (i *Identity) CouldUpdateUserID(objectID string) bool {
	if i.IsMaster {
		return true
	}
	return i.User != nil && i.UserID() == objectID
}

// cachedRoles returns the memoized closure, if resolved.
func (i *Identity) cachedRoles() ([]string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.roleNames, i.resolved
}

func (i *Identity) memoizeRoles(names []string) {
	i.mu.Lock()
	i.roleNames = names
	i.resolved = true
	i.mu.Unlock()
}
