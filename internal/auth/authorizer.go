package auth

import (
	"context"
	"time"

	"github.com/Yiling-J/theine-go"
	"golang.org/x/sync/singleflight"

	"github.com/objectstack/objectstack/pkg/logger"
	"github.com/objectstack/objectstack/pkg/object"
	"github.com/objectstack/objectstack/pkg/storage"
)

const defaultSessionCacheSize = 10_000

// RoleQuerier runs master-privileged reads with relation folding applied.
// The query engine satisfies this; an interface keeps the packages from
// depending on each other.
type RoleQuerier interface {
	FindAsMaster(ctx context.Context, className string, where object.Object, opts storage.FindOptions) ([]object.Object, error)
}

type AuthorizerOption func(*Authorizer)

func WithSessionCacheSize(n int64) AuthorizerOption {
	return func(a *Authorizer) { a.cacheSize = n }
}

// Authorizer resolves session tokens to identities. Resolved users are held
// in a process-wide cache with no expiry; entries leave only via Invalidate,
// which happens when the backing session record is destroyed.
type Authorizer struct {
	store   storage.Datastore
	querier RoleQuerier
	logger  logger.Logger

	cacheSize int64
	sessions  *theine.Cache[string, object.Object]
	group     singleflight.Group
	roleGroup singleflight.Group
}

func NewAuthorizer(store storage.Datastore, querier RoleQuerier, log logger.Logger, opts ...AuthorizerOption) (*Authorizer, error) {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	a := &Authorizer{
		store:     store,
		querier:   querier,
		logger:    log,
		cacheSize: defaultSessionCacheSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	cache, err := theine.NewBuilder[string, object.Object](a.cacheSize).Build()
	if err != nil {
		return nil, err
	}
	a.sessions = cache
	return a, nil
}

// SetRoleQuerier installs the querier used for role closure reads. The
// query engine both depends on the authorizer and serves these reads, so it
// is attached after construction, before any request is served.
func (a *Authorizer) SetRoleQuerier(q RoleQuerier) {
	a.querier = q
}

// ForSessionToken resolves token to an identity. Absent, expired, or
// userless sessions resolve to the anonymous identity, not an error.
// Concurrent misses for the same token share one lookup.
func (a *Authorizer) ForSessionToken(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return Nobody(), nil
	}

	if user, ok := a.sessions.Get(token); ok {
		return ForUser(user.Copy()), nil
	}

	result, err, _ := a.group.Do(token, func() (any, error) {
		return a.lookupSessionUser(ctx, token)
	})
	if err != nil {
		return nil, err
	}
	user, _ := result.(object.Object)
	if user == nil {
		return Nobody(), nil
	}
	return ForUser(user.Copy()), nil
}

// lookupSessionUser returns the session's user record, or nil when the token
// does not map to a live joined session. Only successful lookups are cached.
func (a *Authorizer) lookupSessionUser(ctx context.Context, token string) (object.Object, error) {
	sessions, err := a.store.Find(ctx, object.ClassSession,
		storage.Filter{"sessionToken": token}, storage.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	session := sessions[0]

	if expiry, ok := object.AsDate(session["expiresAt"]); ok && expiry.Before(time.Now()) {
		return nil, nil
	}

	_, userID, ok := object.AsPointer(session["user"])
	if !ok {
		return nil, nil
	}
	users, err := a.store.Find(ctx, object.ClassUser,
		storage.Filter{"objectId": userID}, storage.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}

	user := users[0]
	delete(user, object.FieldHashedPassword)
	user["sessionToken"] = token

	a.sessions.Set(token, user.Copy(), 1)
	return user, nil
}

// Invalidate drops a token from the session cache. Callers destroy the
// backing session record themselves.
func (a *Authorizer) Invalidate(token string) {
	a.sessions.Delete(token)
}

// InvalidateTokens drops each of the given tokens from the session cache.
// Used after a mass session destroy.
func (a *Authorizer) InvalidateTokens(tokens []string) {
	for _, token := range tokens {
		a.sessions.Delete(token)
	}
}

// Close releases the session cache.
func (a *Authorizer) Close() {
	a.sessions.Close()
}
