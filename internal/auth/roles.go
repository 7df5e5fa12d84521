package auth

import (
	"context"
	"fmt"
	"sort"

	"github.com/objectstack/objectstack/pkg/object"
	"github.com/objectstack/objectstack/pkg/storage"
)

// RolePrefix marks role names in ACL scoping lists.
const RolePrefix = "role:"

// UserRoles returns the prefixed role names the identity belongs to: the
// roles naming the user as a member, plus the roles related to those through
// the roles relation. Only one level of role nesting is followed; a role
// reachable only through two hops is not included. The closure is computed
// once per identity and memoized; concurrent calls for the same user share
// one computation.
func (a *Authorizer) UserRoles(ctx context.Context, ident *Identity) ([]string, error) {
	if ident.IsMaster || ident.User == nil {
		return nil, nil
	}
	if names, ok := ident.cachedRoles(); ok {
		return names, nil
	}

	result, err, _ := a.roleGroup.Do(ident.UserID(), func() (any, error) {
		return a.loadRoles(ctx, ident.UserID())
	})
	if err != nil {
		return nil, err
	}
	names := result.([]string)
	ident.memoizeRoles(names)
	return names, nil
}

func (a *Authorizer) loadRoles(ctx context.Context, userID string) ([]string, error) {
	direct, err := a.querier.FindAsMaster(ctx, object.ClassRole,
		object.Object{"users": object.Pointer(object.ClassUser, userID)},
		storage.FindOptions{})
	if err != nil {
		return nil, fmt.Errorf("loading direct roles: %w", err)
	}
	if len(direct) == 0 {
		return []string{}, nil
	}

	seen := map[string]string{}
	for _, role := range direct {
		recordRole(seen, role)
	}

	// One level of nesting: roles whose roles relation contains a direct
	// role. Parents of those parents are not followed.
	for _, role := range direct {
		parents, err := a.querier.FindAsMaster(ctx, object.ClassRole,
			object.Object{"roles": object.Pointer(object.ClassRole, role.ObjectID())},
			storage.FindOptions{})
		if err != nil {
			return nil, fmt.Errorf("loading parent roles: %w", err)
		}
		for _, parent := range parents {
			recordRole(seen, parent)
		}
	}

	names := make([]string, 0, len(seen))
	for _, name := range seen {
		names = append(names, RolePrefix+name)
	}
	sort.Strings(names)
	return names, nil
}

func recordRole(seen map[string]string, role object.Object) {
	id := role.ObjectID()
	if id == "" {
		return
	}
	if name, _ := role["name"].(string); name != "" {
		seen[id] = name
	}
}
