package object

import (
	"sort"

	serverErrors "github.com/objectstack/objectstack/pkg/server/errors"
)

// PublicACLKey grants a permission to every actor, authenticated or not.
const PublicACLKey = "*"

// unresolvedACLKey is a client-SDK artifact that must never reach storage.
const unresolvedACLKey = "*unresolved"

// Permission is a single ACL grant.
type Permission struct {
	Read  bool
	Write bool
}

// ACL maps an actor key (user id, "role:<name>", or "*") to its grants.
// Absence of a key means no declared grant for that actor.
type ACL map[string]Permission

// ParseACL decodes the REST "ACL" field. A nil value yields a nil ACL.
func ParseACL(v any) (ACL, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := AsMap(v)
	if !ok {
		return nil, serverErrors.InvalidACL()
	}
	acl := make(ACL, len(m))
	for key, entry := range m {
		if key == unresolvedACLKey {
			return nil, serverErrors.InvalidACL()
		}
		perms, ok := AsMap(entry)
		if !ok {
			return nil, serverErrors.InvalidACL()
		}
		var p Permission
		for op, val := range perms {
			allowed, ok := val.(bool)
			if !ok {
				return nil, serverErrors.InvalidACL()
			}
			switch op {
			case "read":
				p.Read = allowed
			case "write":
				p.Write = allowed
			default:
				return nil, serverErrors.InvalidACL()
			}
		}
		acl[key] = p
	}
	return acl, nil
}

// ReaderKeys returns the actor keys granted read, sorted for determinism.
func (a ACL) ReaderKeys() []string {
	return a.keysWhere(func(p Permission) bool { return p.Read })
}

// WriterKeys returns the actor keys granted write, sorted for determinism.
func (a ACL) WriterKeys() []string {
	return a.keysWhere(func(p Permission) bool { return p.Write })
}

func (a ACL) keysWhere(pred func(Permission) bool) []string {
	keys := make([]string, 0, len(a))
	for key, p := range a {
		if pred(p) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Encode renders the ACL back into its REST form.
func (a ACL) Encode() Object {
	out := make(Object, len(a))
	for key, p := range a {
		entry := Object{}
		if p.Read {
			entry["read"] = true
		}
		if p.Write {
			entry["write"] = true
		}
		out[key] = entry
	}
	return out
}

// DefaultUserACL is the ACL synthesized for newly created users: the owner
// gets read and write, the public gets read only.
func DefaultUserACL(ownerID string) ACL {
	return ACL{
		ownerID:      {Read: true, Write: true},
		PublicACLKey: {Read: true},
	}
}
