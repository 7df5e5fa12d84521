// Package query translates REST-style filters into datastore reads, folding
// relation clauses and ACL restrictions into the filter before it runs.
package query

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/objectstack/objectstack/internal/auth"
	"github.com/objectstack/objectstack/internal/relations"
	"github.com/objectstack/objectstack/internal/schema"
	"github.com/objectstack/objectstack/pkg/logger"
	"github.com/objectstack/objectstack/pkg/object"
	serverErrors "github.com/objectstack/objectstack/pkg/server/errors"
	"github.com/objectstack/objectstack/pkg/storage"
)

var (
	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "objectstack",
		Name:      "queries_total",
		Help:      "Number of queries executed, by mode.",
	}, []string{"mode"})

	geoIndexCreations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "objectstack",
		Name:      "geo_index_creations_total",
		Help:      "Number of geo indexes created on demand.",
	})
)

// Options carries the read options of one query.
type Options struct {
	Skip  int64
	Limit int64

	// Sort lists field names; a "-" prefix means descending.
	Sort []string

	// Count runs a count instead of returning results.
	Count bool
}

// Result is the outcome of a Find.
type Result struct {
	Results []object.Object
	Count   int64
}

// Engine runs reads for an identity.
type Engine struct {
	store     storage.Datastore
	schemas   *schema.Cache
	relations *relations.Manager
	auth      *auth.Authorizer
	logger    logger.Logger
}

func NewEngine(store storage.Datastore, schemas *schema.Cache, rel *relations.Manager, authorizer *auth.Authorizer, log logger.Logger) *Engine {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &Engine{
		store:     store,
		schemas:   schemas,
		relations: rel,
		auth:      authorizer,
		logger:    log,
	}
}

// Find runs a filtered read as the given identity. The caller's where map is
// never mutated.
func (e *Engine) Find(ctx context.Context, ident *auth.Identity, className string, where object.Object, opts Options) (Result, error) {
	if !schema.ClassNameIsValid(className) {
		return Result{}, serverErrors.InvalidClassName(className)
	}
	if where == nil {
		where = object.Object{}
	}
	filter := where.Copy()

	snapshot, err := e.schemas.LoadWithAcceptor(ctx, func(s *schema.Schema) bool {
		return s.HasKeys(className, keysForQuery(filter))
	})
	if err != nil {
		return Result{}, err
	}

	if err := e.foldRelatedTo(ctx, filter); err != nil {
		return Result{}, err
	}
	if err := e.foldRelationFields(ctx, snapshot, className, filter); err != nil {
		return Result{}, err
	}

	aclGroup, err := e.aclGroup(ctx, ident)
	if err != nil {
		return Result{}, err
	}
	if !ident.IsMaster {
		filter = restrictToReaders(filter, aclGroup)
	}

	findOpts := storage.FindOptions{Skip: opts.Skip, Limit: opts.Limit}
	for _, field := range opts.Sort {
		if field == "" {
			continue
		}
		key := storage.SortKey{Field: field}
		if strings.HasPrefix(field, "-") {
			key = storage.SortKey{Field: field[1:], Descending: true}
		}
		findOpts.Sort = append(findOpts.Sort, key)
	}

	if opts.Count {
		queriesTotal.WithLabelValues("count").Inc()
		n, err := e.store.Count(ctx, className, filter)
		if err != nil {
			return Result{}, err
		}
		return Result{Count: n}, nil
	}

	queriesTotal.WithLabelValues("find").Inc()
	raw, err := e.findWithGeoRetry(ctx, className, filter, findOpts)
	if err != nil {
		return Result{}, err
	}

	results := make([]object.Object, 0, len(raw))
	for _, doc := range raw {
		results = append(results, presentObject(className, doc, ident, aclGroup))
	}
	return Result{Results: results}, nil
}

// Get returns a single object by id, or the not-found error.
func (e *Engine) Get(ctx context.Context, ident *auth.Identity, className, objectID string) (object.Object, error) {
	res, err := e.Find(ctx, ident, className, object.Object{"objectId": objectID}, Options{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(res.Results) == 0 {
		return nil, serverErrors.ObjectNotFound()
	}
	return res.Results[0], nil
}

// FindAsMaster runs an unrestricted read. It satisfies the role querier
// contract of the auth package.
func (e *Engine) FindAsMaster(ctx context.Context, className string, where object.Object, opts storage.FindOptions) ([]object.Object, error) {
	res, err := e.Find(ctx, auth.Master(), className, where, Options{Skip: opts.Skip, Limit: opts.Limit})
	if err != nil {
		return nil, err
	}
	return res.Results, nil
}

// aclGroup returns the read-scoping entries for an identity: its user id
// plus its role closure. The public marker is added by restrictToReaders.
func (e *Engine) aclGroup(ctx context.Context, ident *auth.Identity) ([]string, error) {
	if ident.IsMaster || ident.User == nil {
		return nil, nil
	}
	roles, err := e.auth.UserRoles(ctx, ident)
	if err != nil {
		return nil, err
	}
	return append([]string{ident.UserID()}, roles...), nil
}

// foldRelatedTo rewrites $relatedTo clauses into objectId $in filters. A
// replacement can expose one more $relatedTo, which is folded as well.
func (e *Engine) foldRelatedTo(ctx context.Context, filter object.Object) error {
	for range [2]int{} {
		clause, ok := object.AsMap(filter["$relatedTo"])
		if !ok {
			return nil
		}
		key, _ := clause["key"].(string)
		ownerClass, ownerID, isPtr := object.AsPointer(clause["object"])
		if key == "" || !isPtr {
			return serverErrors.Newf(serverErrors.CodeInvalidQuery, "improper usage of $relatedTo")
		}
		ids, err := e.relations.RelatedIDs(ctx, key, ownerClass, ownerID)
		if err != nil {
			return err
		}
		delete(filter, "$relatedTo")
		constrainObjectIDs(filter, ids)
	}
	return nil
}

// foldRelationFields rewrites $in and pointer-equality constraints on
// relation-typed fields into objectId $in filters over the owning ids.
// Each fold conjoins with whatever objectId clause is already present, so
// several relation constraints narrow to their intersection.
func (e *Engine) foldRelationFields(ctx context.Context, snapshot *schema.Schema, className string, filter object.Object) error {
	var relationKeys []string
	for key := range filter {
		value, ok := object.AsMap(filter[key])
		if !ok {
			continue
		}
		_, hasIn := value["$in"].([]any)
		if !hasIn && value["__type"] != "Pointer" {
			continue
		}
		if _, isRelation := schema.RelationTarget(snapshot.ExpectedType(className, key)); isRelation {
			relationKeys = append(relationKeys, key)
		}
	}

	for _, key := range relationKeys {
		value, _ := object.AsMap(filter[key])
		inList, hasIn := value["$in"].([]any)

		var relatedIDs []string
		if hasIn {
			for _, entry := range inList {
				if m, ok := object.AsMap(entry); ok {
					if id, _ := m["objectId"].(string); id != "" {
						relatedIDs = append(relatedIDs, id)
					}
				}
			}
		} else {
			if id, _ := value["objectId"].(string); id != "" {
				relatedIDs = []string{id}
			}
		}

		owning, err := e.relations.OwningIDs(ctx, key, className, relatedIDs)
		if err != nil {
			return err
		}
		delete(filter, key)
		constrainObjectIDs(filter, owning)
	}
	return nil
}

// constrainObjectIDs adds an objectId $in constraint to the filter. An
// existing id clause is intersected when its shape allows it, otherwise
// both clauses are kept under $and.
func constrainObjectIDs(filter object.Object, ids []string) {
	prev, present := filter["objectId"]
	if !present {
		filter["objectId"] = object.Object{"$in": toAnySlice(ids)}
		return
	}
	if prevIDs, ok := objectIDSet(prev); ok {
		filter["objectId"] = object.Object{"$in": toAnySlice(intersectIDs(prevIDs, ids))}
		return
	}
	and, _ := filter["$and"].([]any)
	filter["$and"] = append(and,
		object.Object{"objectId": prev},
		object.Object{"objectId": object.Object{"$in": toAnySlice(ids)}})
	delete(filter, "objectId")
}

// objectIDSet extracts the id list from an objectId clause that is either a
// bare string or a {$in: [...]} of strings.
func objectIDSet(clause any) ([]string, bool) {
	if id, ok := clause.(string); ok {
		return []string{id}, true
	}
	m, ok := object.AsMap(clause)
	if !ok || len(m) != 1 {
		return nil, false
	}
	list, ok := m["$in"].([]any)
	if !ok {
		return nil, false
	}
	ids := make([]string, 0, len(list))
	for _, entry := range list {
		id, ok := entry.(string)
		if !ok {
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

func intersectIDs(a, b []string) []string {
	member := make(map[string]struct{}, len(b))
	for _, id := range b {
		member[id] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, id := range a {
		if _, ok := member[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// findWithGeoRetry runs the find, creating a missing geo index and retrying
// exactly once when the store asks for one.
func (e *Engine) findWithGeoRetry(ctx context.Context, className string, filter object.Object, opts storage.FindOptions) ([]object.Object, error) {
	results, err := e.store.Find(ctx, className, filter, opts)
	if err == nil {
		return results, nil
	}
	var missing *storage.MissingGeoIndexError
	if !errors.As(err, &missing) {
		return nil, err
	}

	e.logger.Info("creating geo index on demand",
		zap.String("collection", missing.Collection),
		zap.String("field", missing.Field))
	if err := e.store.CreateIndex(ctx, missing.Collection, missing.Field, storage.IndexKind2D); err != nil {
		return nil, err
	}
	geoIndexCreations.Inc()
	return e.store.Find(ctx, className, filter, opts)
}

// restrictToReaders conjoins the ACL read disjunction: either the object has
// no read restriction, or its readers intersect the public marker plus the
// acl group.
func restrictToReaders(filter object.Object, aclGroup []string) object.Object {
	orParts := []any{
		object.Object{object.FieldReadPerms: object.Object{"$exists": false}},
		object.Object{object.FieldReadPerms: object.Object{"$in": []any{object.PublicACLKey}}},
	}
	for _, acl := range aclGroup {
		orParts = append(orParts, object.Object{object.FieldReadPerms: object.Object{"$in": []any{acl}}})
	}
	return object.Object{"$and": []any{filter, object.Object{"$or": orParts}}}
}

// presentObject converts a stored record to its response shape: storage-only
// fields are stripped, provider credentials are folded into authData, and
// user records hide their credentials from everyone but master and the user
// themselves.
func presentObject(className string, doc object.Object, ident *auth.Identity, aclGroup []string) object.Object {
	out := doc.Copy()
	delete(out, object.FieldHashedPassword)
	delete(out, object.FieldReadPerms)
	delete(out, object.FieldWritePerms)

	var authData object.Object
	for key, value := range out {
		provider, ok := strings.CutPrefix(key, "_auth_data_")
		if !ok {
			continue
		}
		if authData == nil {
			authData = object.Object{}
		}
		authData[provider] = value
		delete(out, key)
	}
	if authData != nil {
		out["authData"] = authData
	}

	if className != object.ClassUser {
		return out
	}
	if ident.IsMaster {
		return out
	}
	for _, acl := range aclGroup {
		if acl == out.ObjectID() {
			return out
		}
	}
	delete(out, "authData")
	delete(out, "sessionToken")
	return out
}

// keysForQuery returns the filter's constrained field names; for compound
// filters, the union across the subfilters.
func keysForQuery(filter object.Object) []string {
	sublist, ok := filter["$and"].([]any)
	if !ok {
		sublist, ok = filter["$or"].([]any)
	}
	if ok {
		var keys []string
		seen := map[string]bool{}
		for _, sub := range sublist {
			if m, isMap := object.AsMap(sub); isMap {
				for _, key := range keysForQuery(m) {
					if !seen[key] {
						seen[key] = true
						keys = append(keys, key)
					}
				}
			}
		}
		return keys
	}

	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	return keys
}

func toAnySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
