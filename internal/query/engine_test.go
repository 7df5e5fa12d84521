package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objectstack/objectstack/internal/auth"
	"github.com/objectstack/objectstack/internal/relations"
	"github.com/objectstack/objectstack/internal/schema"
	"github.com/objectstack/objectstack/pkg/object"
	serverErrors "github.com/objectstack/objectstack/pkg/server/errors"
	"github.com/objectstack/objectstack/pkg/storage"
	"github.com/objectstack/objectstack/pkg/storage/memory"
)

type fixture struct {
	store  *memory.Datastore
	engine *Engine
	auth   *auth.Authorizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	schemas := schema.NewCache(store, nil)
	rel := relations.NewManager(store)

	authorizer, err := auth.NewAuthorizer(store, nil, nil)
	require.NoError(t, err)
	t.Cleanup(authorizer.Close)

	engine := NewEngine(store, schemas, rel, authorizer, nil)
	authorizer.SetRoleQuerier(engine)
	return &fixture{store: store, engine: engine, auth: authorizer}
}

func (f *fixture) create(t *testing.T, className string, docs ...object.Object) {
	t.Helper()
	for _, doc := range docs {
		require.NoError(t, f.store.Create(context.Background(), className, doc))
	}
}

func resultIDs(res Result) []string {
	ids := make([]string, 0, len(res.Results))
	for _, r := range res.Results {
		ids = append(ids, r.ObjectID())
	}
	return ids
}

func TestFindBasics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "Game",
		object.Object{"objectId": "g1", "score": 10},
		object.Object{"objectId": "g2", "score": 20},
		object.Object{"objectId": "g3", "score": 30},
	)

	res, err := f.engine.Find(ctx, auth.Master(), "Game", object.Object{"score": object.Object{"$gt": 10}}, Options{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"g2", "g3"}, resultIDs(res))

	res, err = f.engine.Find(ctx, auth.Master(), "Game", nil, Options{Sort: []string{"-score"}, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"g3", "g2"}, resultIDs(res))

	res, err = f.engine.Find(ctx, auth.Master(), "Game", nil, Options{Count: true})
	require.NoError(t, err)
	require.EqualValues(t, 3, res.Count)
}

func TestFindRejectsInvalidClassName(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Find(context.Background(), auth.Master(), "no spaces", nil, Options{})
	require.Equal(t, serverErrors.CodeInvalidClassName, serverErrors.CodeOf(err))
}

func TestFindDoesNotMutateCallerFilter(t *testing.T) {
	f := newFixture(t)
	f.create(t, "Game", object.Object{"objectId": "g1"})

	where := object.Object{"objectId": "g1"}
	_, err := f.engine.Find(context.Background(), auth.ForUser(object.Object{"objectId": "u1"}), "Game", where, Options{})
	require.NoError(t, err)
	require.Equal(t, object.Object{"objectId": "g1"}, where)
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "Game", object.Object{"objectId": "g1", "score": 1})

	doc, err := f.engine.Get(ctx, auth.Master(), "Game", "g1")
	require.NoError(t, err)
	require.Equal(t, "g1", doc.ObjectID())

	_, err = f.engine.Get(ctx, auth.Master(), "Game", "missing")
	require.Equal(t, serverErrors.CodeObjectNotFound, serverErrors.CodeOf(err))
}

func TestACLReadFiltering(t *testing.T) {
	// A record readable only by roleX is invisible until the actor's role
	// closure includes role:roleX.
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "Secret", object.Object{
		"objectId":             "s1",
		object.FieldReadPerms:  []any{"role:roleX"},
		object.FieldWritePerms: []any{"role:roleX"},
	})
	f.create(t, "Secret", object.Object{"objectId": "s2"})

	outsider := auth.ForUser(object.Object{"objectId": "u1"})
	res, err := f.engine.Find(ctx, outsider, "Secret", nil, Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"s2"}, resultIDs(res))

	// Grant the role and use a fresh identity so the closure is recomputed.
	f.create(t, object.ClassRole, object.Object{
		"objectId": "r1",
		"name":     "roleX",
	})
	require.NoError(t, f.store.Upsert(ctx, relations.JoinCollection("users", object.ClassRole),
		object.Object{"owningId": "r1", "relatedId": "u1"}))
	f.updateRoleSchema(t)

	member := auth.ForUser(object.Object{"objectId": "u1"})
	res, err = f.engine.Find(ctx, member, "Secret", nil, Options{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"s1", "s2"}, resultIDs(res))
}

// updateRoleSchema records the role membership fields as relations so the
// role queries fold them into join lookups.
func (f *fixture) updateRoleSchema(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), object.ClassSchema, object.Object{
		"_id":   object.ClassRole,
		"users": "relation<_User>",
		"roles": "relation<_Role>",
	}))
	// Drop the cached snapshot that predates the schema record.
	f.engine.schemas.Invalidate()
}

func TestPublicRecordsVisibleToAnonymous(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "Post",
		object.Object{"objectId": "p1", object.FieldReadPerms: []any{"*"}},
		object.Object{"objectId": "p2", object.FieldReadPerms: []any{"u9"}},
		object.Object{"objectId": "p3"},
	)

	res, err := f.engine.Find(ctx, auth.Nobody(), "Post", nil, Options{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"p1", "p3"}, resultIDs(res))
}

func TestRelatedToFolding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "_User",
		object.Object{"objectId": "u1"},
		object.Object{"objectId": "u2"},
		object.Object{"objectId": "u3"},
	)
	rel := relations.NewManager(f.store)
	require.NoError(t, rel.AddRelation(ctx, "likes", "Post", "p1", "u1"))
	require.NoError(t, rel.AddRelation(ctx, "likes", "Post", "p1", "u2"))

	res, err := f.engine.Find(ctx, auth.Master(), "_User", object.Object{
		"$relatedTo": object.Object{
			"object": object.Pointer("Post", "p1"),
			"key":    "likes",
		},
	}, Options{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"u1", "u2"}, resultIDs(res))
}

func TestRelationFieldFolding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.Create(ctx, object.ClassSchema, object.Object{
		"_id":     "Post",
		"likedBy": "relation<_User>",
	}))
	f.create(t, "Post",
		object.Object{"objectId": "p1"},
		object.Object{"objectId": "p2"},
	)
	rel := relations.NewManager(f.store)
	require.NoError(t, rel.AddRelation(ctx, "likedBy", "Post", "p1", "u1"))

	res, err := f.engine.Find(ctx, auth.Master(), "Post", object.Object{
		"likedBy": object.Pointer("_User", "u1"),
	}, Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, resultIDs(res))

	res, err = f.engine.Find(ctx, auth.Master(), "Post", object.Object{
		"likedBy": object.Object{"$in": []any{object.Pointer("_User", "u1"), object.Pointer("_User", "u9")}},
	}, Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, resultIDs(res))
}

func TestRelationConstraintsIntersect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.Create(ctx, object.ClassSchema, object.Object{
		"_id":      "Post",
		"likedBy":  "relation<_User>",
		"taggedBy": "relation<_User>",
	}))
	f.create(t, "Post",
		object.Object{"objectId": "p1"},
		object.Object{"objectId": "p2"},
		object.Object{"objectId": "p3"},
	)
	rel := relations.NewManager(f.store)
	require.NoError(t, rel.AddRelation(ctx, "likedBy", "Post", "p1", "u1"))
	require.NoError(t, rel.AddRelation(ctx, "likedBy", "Post", "p2", "u1"))
	require.NoError(t, rel.AddRelation(ctx, "taggedBy", "Post", "p1", "u2"))
	require.NoError(t, rel.AddRelation(ctx, "taggedBy", "Post", "p3", "u2"))

	t.Run("two_relation_fields_narrow_to_common_ids", func(t *testing.T) {
		res, err := f.engine.Find(ctx, auth.Master(), "Post", object.Object{
			"likedBy":  object.Pointer("_User", "u1"),
			"taggedBy": object.Pointer("_User", "u2"),
		}, Options{})
		require.NoError(t, err)
		require.Equal(t, []string{"p1"}, resultIDs(res))
	})

	t.Run("relation_field_keeps_explicit_object_id", func(t *testing.T) {
		res, err := f.engine.Find(ctx, auth.Master(), "Post", object.Object{
			"likedBy":  object.Pointer("_User", "u1"),
			"objectId": "p2",
		}, Options{})
		require.NoError(t, err)
		require.Equal(t, []string{"p2"}, resultIDs(res))
	})

	t.Run("disjoint_constraints_match_nothing", func(t *testing.T) {
		res, err := f.engine.Find(ctx, auth.Master(), "Post", object.Object{
			"taggedBy": object.Pointer("_User", "u2"),
			"objectId": "p2",
		}, Options{})
		require.NoError(t, err)
		require.Empty(t, res)
	})
}

func TestUserMasking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, object.ClassUser, object.Object{
		"objectId":                 "u1",
		"username":                 "ada",
		"sessionToken":             "r:secret",
		object.FieldHashedPassword: "$2a$10$hash",
		"_auth_data_anonymous":     object.Object{"id": "device-1"},
	})

	t.Run("owner_sees_auth_data", func(t *testing.T) {
		owner := auth.ForUser(object.Object{"objectId": "u1"})
		doc, err := f.engine.Get(ctx, owner, object.ClassUser, "u1")
		require.NoError(t, err)
		require.NotContains(t, doc, object.FieldHashedPassword)
		require.NotContains(t, doc, "_auth_data_anonymous")
		require.Equal(t, object.Object{"anonymous": object.Object{"id": "device-1"}}, doc["authData"])
		require.Equal(t, "r:secret", doc["sessionToken"])
	})

	t.Run("stranger_does_not", func(t *testing.T) {
		stranger := auth.ForUser(object.Object{"objectId": "u2"})
		doc, err := f.engine.Get(ctx, stranger, object.ClassUser, "u1")
		require.NoError(t, err)
		require.NotContains(t, doc, "authData")
		require.NotContains(t, doc, "sessionToken")
		require.NotContains(t, doc, object.FieldHashedPassword)
	})

	t.Run("master_sees_everything_but_password", func(t *testing.T) {
		doc, err := f.engine.Get(ctx, auth.Master(), object.ClassUser, "u1")
		require.NoError(t, err)
		require.Contains(t, doc, "authData")
		require.NotContains(t, doc, object.FieldHashedPassword)
	})
}

func TestGeoQueryCreatesIndexAndRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "Place", object.Object{
		"objectId": "pl1",
		"location": object.GeoPoint(40.0, -30.0),
	})

	where := object.Object{
		"location": object.Object{
			"$nearSphere": object.GeoPoint(40.0, -30.0),
		},
	}
	res, err := f.engine.Find(ctx, auth.Master(), "Place", where, Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"pl1"}, resultIDs(res))

	// The index now exists, so the direct store query succeeds too.
	_, err = f.store.Find(ctx, "Place", where, storage.FindOptions{})
	require.NoError(t, err)
}
