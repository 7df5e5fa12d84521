package relations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objectstack/objectstack/pkg/object"
	"github.com/objectstack/objectstack/pkg/storage/memory"
)

func TestJoinCollection(t *testing.T) {
	require.Equal(t, "_Join:likes:Post", JoinCollection("likes", "Post"))
}

func TestAddRemoveRelationIdempotence(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := NewManager(store)

	require.NoError(t, m.AddRelation(ctx, "likes", "Post", "p1", "u1"))
	require.NoError(t, m.AddRelation(ctx, "likes", "Post", "p1", "u1"))

	related, err := m.RelatedIDs(ctx, "likes", "Post", "p1")
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, related)

	require.NoError(t, m.RemoveRelation(ctx, "likes", "Post", "p1", "u1"))
	require.NoError(t, m.RemoveRelation(ctx, "likes", "Post", "p1", "u1"))

	related, err = m.RelatedIDs(ctx, "likes", "Post", "p1")
	require.NoError(t, err)
	require.Empty(t, related)
}

func TestOwningIDs(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memory.New())

	require.NoError(t, m.AddRelation(ctx, "members", "Team", "t1", "u1"))
	require.NoError(t, m.AddRelation(ctx, "members", "Team", "t1", "u2"))
	require.NoError(t, m.AddRelation(ctx, "members", "Team", "t2", "u2"))

	owning, err := m.OwningIDs(ctx, "members", "Team", []string{"u1", "u2"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"t1", "t2"}, owning)

	owning, err = m.OwningIDs(ctx, "members", "Team", []string{"u3"})
	require.NoError(t, err)
	require.Empty(t, owning)
}

func TestExtractOps(t *testing.T) {
	t.Run("passes_plain_fields_through", func(t *testing.T) {
		payload := object.Object{"title": "hello", "score": 5}
		cleaned, ops := ExtractOps(payload)
		require.Empty(t, ops)
		require.Equal(t, payload, cleaned)
	})

	t.Run("extracts_add_and_remove", func(t *testing.T) {
		payload := object.Object{
			"title": "hello",
			"likes": object.Object{
				"__op":    "AddRelation",
				"objects": []any{object.Pointer("_User", "u1"), object.Pointer("_User", "u2")},
			},
			"tags": object.Object{
				"__op":    "RemoveRelation",
				"objects": []any{object.Pointer("Tag", "t1")},
			},
		}
		cleaned, ops := ExtractOps(payload)
		require.Equal(t, object.Object{"title": "hello"}, cleaned)
		require.ElementsMatch(t, []EdgeOp{
			{Field: "likes", RelatedID: "u1", Add: true},
			{Field: "likes", RelatedID: "u2", Add: true},
			{Field: "tags", RelatedID: "t1", Add: false},
		}, ops)
	})

	t.Run("walks_batch_operators", func(t *testing.T) {
		payload := object.Object{
			"likes": object.Object{
				"__op": "Batch",
				"ops": []any{
					object.Object{"__op": "AddRelation", "objects": []any{object.Pointer("_User", "u1")}},
					object.Object{"__op": "RemoveRelation", "objects": []any{object.Pointer("_User", "u2")}},
				},
			},
		}
		cleaned, ops := ExtractOps(payload)
		require.NotContains(t, cleaned, "likes")
		require.ElementsMatch(t, []EdgeOp{
			{Field: "likes", RelatedID: "u1", Add: true},
			{Field: "likes", RelatedID: "u2", Add: false},
		}, ops)
	})

	t.Run("leaves_non_relation_operators_alone", func(t *testing.T) {
		payload := object.Object{
			"score": object.Object{"__op": "Increment", "amount": 1},
		}
		cleaned, ops := ExtractOps(payload)
		require.Empty(t, ops)
		require.Equal(t, payload, cleaned)
	})

	t.Run("does_not_mutate_the_input", func(t *testing.T) {
		payload := object.Object{
			"likes": object.Object{
				"__op":    "AddRelation",
				"objects": []any{object.Pointer("_User", "u1")},
			},
		}
		_, _ = ExtractOps(payload)
		require.Contains(t, payload, "likes")
	})
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memory.New())

	require.NoError(t, m.Apply(ctx, "Post", "p1", []EdgeOp{
		{Field: "likes", RelatedID: "u1", Add: true},
		{Field: "likes", RelatedID: "u2", Add: true},
		{Field: "likes", RelatedID: "u1", Add: false},
	}))

	related, err := m.RelatedIDs(ctx, "likes", "Post", "p1")
	require.NoError(t, err)
	require.Equal(t, []string{"u2"}, related)
}
