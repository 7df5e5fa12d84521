package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objectstack/objectstack/pkg/object"
	"github.com/objectstack/objectstack/pkg/storage"
)

func seed(t *testing.T, ds *Datastore, collection string, docs ...object.Object) {
	t.Helper()
	for _, doc := range docs {
		require.NoError(t, ds.Create(context.Background(), collection, doc))
	}
}

func TestFindOperators(t *testing.T) {
	ds := New()
	seed(t, ds, "Game",
		object.Object{"objectId": "g1", "score": float64(10), "tags": []any{"solo", "ranked"}},
		object.Object{"objectId": "g2", "score": float64(25), "tags": []any{"duo"}},
		object.Object{"objectId": "g3", "score": float64(40)},
	)

	tests := []struct {
		name    string
		filter  storage.Filter
		wantIDs []string
	}{
		{
			name:    "equality",
			filter:  storage.Filter{"score": float64(25)},
			wantIDs: []string{"g2"},
		},
		{
			name:    "equality_matches_array_element",
			filter:  storage.Filter{"tags": "solo"},
			wantIDs: []string{"g1"},
		},
		{
			name:    "in",
			filter:  storage.Filter{"objectId": object.Object{"$in": []any{"g1", "g3"}}},
			wantIDs: []string{"g1", "g3"},
		},
		{
			name:    "ne",
			filter:  storage.Filter{"objectId": object.Object{"$ne": "g2"}},
			wantIDs: []string{"g1", "g3"},
		},
		{
			name:    "exists_false",
			filter:  storage.Filter{"tags": object.Object{"$exists": false}},
			wantIDs: []string{"g3"},
		},
		{
			name:    "comparison",
			filter:  storage.Filter{"score": object.Object{"$gt": float64(10), "$lte": float64(40)}},
			wantIDs: []string{"g2", "g3"},
		},
		{
			name: "or",
			filter: storage.Filter{"$or": []any{
				map[string]any{"score": float64(10)},
				map[string]any{"score": float64(40)},
			}},
			wantIDs: []string{"g1", "g3"},
		},
		{
			name: "and_with_all",
			filter: storage.Filter{"$and": []any{
				map[string]any{"tags": object.Object{"$all": []any{"solo", "ranked"}}},
			}},
			wantIDs: []string{"g1"},
		},
		{
			name:    "nin",
			filter:  storage.Filter{"objectId": object.Object{"$nin": []any{"g1", "g2"}}},
			wantIDs: []string{"g3"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			results, err := ds.Find(context.Background(), "Game", tc.filter, storage.FindOptions{})
			require.NoError(t, err)
			var ids []string
			for _, r := range results {
				ids = append(ids, r.ObjectID())
			}
			require.ElementsMatch(t, tc.wantIDs, ids)
		})
	}
}

func TestFindDottedPath(t *testing.T) {
	ds := New()
	seed(t, ds, "_User",
		object.Object{"objectId": "u1", "_auth_data_anonymous": object.Object{"id": "anon-1"}},
		object.Object{"objectId": "u2"},
	)

	results, err := ds.Find(context.Background(), "_User",
		storage.Filter{"_auth_data_anonymous.id": "anon-1"}, storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "u1", results[0].ObjectID())
}

func TestFindSortSkipLimit(t *testing.T) {
	ds := New()
	seed(t, ds, "Game",
		object.Object{"objectId": "g1", "score": float64(30)},
		object.Object{"objectId": "g2", "score": float64(10)},
		object.Object{"objectId": "g3", "score": float64(20)},
	)

	results, err := ds.Find(context.Background(), "Game", storage.Filter{}, storage.FindOptions{
		Sort: []storage.SortKey{{Field: "score"}},
	})
	require.NoError(t, err)
	require.Equal(t, "g2", results[0].ObjectID())
	require.Equal(t, "g1", results[2].ObjectID())

	results, err = ds.Find(context.Background(), "Game", storage.Filter{}, storage.FindOptions{
		Sort:  []storage.SortKey{{Field: "score", Descending: true}},
		Skip:  1,
		Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "g3", results[0].ObjectID())
}

func TestFindResultsAreCopies(t *testing.T) {
	ds := New()
	seed(t, ds, "Game", object.Object{"objectId": "g1", "meta": object.Object{"mode": "solo"}})

	results, err := ds.Find(context.Background(), "Game", storage.Filter{}, storage.FindOptions{})
	require.NoError(t, err)
	results[0]["meta"].(object.Object)["mode"] = "duo"

	results, err = ds.Find(context.Background(), "Game", storage.Filter{}, storage.FindOptions{})
	require.NoError(t, err)
	require.Equal(t, "solo", results[0]["meta"].(object.Object)["mode"])
}

func TestUpdate(t *testing.T) {
	ds := New()
	seed(t, ds, "Game", object.Object{"objectId": "g1", "score": float64(10), "tags": []any{"a"}})

	result, err := ds.Update(context.Background(), "Game",
		storage.Filter{"objectId": "g1"},
		object.Object{
			"score": object.Object{"__op": "Increment", "amount": float64(5)},
			"tags":  object.Object{"__op": "AddUnique", "objects": []any{"a", "b"}},
			"name":  "first",
		})
	require.NoError(t, err)
	require.Equal(t, float64(15), result.Computed["score"])

	docs, err := ds.Find(context.Background(), "Game", storage.Filter{"objectId": "g1"}, storage.FindOptions{})
	require.NoError(t, err)
	require.Equal(t, float64(15), docs[0]["score"])
	require.Equal(t, []any{"a", "b"}, docs[0]["tags"])
	require.Equal(t, "first", docs[0]["name"])

	_, err = ds.Update(context.Background(), "Game",
		storage.Filter{"objectId": "missing"}, object.Object{"score": float64(1)})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateDeleteOp(t *testing.T) {
	ds := New()
	seed(t, ds, "Game", object.Object{"objectId": "g1", "name": "first"})

	_, err := ds.Update(context.Background(), "Game",
		storage.Filter{"objectId": "g1"},
		object.Object{"name": object.Object{"__op": "Delete"}})
	require.NoError(t, err)

	docs, err := ds.Find(context.Background(), "Game", storage.Filter{"objectId": "g1"}, storage.FindOptions{})
	require.NoError(t, err)
	require.NotContains(t, docs[0], "name")
}

func TestUpsertIsIdempotent(t *testing.T) {
	ds := New()
	edge := object.Object{"owningId": "o1", "relatedId": "r1"}

	require.NoError(t, ds.Upsert(context.Background(), "_Join:roles:_Role", edge))
	require.NoError(t, ds.Upsert(context.Background(), "_Join:roles:_Role", edge))

	count, err := ds.Count(context.Background(), "_Join:roles:_Role", storage.Filter{})
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestDestroy(t *testing.T) {
	ds := New()
	seed(t, ds, "Game",
		object.Object{"objectId": "g1", "mode": "solo"},
		object.Object{"objectId": "g2", "mode": "solo"},
		object.Object{"objectId": "g3", "mode": "duo"},
	)

	removed, err := ds.Destroy(context.Background(), "Game", storage.Filter{"mode": "solo"})
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)

	removed, err = ds.Destroy(context.Background(), "Game", storage.Filter{"mode": "solo"})
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestGeoQueryRequiresIndex(t *testing.T) {
	ds := New()
	seed(t, ds, "Place",
		object.Object{"objectId": "p1", "location": object.GeoPoint(0, 0)},
		object.Object{"objectId": "p2", "location": object.GeoPoint(10, 10)},
	)

	filter := storage.Filter{"location": object.Object{"$nearSphere": object.GeoPoint(1, 1)}}
	_, err := ds.Find(context.Background(), "Place", filter, storage.FindOptions{})
	var missing *storage.MissingGeoIndexError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "location", missing.Field)

	require.NoError(t, ds.CreateIndex(context.Background(), "Place", "location", storage.IndexKind2D))

	results, err := ds.Find(context.Background(), "Place", filter, storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	// Ordered by distance from the query center.
	require.Equal(t, "p1", results[0].ObjectID())
}
