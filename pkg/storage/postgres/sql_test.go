package postgres

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objectstack/objectstack/pkg/object"
	"github.com/objectstack/objectstack/pkg/storage"
)

func toSQL(t *testing.T, filter storage.Filter) (string, []any) {
	t.Helper()
	pred, err := filterToSQL(filter)
	require.NoError(t, err)
	sqlStr, args, err := pred.ToSql()
	require.NoError(t, err)
	return sqlStr, args
}

func TestFilterToSQLEquality(t *testing.T) {
	sqlStr, args := toSQL(t, storage.Filter{"objectId": "abc"})
	require.Contains(t, sqlStr, "data #> '{objectId}' = ?::jsonb")
	require.Contains(t, sqlStr, "jsonb_typeof(data #> '{objectId}') = 'array'")
	require.Equal(t, []any{`"abc"`, `["abc"]`}, args)
}

func TestFilterToSQLDottedPath(t *testing.T) {
	sqlStr, _ := toSQL(t, storage.Filter{"_auth_data_anonymous.id": "anon"})
	require.Contains(t, sqlStr, "data #> '{_auth_data_anonymous,id}'")
}

func TestFilterToSQLOperators(t *testing.T) {
	tests := []struct {
		name     string
		filter   storage.Filter
		contains []string
	}{
		{
			name:     "in",
			filter:   storage.Filter{"objectId": object.Object{"$in": []any{"a", "b"}}},
			contains: []string{" OR "},
		},
		{
			name:     "exists_false",
			filter:   storage.Filter{"_wperm": object.Object{"$exists": false}},
			contains: []string{"data #> '{_wperm}' IS NULL"},
		},
		{
			name:     "ne",
			filter:   storage.Filter{"installationId": object.Object{"$ne": "i1"}},
			contains: []string{"IS NULL", "NOT ("},
		},
		{
			name:     "numeric_comparison",
			filter:   storage.Filter{"score": object.Object{"$gt": float64(5)}},
			contains: []string{"(data #>> '{score}')::numeric > ?"},
		},
		{
			name:     "regex",
			filter:   storage.Filter{"name": object.Object{"$regex": "^a"}},
			contains: []string{"data #>> '{name}' ~ ?"},
		},
		{
			name:     "all",
			filter:   storage.Filter{"tags": object.Object{"$all": []any{"x"}}},
			contains: []string{"data #> '{tags}' @> ?::jsonb"},
		},
		{
			name: "and_or_nesting",
			filter: storage.Filter{"$and": []any{
				map[string]any{"a": float64(1)},
				map[string]any{"$or": []any{
					map[string]any{"b": float64(2)},
					map[string]any{"c": float64(3)},
				}},
			}},
			contains: []string{" AND ", " OR "},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sqlStr, _ := toSQL(t, tc.filter)
			for _, fragment := range tc.contains {
				require.Contains(t, sqlStr, fragment)
			}
		})
	}
}

func TestFilterToSQLGeo(t *testing.T) {
	sqlStr, args := toSQL(t, storage.Filter{"location": object.Object{
		"$nearSphere":           object.GeoPoint(40, -70),
		"$maxDistanceInRadians": 0.1,
	}})
	require.Contains(t, sqlStr, "asin")
	require.Contains(t, sqlStr, "data #>> '{location,latitude}'")
	require.Len(t, args, 4)
}

func TestFilterToSQLInvalidOperator(t *testing.T) {
	_, err := filterToSQL(storage.Filter{"a": object.Object{"$explode": true}})
	require.ErrorIs(t, err, storage.ErrInvalidFilter)
}

func TestEncodeDocDigestIsCanonical(t *testing.T) {
	_, d1, err := encodeDoc(object.Object{"owningId": "o", "relatedId": "r"})
	require.NoError(t, err)
	_, d2, err := encodeDoc(object.Object{"relatedId": "r", "owningId": "o"})
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}
