package postgres

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/objectstack/objectstack/pkg/object"
	"github.com/objectstack/objectstack/pkg/storage"
)

// filterToSQL translates a REST-format filter into a squirrel predicate over
// the jsonb data column. The caller conjoins the collection predicate.
func filterToSQL(filter storage.Filter) (sq.Sqlizer, error) {
	conj := sq.And{}
	for _, key := range filterKeys(filter) {
		cond := filter[key]
		switch key {
		case "$and", "$or":
			subs, ok := cond.([]any)
			if !ok {
				return nil, storage.ErrInvalidFilter
			}
			var parts []sq.Sqlizer
			for _, sub := range subs {
				subFilter, ok := object.AsMap(sub)
				if !ok {
					return nil, storage.ErrInvalidFilter
				}
				part, err := filterToSQL(subFilter)
				if err != nil {
					return nil, err
				}
				parts = append(parts, part)
			}
			if key == "$and" {
				all := sq.And{}
				for _, p := range parts {
					all = append(all, p)
				}
				conj = append(conj, all)
			} else {
				either := sq.Or{}
				for _, p := range parts {
					either = append(either, p)
				}
				conj = append(conj, either)
			}
		default:
			pred, err := fieldToSQL(key, cond)
			if err != nil {
				return nil, err
			}
			conj = append(conj, pred)
		}
	}
	if len(conj) == 0 {
		return sq.Expr("TRUE"), nil
	}
	return conj, nil
}

func fieldToSQL(field string, cond any) (sq.Sqlizer, error) {
	ops, isOps := operatorObject(cond)
	if !isOps {
		return matchExpr(field, cond), nil
	}

	conj := sq.And{}
	for _, op := range operatorKeys(ops) {
		arg := ops[op]
		switch op {
		case "$in":
			list, ok := arg.([]any)
			if !ok {
				return nil, storage.ErrInvalidFilter
			}
			disj := sq.Or{}
			for _, candidate := range list {
				disj = append(disj, matchExpr(field, candidate))
			}
			if len(disj) == 0 {
				disj = append(disj, sq.Expr("FALSE"))
			}
			conj = append(conj, disj)
		case "$nin":
			list, ok := arg.([]any)
			if !ok {
				return nil, storage.ErrInvalidFilter
			}
			for _, candidate := range list {
				conj = append(conj, notExpr(matchExpr(field, candidate)))
			}
		case "$ne":
			conj = append(conj, sq.Or{
				sq.Expr(fmt.Sprintf("%s IS NULL", jsonExpr(field))),
				notExpr(matchExpr(field, arg)),
			})
		case "$exists":
			want, ok := arg.(bool)
			if !ok {
				return nil, storage.ErrInvalidFilter
			}
			if want {
				conj = append(conj, sq.Expr(fmt.Sprintf("%s IS NOT NULL", jsonExpr(field))))
			} else {
				conj = append(conj, sq.Expr(fmt.Sprintf("%s IS NULL", jsonExpr(field))))
			}
		case "$gt", "$gte", "$lt", "$lte":
			pred, err := comparisonExpr(field, op, arg)
			if err != nil {
				return nil, err
			}
			conj = append(conj, pred)
		case "$all":
			list, ok := arg.([]any)
			if !ok {
				return nil, storage.ErrInvalidFilter
			}
			encoded, err := json.Marshal(list)
			if err != nil {
				return nil, storage.ErrInvalidFilter
			}
			conj = append(conj, sq.Expr(fmt.Sprintf("%s @> ?::jsonb", jsonExpr(field)), string(encoded)))
		case "$regex":
			pattern, ok := arg.(string)
			if !ok {
				return nil, storage.ErrInvalidFilter
			}
			conj = append(conj, sq.Expr(fmt.Sprintf("%s ~ ?", textExpr(field)), pattern))
		case "$nearSphere":
			lat, lng, ok := object.AsGeoPoint(arg)
			if !ok {
				return nil, storage.ErrInvalidFilter
			}
			if maxArg, bounded := ops["$maxDistanceInRadians"]; bounded {
				max, ok := toNumber(maxArg)
				if !ok {
					return nil, storage.ErrInvalidFilter
				}
				conj = append(conj, sq.Expr(distanceExpr(field)+" <= ?", lat, lat, lng, max))
			} else {
				conj = append(conj, sq.Expr(fmt.Sprintf("%s IS NOT NULL", jsonExpr(field))))
			}
		case "$maxDistanceInRadians":
			// Companion to $nearSphere, folded in there.
		default:
			return nil, storage.ErrInvalidFilter
		}
	}
	if len(conj) == 0 {
		return sq.Expr("TRUE"), nil
	}
	return conj, nil
}

// matchExpr implements document equality: direct jsonb equality, or an array
// field containing the candidate.
func matchExpr(field string, candidate any) sq.Sqlizer {
	encoded, err := json.Marshal(candidate)
	if err != nil {
		return sq.Expr("FALSE")
	}
	single := string(encoded)
	wrapped, _ := json.Marshal([]any{candidate})
	expr := jsonExpr(field)
	return sq.Expr(
		fmt.Sprintf("(%s = ?::jsonb OR (jsonb_typeof(%s) = 'array' AND %s @> ?::jsonb))", expr, expr, expr),
		single, string(wrapped),
	)
}

func comparisonExpr(field, op string, arg any) (sq.Sqlizer, error) {
	sqlOp := map[string]string{"$gt": ">", "$gte": ">=", "$lt": "<", "$lte": "<="}[op]

	if at, ok := object.AsDate(arg); ok {
		return sq.Expr(fmt.Sprintf("(%s)::timestamptz %s ?", textExpr(field), sqlOp), at), nil
	}
	if n, ok := toNumber(arg); ok {
		return sq.Expr(fmt.Sprintf("(%s)::numeric %s ?", textExpr(field), sqlOp), n), nil
	}
	if s, ok := arg.(string); ok {
		return sq.Expr(fmt.Sprintf("%s %s ?", textExpr(field), sqlOp), s), nil
	}
	return nil, storage.ErrInvalidFilter
}

// distanceExpr renders the haversine distance in radians between the stored
// geopoint and a parameterized center (lat, lng, lat placeholders in order).
func distanceExpr(field string) string {
	latCol := fmt.Sprintf("(%s)::float8", textExpr(field+".latitude"))
	lngCol := fmt.Sprintf("(%s)::float8", textExpr(field+".longitude"))
	return fmt.Sprintf(
		"2 * asin(least(1, sqrt("+
			"power(sin(radians((%s - ?) / 2)), 2) + "+
			"cos(radians(?)) * cos(radians(%s)) * power(sin(radians((%s - ?) / 2)), 2)"+
			")))",
		latCol, latCol, lngCol,
	)
}

// jsonExpr renders the jsonb extraction for a possibly dotted field path.
func jsonExpr(field string) string {
	return fmt.Sprintf("data #> '%s'", pathLiteral(field))
}

// textExpr renders the text extraction for a possibly dotted field path.
func textExpr(field string) string {
	return fmt.Sprintf("data #>> '%s'", pathLiteral(field))
}

func pathLiteral(field string) string {
	parts := strings.Split(field, ".")
	for i, p := range parts {
		// Field names are validated upstream; strip quoting characters anyway.
		parts[i] = strings.NewReplacer("'", "", "{", "", "}", "", ",", "").Replace(p)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func notExpr(inner sq.Sqlizer) sq.Sqlizer {
	return notSqlizer{inner}
}

type notSqlizer struct {
	inner sq.Sqlizer
}

func (n notSqlizer) ToSql() (string, []any, error) {
	sql, args, err := n.inner.ToSql()
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + sql + ")", args, nil
}

func operatorObject(cond any) (object.Object, bool) {
	m, ok := object.AsMap(cond)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for key := range m {
		if !strings.HasPrefix(key, "$") {
			return nil, false
		}
	}
	return m, true
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// filterKeys returns the filter's keys in deterministic order so generated
// SQL is stable.
func filterKeys(filter storage.Filter) []string {
	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sortStrings(keys)
	return keys
}

func operatorKeys(ops object.Object) []string {
	keys := make([]string, 0, len(ops))
	for key := range ops {
		keys = append(keys, key)
	}
	sortStrings(keys)
	return keys
}

func sortStrings(keys []string) {
	sort.Strings(keys)
}
