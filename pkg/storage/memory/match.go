package memory

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/objectstack/objectstack/pkg/object"
	"github.com/objectstack/objectstack/pkg/storage"
)

// matches evaluates a REST-format filter against a stored object.
func matches(doc object.Object, filter storage.Filter) (bool, error) {
	for key, cond := range filter {
		switch key {
		case "$and", "$or":
			subs, ok := cond.([]any)
			if !ok {
				return false, storage.ErrInvalidFilter
			}
			anyMatched := false
			for _, sub := range subs {
				subFilter, ok := object.AsMap(sub)
				if !ok {
					return false, storage.ErrInvalidFilter
				}
				matched, err := matches(doc, subFilter)
				if err != nil {
					return false, err
				}
				if matched {
					anyMatched = true
				} else if key == "$and" {
					return false, nil
				}
			}
			if key == "$or" && !anyMatched {
				return false, nil
			}
		default:
			value, present := lookup(doc, key)
			matched, err := matchField(value, present, cond)
			if err != nil {
				return false, err
			}
			if !matched {
				return false, nil
			}
		}
	}
	return true, nil
}

// lookup resolves a possibly dotted field path.
func lookup(doc object.Object, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = doc
	for _, part := range parts {
		m, ok := object.AsMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func matchField(value any, present bool, cond any) (bool, error) {
	ops, isOps := operatorObject(cond)
	if !isOps {
		return present && equalsOrContains(value, cond), nil
	}

	for op, arg := range ops {
		switch op {
		case "$in":
			list, ok := arg.([]any)
			if !ok {
				return false, storage.ErrInvalidFilter
			}
			if !present {
				return false, nil
			}
			anyHit := false
			for _, candidate := range list {
				if equalsOrContains(value, candidate) {
					anyHit = true
					break
				}
			}
			if !anyHit {
				return false, nil
			}
		case "$nin":
			list, ok := arg.([]any)
			if !ok {
				return false, storage.ErrInvalidFilter
			}
			for _, candidate := range list {
				if present && equalsOrContains(value, candidate) {
					return false, nil
				}
			}
		case "$ne":
			if present && equalsOrContains(value, arg) {
				return false, nil
			}
		case "$exists":
			want, ok := arg.(bool)
			if !ok {
				return false, storage.ErrInvalidFilter
			}
			if present != want {
				return false, nil
			}
		case "$gt", "$gte", "$lt", "$lte":
			if !present {
				return false, nil
			}
			c, ok := compareValues(value, arg)
			if !ok {
				return false, nil
			}
			switch op {
			case "$gt":
				if c <= 0 {
					return false, nil
				}
			case "$gte":
				if c < 0 {
					return false, nil
				}
			case "$lt":
				if c >= 0 {
					return false, nil
				}
			case "$lte":
				if c > 0 {
					return false, nil
				}
			}
		case "$all":
			list, ok := arg.([]any)
			if !ok {
				return false, storage.ErrInvalidFilter
			}
			arr, ok := value.([]any)
			if !ok {
				return false, nil
			}
			for _, want := range list {
				found := false
				for _, have := range arr {
					if valueEquals(have, want) {
						found = true
						break
					}
				}
				if !found {
					return false, nil
				}
			}
		case "$regex":
			pattern, ok := arg.(string)
			if !ok {
				return false, storage.ErrInvalidFilter
			}
			s, ok := value.(string)
			if !ok {
				return false, nil
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return false, storage.ErrInvalidFilter
			}
			if !re.MatchString(s) {
				return false, nil
			}
		case "$nearSphere":
			centerLat, centerLng, ok := object.AsGeoPoint(arg)
			if !ok {
				return false, storage.ErrInvalidFilter
			}
			lat, lng, ok := object.AsGeoPoint(value)
			if !ok {
				return false, nil
			}
			if maxArg, bounded := ops["$maxDistanceInRadians"]; bounded {
				max, ok := asNumber(maxArg)
				if !ok {
					return false, storage.ErrInvalidFilter
				}
				if haversineRadians(centerLat, centerLng, lat, lng) > max {
					return false, nil
				}
			}
		case "$maxDistanceInRadians":
			// Companion to $nearSphere, handled there.
		default:
			return false, storage.ErrInvalidFilter
		}
	}
	return true, nil
}

// operatorObject reports whether cond is an operator object: a map whose keys
// all begin with '$'.
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

// equalsOrContains implements document-store equality: a direct match, or an
// array field containing the candidate.
func equalsOrContains(value, candidate any) bool {
	if valueEquals(value, candidate) {
		return true
	}
	arr, ok := value.([]any)
	if !ok {
		return false
	}
	for _, element := range arr {
		if valueEquals(element, candidate) {
			return true
		}
	}
	return false
}

func valueEquals(a, b any) bool {
	return cmp.Equal(normalize(a), normalize(b))
}

// normalize coerces numeric types and map flavors so that values which encode
// identically compare as equal.
func normalize(v any) any {
	switch t := v.(type) {
	case object.Object:
		out := map[string]any{}
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[string]any:
		out := map[string]any{}
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	default:
		return 0, false
	}
}

// compareValues orders two values of like kind: numbers, strings, or dates.
func compareValues(a, b any) (int, bool) {
	if at, ok := object.AsDate(a); ok {
		bt, ok := object.AsDate(b)
		if !ok {
			return 0, false
		}
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		default:
			return 0, true
		}
	}
	if an, ok := asNumber(a); ok {
		bn, ok := asNumber(b)
		if !ok {
			return 0, false
		}
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		default:
			return 0, true
		}
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func haversineRadians(lat1, lng1, lat2, lng2 float64) float64 {
	const degToRad = math.Pi / 180
	phi1, phi2 := lat1*degToRad, lat2*degToRad
	dPhi := (lat2 - lat1) * degToRad
	dLambda := (lng2 - lng1) * degToRad

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

type geoQueryInfo struct {
	field    string
	lat, lng float64
}

// geoQuery extracts the $nearSphere center from a filter, if present.
func geoQuery(filter storage.Filter) *geoQueryInfo {
	for key, cond := range filter {
		ops, ok := operatorObject(cond)
		if !ok {
			continue
		}
		if center, geo := ops["$nearSphere"]; geo {
			if lat, lng, ok := object.AsGeoPoint(center); ok {
				return &geoQueryInfo{field: key, lat: lat, lng: lng}
			}
		}
	}
	return nil
}

// sortResults orders results by the requested sort keys, or by distance from
// the $nearSphere center when the query was geographic.
func sortResults(results []object.Object, keys []storage.SortKey, geo *geoQueryInfo) {
	if len(keys) == 0 && geo == nil {
		return
	}
	sort.SliceStable(results, func(i, j int) bool {
		for _, key := range keys {
			av, _ := lookup(results[i], key.Field)
			bv, _ := lookup(results[j], key.Field)
			c, ok := compareValues(av, bv)
			if !ok || c == 0 {
				continue
			}
			if key.Descending {
				return c > 0
			}
			return c < 0
		}
		if geo != nil {
			ai, aok := lookup(results[i], geo.field)
			bi, bok := lookup(results[j], geo.field)
			if aok && bok {
				alat, alng, aGeo := object.AsGeoPoint(ai)
				blat, blng, bGeo := object.AsGeoPoint(bi)
				if aGeo && bGeo {
					return haversineRadians(geo.lat, geo.lng, alat, alng) <
						haversineRadians(geo.lat, geo.lng, blat, blng)
				}
			}
		}
		return false
	})
}
