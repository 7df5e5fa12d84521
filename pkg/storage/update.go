package storage

import (
	"reflect"

	"github.com/objectstack/objectstack/pkg/object"
)

// ApplyUpdate mutates doc in place, interpreting REST update operator objects
// (Delete, Increment, Add, AddUnique, Remove); any other value is a plain
// field replacement. It returns the computed post-image values for operators
// whose results aren't known ahead of time, such as Increment.
func ApplyUpdate(doc, update object.Object) object.Object {
	computed := object.Object{}
	for key, value := range update {
		op, ok := updateOperator(value)
		if !ok {
			doc[key] = copyAny(value)
			continue
		}
		switch op["__op"] {
		case "Delete":
			delete(doc, key)
		case "Increment":
			amount, _ := toNumber(op["amount"])
			current, _ := toNumber(doc[key])
			next := current + amount
			doc[key] = next
			computed[key] = next
		case "Add":
			doc[key] = append(toArray(doc[key]), toArray(op["objects"])...)
		case "AddUnique":
			arr := toArray(doc[key])
			for _, candidate := range toArray(op["objects"]) {
				if !arrayContains(arr, candidate) {
					arr = append(arr, candidate)
				}
			}
			doc[key] = arr
		case "Remove":
			var kept []any
			for _, existing := range toArray(doc[key]) {
				if !arrayContains(toArray(op["objects"]), existing) {
					kept = append(kept, existing)
				}
			}
			doc[key] = kept
		default:
			doc[key] = copyAny(value)
		}
	}
	return computed
}

func updateOperator(v any) (object.Object, bool) {
	m, ok := object.AsMap(v)
	if !ok {
		return nil, false
	}
	if _, hasOp := m["__op"]; !hasOp {
		return nil, false
	}
	return m, true
}

func toArray(v any) []any {
	arr, _ := v.([]any)
	return arr
}

func arrayContains(arr []any, candidate any) bool {
	for _, existing := range arr {
		if reflect.DeepEqual(normalizeValue(existing), normalizeValue(candidate)) {
			return true
		}
	}
	return false
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case object.Object:
		return normalizeMap(t)
	case map[string]any:
		return normalizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		if n, ok := toNumber(v); ok {
			return n
		}
		return v
	}
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func copyAny(v any) any {
	if m, ok := object.AsMap(v); ok {
		return m.Copy()
	}
	if arr, ok := v.([]any); ok {
		out := make([]any, len(arr))
		for i, e := range arr {
			out[i] = copyAny(e)
		}
		return out
	}
	return v
}
