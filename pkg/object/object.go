// Package object defines the REST-format object representation and the
// encodings used inside it (pointers, dates, geopoints, ACLs).
package object

import (
	"time"
)

// Reserved class names with dedicated write semantics.
const (
	ClassUser         = "_User"
	ClassSession      = "_Session"
	ClassInstallation = "_Installation"
	ClassRole         = "_Role"

	// System collections that never surface through the public API.
	ClassSchema       = "_SCHEMA"
	ClassGlobalConfig = "_GlobalConfig"
)

// Internal field names stored alongside user data.
const (
	FieldHashedPassword = "_hashed_password"
	FieldReadPerms      = "_rperm"
	FieldWritePerms     = "_wperm"
)

// Object is a REST-format record: a mapping from field name to value.
type Object map[string]any

// ObjectID returns the objectId field, or "" when absent.
func (o Object) ObjectID() string {
	s, _ := o["objectId"].(string)
	return s
}

// Copy returns a deep copy of the object. Pipelines operate on copies so the
// caller-provided values are never mutated.
func (o Object) Copy() Object {
	if o == nil {
		return nil
	}
	return copyValue(o).(Object)
}

func copyValue(v any) any {
	switch t := v.(type) {
	case Object:
		out := make(Object, len(t))
		for k, val := range t {
			out[k] = copyValue(val)
		}
		return out
	case map[string]any:
		out := make(Object, len(t))
		for k, val := range t {
			out[k] = copyValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = copyValue(val)
		}
		return out
	default:
		return v
	}
}

// AsMap coerces a value to Object when it is map-shaped.
func AsMap(v any) (Object, bool) {
	switch t := v.(type) {
	case Object:
		return t, true
	case map[string]any:
		return Object(t), true
	default:
		return nil, false
	}
}

// Pointer returns the REST encoding of a pointer to another object.
func Pointer(className, objectID string) Object {
	return Object{
		"__type":    "Pointer",
		"className": className,
		"objectId":  objectID,
	}
}

// AsPointer decodes a pointer value.
func AsPointer(v any) (className, objectID string, ok bool) {
	m, isMap := AsMap(v)
	if !isMap {
		return "", "", false
	}
	if m["__type"] != "Pointer" {
		return "", "", false
	}
	className, _ = m["className"].(string)
	objectID, _ = m["objectId"].(string)
	return className, objectID, className != "" && objectID != ""
}

// EncodeISO renders a time the way the REST format expects: ISO-8601 with
// millisecond precision in UTC.
func EncodeISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// EncodeDate returns the REST encoding of a date value.
func EncodeDate(t time.Time) Object {
	return Object{
		"__type": "Date",
		"iso":    EncodeISO(t),
	}
}

// AsDate decodes either a Date object or a bare ISO string.
func AsDate(v any) (time.Time, bool) {
	var iso string
	switch t := v.(type) {
	case string:
		iso = t
	default:
		m, ok := AsMap(v)
		if !ok || m["__type"] != "Date" {
			return time.Time{}, false
		}
		iso, _ = m["iso"].(string)
	}
	parsed, err := time.Parse("2006-01-02T15:04:05.000Z", iso)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, iso)
		if err != nil {
			return time.Time{}, false
		}
	}
	return parsed, true
}

// GeoPoint returns the REST encoding of a geographic coordinate.
func GeoPoint(latitude, longitude float64) Object {
	return Object{
		"__type":    "GeoPoint",
		"latitude":  latitude,
		"longitude": longitude,
	}
}

// AsGeoPoint decodes a geopoint value.
func AsGeoPoint(v any) (latitude, longitude float64, ok bool) {
	m, isMap := AsMap(v)
	if !isMap || m["__type"] != "GeoPoint" {
		return 0, 0, false
	}
	latitude, latOK := asFloat(m["latitude"])
	longitude, lngOK := asFloat(m["longitude"])
	return latitude, longitude, latOK && lngOK
}

func asFloat(v any) (float64, bool) {
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
