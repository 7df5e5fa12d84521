// Package schema maintains the advisory, add-only class schema: a structural
// description of each class queried from the store. It is never enforced with
// strong typing; it exists to catch structural mismatches and to let the
// query layer recognize relation-typed fields.
package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/objectstack/objectstack/pkg/object"
	serverErrors "github.com/objectstack/objectstack/pkg/server/errors"
)

var (
	classNameRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	joinClassRegex = regexp.MustCompile(`^_Join:[A-Za-z0-9_]+:[A-Za-z0-9_]+$`)
	fieldNameRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
)

var reservedClasses = map[string]struct{}{
	object.ClassUser:         {},
	object.ClassSession:      {},
	object.ClassInstallation: {},
	object.ClassRole:         {},
	object.ClassSchema:       {},
	object.ClassGlobalConfig: {},
}

// ClassNameIsValid reports whether className may be read or written.
func ClassNameIsValid(className string) bool {
	if _, reserved := reservedClasses[className]; reserved {
		return true
	}
	return joinClassRegex.MatchString(className) || classNameRegex.MatchString(className)
}

// FieldNameIsValid reports whether fieldName is acceptable in a payload.
func FieldNameIsValid(fieldName string) bool {
	return fieldNameRegex.MatchString(fieldName)
}

// Schema is an immutable snapshot of the class schema: class name -> field
// name -> type tag. Snapshots are replaced wholesale, never mutated while a
// reader holds one.
type Schema struct {
	classes map[string]map[string]string
}

// NewSchema builds a snapshot from _SCHEMA documents. Each document carries
// the class name under _id and one entry per field.
func NewSchema(docs []object.Object) *Schema {
	classes := map[string]map[string]string{}
	for _, doc := range docs {
		className, _ := doc["_id"].(string)
		if className == "" {
			continue
		}
		fields := map[string]string{}
		for field, typeTag := range doc {
			if field == "_id" {
				continue
			}
			if tag, ok := typeTag.(string); ok {
				fields[field] = tag
			}
		}
		classes[className] = fields
	}
	return &Schema{classes: classes}
}

// ExpectedType returns the type tag recorded for a field, or "" when the
// class or field is unknown.
func (s *Schema) ExpectedType(className, fieldName string) string {
	return s.classes[className][fieldName]
}

// HasClass reports whether the class has any recorded fields.
func (s *Schema) HasClass(className string) bool {
	_, ok := s.classes[className]
	return ok
}

// HasKeys reports whether every key is a recorded field of the class. Dotted
// keys are checked by their first segment.
func (s *Schema) HasKeys(className string, keys []string) bool {
	for _, key := range keys {
		if strings.HasPrefix(key, "$") || isBuiltinField(key) {
			continue
		}
		root := key
		if i := strings.IndexByte(key, '.'); i >= 0 {
			root = key[:i]
		}
		if _, ok := s.classes[className][root]; !ok {
			return false
		}
	}
	return true
}

// ClassNames returns the known class names.
func (s *Schema) ClassNames() []string {
	names := make([]string, 0, len(s.classes))
	for name := range s.classes {
		names = append(names, name)
	}
	return names
}

// Fields returns a copy of the recorded fields for a class.
func (s *Schema) Fields(className string) map[string]string {
	fields := s.classes[className]
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// withField returns a new snapshot that additionally records field: typeTag.
func (s *Schema) withField(className, fieldName, typeTag string) *Schema {
	classes := make(map[string]map[string]string, len(s.classes)+1)
	for name, fields := range s.classes {
		classes[name] = fields
	}
	fields := make(map[string]string, len(classes[className])+1)
	for k, v := range classes[className] {
		fields[k] = v
	}
	fields[fieldName] = typeTag
	classes[className] = fields
	return &Schema{classes: classes}
}

// RelationTarget extracts the related class from a relation type tag.
func RelationTarget(typeTag string) (string, bool) {
	if strings.HasPrefix(typeTag, "relation<") && strings.HasSuffix(typeTag, ">") {
		return typeTag[len("relation<") : len(typeTag)-1], true
	}
	return "", false
}

func isBuiltinField(key string) bool {
	switch key {
	case "objectId", "createdAt", "updatedAt", "ACL",
		object.FieldReadPerms, object.FieldWritePerms, object.FieldHashedPassword:
		return true
	}
	return strings.HasPrefix(key, "_auth_data_")
}

// TypeOf infers the schema type tag for a payload value. The empty tag means
// the value carries no schema information (deletes, nils).
func TypeOf(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return "string", nil
	case bool:
		return "boolean", nil
	case float64, float32, int, int32, int64:
		return "number", nil
	case []any:
		return "array", nil
	default:
		m, ok := object.AsMap(v)
		if !ok {
			return "", fmt.Errorf("unexpected value type %T", value)
		}
		if t, hasType := m["__type"].(string); hasType {
			switch t {
			case "Pointer":
				className, _ := m["className"].(string)
				return "*" + className, nil
			case "Date":
				return "date", nil
			case "GeoPoint":
				return "geopoint", nil
			case "File":
				return "file", nil
			case "Bytes":
				return "bytes", nil
			default:
				return "", fmt.Errorf("invalid __type: %v", t)
			}
		}
		if op, hasOp := m["__op"].(string); hasOp {
			return typeOfOperator(op, m)
		}
		return "object", nil
	}
}

func typeOfOperator(op string, m object.Object) (string, error) {
	switch op {
	case "Increment":
		return "number", nil
	case "Delete":
		return "", nil
	case "Add", "AddUnique", "Remove":
		return "array", nil
	case "AddRelation", "RemoveRelation":
		objects, _ := m["objects"].([]any)
		if len(objects) == 0 {
			return "", fmt.Errorf("relation operation with no objects")
		}
		className, _, ok := object.AsPointer(objects[0])
		if !ok {
			return "", fmt.Errorf("relation operation on non-pointer")
		}
		return "relation<" + className + ">", nil
	case "Batch":
		ops, _ := m["ops"].([]any)
		if len(ops) == 0 {
			return "", fmt.Errorf("batch operation with no ops")
		}
		first, ok := object.AsMap(ops[0])
		if !ok {
			return "", fmt.Errorf("batch operation with malformed op")
		}
		innerOp, _ := first["__op"].(string)
		return typeOfOperator(innerOp, first)
	default:
		return "", fmt.Errorf("invalid __op: %v", op)
	}
}

func invalidTypeError(className, fieldName, expected, actual string) error {
	return serverErrors.Newf(serverErrors.CodeIncorrectType,
		"schema mismatch for %s.%s; expected %s but got %s", className, fieldName, expected, actual)
}
