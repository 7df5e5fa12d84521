package relations

import (
	"github.com/objectstack/objectstack/pkg/object"
)

// EdgeOp is one pending edge mutation extracted from a write payload.
type EdgeOp struct {
	Field     string
	RelatedID string
	Add       bool
}

// ExtractOps splits relation operators out of a write payload. It returns a
// copy of the payload with AddRelation/RemoveRelation fields removed, plus
// the edge operations they encode. Batch operators are walked recursively;
// a field is removed as soon as any relation operator is found under it.
// The input payload is never mutated.
func ExtractOps(payload object.Object) (object.Object, []EdgeOp) {
	cleaned := payload.Copy()
	var ops []EdgeOp

	for field, value := range payload {
		fieldOps := collectEdgeOps(field, value)
		if len(fieldOps) == 0 {
			continue
		}
		ops = append(ops, fieldOps...)
		delete(cleaned, field)
	}
	return cleaned, ops
}

func collectEdgeOps(field string, value any) []EdgeOp {
	m, ok := object.AsMap(value)
	if !ok {
		return nil
	}
	op, _ := m["__op"].(string)
	switch op {
	case "AddRelation", "RemoveRelation":
		objects, _ := m["objects"].([]any)
		var ops []EdgeOp
		for _, entry := range objects {
			if _, id, isPtr := object.AsPointer(entry); isPtr {
				ops = append(ops, EdgeOp{Field: field, RelatedID: id, Add: op == "AddRelation"})
			}
		}
		return ops
	case "Batch":
		batched, _ := m["ops"].([]any)
		var ops []EdgeOp
		for _, inner := range batched {
			ops = append(ops, collectEdgeOps(field, inner)...)
		}
		return ops
	}
	return nil
}
