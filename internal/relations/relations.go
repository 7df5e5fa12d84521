// Package relations manages many-to-many edges between objects. Edges live
// in join collections named after the owning class and field; each edge is a
// two-field document and edge writes are idempotent.
package relations

import (
	"context"
	"fmt"

	"github.com/objectstack/objectstack/pkg/object"
	"github.com/objectstack/objectstack/pkg/storage"
)

// JoinCollection returns the join collection name for a relation field.
func JoinCollection(field, ownerClass string) string {
	return "_Join:" + field + ":" + ownerClass
}

// Manager reads and writes relation edges.
type Manager struct {
	store storage.Datastore
}

func NewManager(store storage.Datastore) *Manager {
	return &Manager{store: store}
}

// AddRelation records an edge. Adding an edge that already exists is a
// no-op.
func (m *Manager) AddRelation(ctx context.Context, field, ownerClass, ownerID, relatedID string) error {
	return m.store.Upsert(ctx, JoinCollection(field, ownerClass), object.Object{
		"owningId":  ownerID,
		"relatedId": relatedID,
	})
}

// RemoveRelation deletes an edge. Removing an absent edge is a no-op.
func (m *Manager) RemoveRelation(ctx context.Context, field, ownerClass, ownerID, relatedID string) error {
	_, err := m.store.Destroy(ctx, JoinCollection(field, ownerClass), storage.Filter{
		"owningId":  ownerID,
		"relatedId": relatedID,
	})
	return err
}

// RelatedIDs returns the ids related to an owning object through field.
func (m *Manager) RelatedIDs(ctx context.Context, field, ownerClass, ownerID string) ([]string, error) {
	edges, err := m.store.Find(ctx, JoinCollection(field, ownerClass),
		storage.Filter{"owningId": ownerID}, storage.FindOptions{Limit: -1})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(edges))
	for _, edge := range edges {
		if id, _ := edge["relatedId"].(string); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// OwningIDs returns the distinct owning ids with an edge to any of the
// related ids.
func (m *Manager) OwningIDs(ctx context.Context, field, ownerClass string, relatedIDs []string) ([]string, error) {
	related := make([]any, len(relatedIDs))
	for i, id := range relatedIDs {
		related[i] = id
	}
	edges, err := m.store.Find(ctx, JoinCollection(field, ownerClass),
		storage.Filter{"relatedId": object.Object{"$in": related}}, storage.FindOptions{Limit: -1})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	ids := make([]string, 0, len(edges))
	for _, edge := range edges {
		id, _ := edge["owningId"].(string)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

// Apply performs the edge operations extracted from a write payload.
func (m *Manager) Apply(ctx context.Context, ownerClass, ownerID string, ops []EdgeOp) error {
	for _, op := range ops {
		var err error
		if op.Add {
			err = m.AddRelation(ctx, op.Field, ownerClass, ownerID, op.RelatedID)
		} else {
			err = m.RemoveRelation(ctx, op.Field, ownerClass, ownerID, op.RelatedID)
		}
		if err != nil {
			return fmt.Errorf("applying relation edge on %s: %w", op.Field, err)
		}
	}
	return nil
}
