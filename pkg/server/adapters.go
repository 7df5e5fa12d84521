package server

import (
	"context"
	"time"

	"github.com/objectstack/objectstack/pkg/object"
)

// PushAdapter delivers a push payload to a set of installations. Delivery
// failures do not fail the triggering request; the server logs and drops
// them.
type PushAdapter interface {
	Send(ctx context.Context, body object.Object, installations []object.Object) error
}

// FilesAdapter stores an uploaded file and returns its public URL.
type FilesAdapter interface {
	CreateFile(ctx context.Context, filename string, data []byte, contentType string) (string, error)
}

// LogQueryOptions narrows a log query.
type LogQueryOptions struct {
	From  time.Time
	Until time.Time

	// Order is "asc" or "desc"; empty means descending.
	Order string

	// Size caps the number of entries returned. Zero means the adapter's
	// default.
	Size int64

	// Level filters by severity when non-empty.
	Level string
}

// LoggerAdapter exposes stored server logs to the query surface.
type LoggerAdapter interface {
	Query(ctx context.Context, opts LogQueryOptions) ([]object.Object, error)
}
