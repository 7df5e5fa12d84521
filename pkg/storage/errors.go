package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Update when no record matches the filter.
	ErrNotFound = errors.New("not found")

	// ErrInvalidFilter is returned for filters the backend cannot evaluate.
	ErrInvalidFilter = errors.New("invalid filter")
)

// MissingGeoIndexError reports a geo query against a field with no 2d index.
// Callers may create the index and retry once.
type MissingGeoIndexError struct {
	Collection string
	Field      string
}

func (e *MissingGeoIndexError) Error() string {
	return fmt.Sprintf("unable to find geo index for %s.%s", e.Collection, e.Field)
}
