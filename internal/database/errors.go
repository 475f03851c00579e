// internal/database/errors.go
package database

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a uniqueness invariant would be
	// violated, e.g. a second settings row or a second active outage.
	ErrConflict = errors.New("conflict")
	// ErrConcurrency is returned when an optimistic update lost a race
	// and should be retried by the caller.
	ErrConcurrency = errors.New("concurrent update conflict")
)
