package store

import "errors"

var (
	// ErrNotFound is returned when no job row exists for the id.
	ErrNotFound = errors.New("job not found")

	// ErrStaleTransition is returned when a conditional status update matched
	// no row because the job was not in the expected prior state.
	ErrStaleTransition = errors.New("job not in expected state")
)
