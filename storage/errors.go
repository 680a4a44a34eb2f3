package storage

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrStateTransitionFailed is returned by conditional state updates when
	// the row was not in the required state. Callers racing on benign
	// transitions skip silently on this error.
	ErrStateTransitionFailed = errors.New("storage: state transition failed")

	// ErrContinuationExists is returned by CreateRun when another
	// continuation of the same parent run already exists.
	ErrContinuationExists = errors.New("storage: continuation already exists")

	// ErrInvalidParams is returned when required parameters are missing.
	ErrInvalidParams = errors.New("storage: invalid parameters")
)
