package common

import "errors"

// Sentinel errors shared across the pipeline. Callers match them with
// errors.Is after the registry and storage layers wrap them with context.
var (
	// ErrNotFound signals a missing document or artifact.
	ErrNotFound = errors.New("not found")

	// ErrConflict signals a uniqueness violation, typically a duplicate
	// storage location on upload.
	ErrConflict = errors.New("conflict")

	// ErrInvalidTransition signals a status change the document state
	// machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)
