package storage

import "errors"

var (
	// ErrNotFound is returned by Get when no value is stored under the key.
	ErrNotFound = errors.New("key not found")

	// ErrConflict is returned by AtomicCommit when one of the checked keys
	// changed after it was read. Callers re-read and try again.
	ErrConflict = errors.New("atomic commit conflict")

	ErrAlreadyExists = errors.New("key already exists")
)
