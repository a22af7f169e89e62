package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a key has never been written.
	ErrNotFound = errors.New("key not found")

	// ErrClosed is returned by backends used after Close.
	ErrClosed = errors.New("storage closed")
)
