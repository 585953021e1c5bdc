package storage

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrQueueFull is returned by Create when the non-terminal cap is reached.
	ErrQueueFull = errors.New("storage: queue full")
	// ErrConflict is returned by conditional updates whose precondition failed.
	ErrConflict = errors.New("storage: conflict")
)
