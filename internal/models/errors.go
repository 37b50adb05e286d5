package models

import "errors"

var (
	// ErrStoreUnavailable means the durable queue could not be opened or written.
	// The operation was not queued.
	ErrStoreUnavailable = errors.New("queue store unavailable")

	// ErrInvalidOperation means the operation failed validation and was not queued.
	ErrInvalidOperation = errors.New("invalid operation")
)

// ErrOperationNotFound is returned by point lookups for an id that is not queued.
var ErrOperationNotFound = errors.New("operation not found")
