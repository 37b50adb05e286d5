package models

import "time"

const (
	// DefaultApplyTimeout bounds a single remote apply attempt.
	DefaultApplyTimeout = 15 * time.Second

	// DefaultMaxRetries is the retry budget before the janitor purges an operation.
	DefaultMaxRetries = 5

	// DefaultRetentionHorizon is how long an unapplied operation may wait.
	DefaultRetentionHorizon = 7 * 24 * time.Hour

	// DefaultCleanupInterval is how often the janitor scans the queue on its own.
	DefaultCleanupInterval = time.Hour

	// DefaultDebounce collapses connectivity flaps into a single sync request.
	DefaultDebounce = 500 * time.Millisecond
)
