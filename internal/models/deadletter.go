package models

import "time"

// Reasons recorded when the janitor purges an operation.
const (
	PurgeReasonExpired          = "expired"
	PurgeReasonRetriesExhausted = "retries_exhausted"
)

// DeadLetter is a purged operation kept for inspection outside the queue.
type DeadLetter struct {
	Operation QueuedOperation `json:"operation"`
	Reason    string          `json:"reason"`
	PurgedAt  time.Time       `json:"purged_at"`
}
