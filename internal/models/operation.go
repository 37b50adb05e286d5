package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OperationType is the kind of remote mutation a queued operation performs.
type OperationType string

const (
	OperationInsert OperationType = "insert"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// ParseOperationType accepts the type names case-insensitively.
func ParseOperationType(raw string) (OperationType, error) {
	t := OperationType(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown operation type %q", ErrInvalidOperation, raw)
	}
	return t, nil
}

func (t OperationType) Valid() bool {
	switch t {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}

func (t OperationType) String() string {
	return string(t)
}

// QueuedOperation is a mutation recorded while offline and waiting to be applied remotely.
type QueuedOperation struct {
	ID         string          `json:"id"`
	Type       OperationType   `json:"type"`
	Target     string          `json:"target"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Filters    Filters         `json:"filters,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
}

// Age reports how long the operation has been waiting at the given instant.
func (op QueuedOperation) Age(now time.Time) time.Duration {
	return now.Sub(op.EnqueuedAt)
}

// ValidateOperation checks the shape required for each operation type.
// Insert and update need a payload; update and delete need filters so they never
// match a whole remote table by accident.
func ValidateOperation(opType OperationType, target string, payload json.RawMessage, filters Filters) error {
	if !opType.Valid() {
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidOperation, opType)
	}
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidOperation)
	}

	if !isEmptyPayload(payload) && !json.Valid(payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidOperation)
	}

	switch opType {
	case OperationInsert:
		if isEmptyPayload(payload) {
			return fmt.Errorf("%w: insert requires a payload", ErrInvalidOperation)
		}
	case OperationUpdate:
		if isEmptyPayload(payload) {
			return fmt.Errorf("%w: update requires a payload", ErrInvalidOperation)
		}
		if len(filters) == 0 {
			return fmt.Errorf("%w: update requires filters", ErrInvalidOperation)
		}
	case OperationDelete:
		if len(filters) == 0 {
			return fmt.Errorf("%w: delete requires filters", ErrInvalidOperation)
		}
	}

	return filters.Validate()
}

func isEmptyPayload(payload json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(payload))
	return trimmed == "" || trimmed == "null"
}
