package domain

import (
	"context"
	"encoding/json"

	"offlinequeue/internal/models"
)

// QueueStore is the durable queue contract shared by the SQLite store and the
// in-memory backend.
type QueueStore interface {
	Enqueue(ctx context.Context, opType models.OperationType, target string, payload json.RawMessage, filters models.Filters) (string, error)
	ListPending(ctx context.Context) ([]models.QueuedOperation, error)
	ListByTarget(ctx context.Context, target string) ([]models.QueuedOperation, error)
	Get(ctx context.Context, id string) (*models.QueuedOperation, error)
	Count(ctx context.Context) (int, error)
	Remove(ctx context.Context, id string) (bool, error)
	BumpRetry(ctx context.Context, id string) (bool, error)
	MarkExhausted(ctx context.Context, id string, maxRetries int) (bool, error)
}

// DeadLetterSink receives operations the janitor purged.
type DeadLetterSink interface {
	Push(ctx context.Context, record models.DeadLetter) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
