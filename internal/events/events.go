package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventSyncRequested   = "sync_requested"
	EventSyncComplete    = "sync_complete"
	EventOperationFailed = "sync_operation_failed"
	EventOperationPurged = "operation_purged"
)

// SyncRequestedPayload tells listeners why a drain was requested.
type SyncRequestedPayload struct {
	Reason string `json:"reason"`
}

// SyncCompletePayload is published when a drain leaves the queue empty.
type SyncCompletePayload struct {
	Applied  int           `json:"applied"`
	Duration time.Duration `json:"duration"`
}

// OperationFailedPayload describes one failed remote apply attempt.
type OperationFailedPayload struct {
	OperationID string `json:"operation_id"`
	Type        string `json:"type"`
	Target      string `json:"target"`
	RetryCount  int    `json:"retry_count"`
	Permanent   bool   `json:"permanent"`
	Error       string `json:"error"`
}

// OperationPurgedPayload describes an operation dropped by the retention janitor.
type OperationPurgedPayload struct {
	OperationID string    `json:"operation_id"`
	Type        string    `json:"type"`
	Target      string    `json:"target"`
	RetryCount  int       `json:"retry_count"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Reason      string    `json:"reason"`
}

// Event represents a lightweight engine notification.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the JSON payload into out.
func (e *Event) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}

	b.Publish(&event)
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
