package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"offlinequeue/internal/models"

	"github.com/google/uuid"
)

// MemoryStore keeps the queue in process memory. It honors the same contract as
// the SQLite store but loses everything on restart.
type MemoryStore struct {
	mu  sync.Mutex
	ops map[string]models.QueuedOperation
	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ops: make(map[string]models.QueuedOperation),
		now: time.Now,
	}
}

// SetClock overrides the time source used to stamp enqueued operations.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Enqueue(ctx context.Context, opType models.OperationType, target string, payload json.RawMessage, filters models.Filters) (string, error) {
	if err := models.ValidateOperation(opType, target, payload, filters); err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate operation id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	op := models.QueuedOperation{
		ID:         id.String(),
		Type:       opType,
		Target:     target,
		Filters:    cloneFilters(filters),
		EnqueuedAt: s.now(),
	}
	if len(payload) > 0 {
		op.Payload = append(json.RawMessage(nil), payload...)
	}
	s.ops[op.ID] = op
	return op.ID, nil
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]models.QueuedOperation, error) {
	return s.list(func(models.QueuedOperation) bool { return true }), nil
}

func (s *MemoryStore) ListByTarget(ctx context.Context, target string) ([]models.QueuedOperation, error) {
	return s.list(func(op models.QueuedOperation) bool { return op.Target == target }), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.QueuedOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return nil, models.ErrOperationNotFound
	}
	return &op, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops), nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ops[id]; !ok {
		return false, nil
	}
	delete(s.ops, id)
	return true, nil
}

func (s *MemoryStore) BumpRetry(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return false, nil
	}
	op.RetryCount++
	s.ops[id] = op
	return true, nil
}

func (s *MemoryStore) MarkExhausted(ctx context.Context, id string, maxRetries int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return false, nil
	}
	if op.RetryCount < maxRetries {
		op.RetryCount = maxRetries
	}
	s.ops[id] = op
	return true, nil
}

func (s *MemoryStore) list(keep func(models.QueuedOperation) bool) []models.QueuedOperation {
	s.mu.Lock()
	ops := make([]models.QueuedOperation, 0, len(s.ops))
	for _, op := range s.ops {
		if keep(op) {
			ops = append(ops, op)
		}
	}
	s.mu.Unlock()

	sort.Slice(ops, func(i, j int) bool {
		if !ops[i].EnqueuedAt.Equal(ops[j].EnqueuedAt) {
			return ops[i].EnqueuedAt.Before(ops[j].EnqueuedAt)
		}
		return ops[i].ID < ops[j].ID
	})
	return ops
}

func cloneFilters(filters models.Filters) models.Filters {
	if len(filters) == 0 {
		return nil
	}
	out := make(models.Filters, len(filters))
	for field, f := range filters {
		out[field] = f
	}
	return out
}

// MemoryDeadLetter collects purged operations in memory.
type MemoryDeadLetter struct {
	mu      sync.Mutex
	records []models.DeadLetter
	limit   int
}

// NewMemoryDeadLetter keeps at most limit records, dropping the oldest; limit <= 0 means unbounded.
func NewMemoryDeadLetter(limit int) *MemoryDeadLetter {
	return &MemoryDeadLetter{limit: limit}
}

func (d *MemoryDeadLetter) Push(ctx context.Context, record models.DeadLetter) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.records = append(d.records, record)
	if d.limit > 0 && len(d.records) > d.limit {
		d.records = d.records[len(d.records)-d.limit:]
	}
	return nil
}

// List returns up to limit records, newest first.
func (d *MemoryDeadLetter) List(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]models.DeadLetter, 0, len(d.records))
	for i := len(d.records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, d.records[i])
	}
	return out, nil
}
