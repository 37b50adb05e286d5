package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"offlinequeue/internal/database"
	"offlinequeue/internal/events"
	"offlinequeue/internal/models"
	"offlinequeue/internal/remote"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRemote struct {
	mock.Mock
}

func (m *mockRemote) Create(ctx context.Context, target string, payload json.RawMessage) error {
	return m.Called(target, string(payload)).Error(0)
}

func (m *mockRemote) Update(ctx context.Context, target string, payload json.RawMessage, filters models.Filters) error {
	return m.Called(target, string(payload), filters).Error(0)
}

func (m *mockRemote) Delete(ctx context.Context, target string, filters models.Filters) error {
	return m.Called(target, filters).Error(0)
}

// recordingRemote logs every call and can block until released.
type recordingRemote struct {
	mu      sync.Mutex
	calls   []string
	block   chan struct{}
	started chan struct{}
	fail    map[string]error
}

func (r *recordingRemote) record(ctx context.Context, call string) error {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	err := r.fail[call]
	r.mu.Unlock()

	if r.started != nil {
		select {
		case r.started <- struct{}{}:
		default:
		}
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (r *recordingRemote) Create(ctx context.Context, target string, payload json.RawMessage) error {
	return r.record(ctx, "create:"+target)
}

func (r *recordingRemote) Update(ctx context.Context, target string, payload json.RawMessage, filters models.Filters) error {
	return r.record(ctx, "update:"+target)
}

func (r *recordingRemote) Delete(ctx context.Context, target string, filters models.Filters) error {
	return r.record(ctx, "delete:"+target)
}

func (r *recordingRemote) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "queue.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	db.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Millisecond)
		return tick
	})
	return db
}

func enqueue(t *testing.T, db *database.DB, opType models.OperationType, target string) string {
	t.Helper()
	var payload json.RawMessage
	var filters models.Filters
	if opType != models.OperationDelete {
		payload = json.RawMessage(`{"v":1}`)
	}
	if opType != models.OperationInsert {
		filters = models.Filters{"id": models.Eq(1)}
	}
	id, err := db.Enqueue(context.Background(), opType, target, payload, filters)
	require.NoError(t, err)
	return id
}

func collect(bus *events.EventBus, eventType string) func() []events.Event {
	var mu sync.Mutex
	var got []events.Event
	bus.Subscribe(eventType, func(e *events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, *e)
		return nil
	})
	return func() []events.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]events.Event(nil), got...)
	}
}

func TestDrain_AppliesInOrderAndEmptiesQueue(t *testing.T) {
	db := newTestDB(t)
	enqueue(t, db, models.OperationInsert, "a")
	enqueue(t, db, models.OperationUpdate, "b")
	enqueue(t, db, models.OperationDelete, "c")

	rem := &recordingRemote{}
	bus := events.NewEventBus()
	completed := collect(bus, events.EventSyncComplete)

	s := NewSyncer(db, rem, bus, Options{}, nil)
	result, err := s.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"create:a", "update:b", "delete:c"}, rem.Calls())
	assert.Equal(t, 3, result.Applied)
	assert.Zero(t, result.Remaining)

	n, err := db.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Len(t, completed(), 1)
	var payload events.SyncCompletePayload
	require.NoError(t, completed()[0].Decode(&payload))
	assert.Equal(t, 3, payload.Applied)
}

func TestDrain_FailureDoesNotStopPass(t *testing.T) {
	db := newTestDB(t)
	enqueue(t, db, models.OperationInsert, "a")
	failing := enqueue(t, db, models.OperationInsert, "b")
	enqueue(t, db, models.OperationInsert, "c")

	rem := &recordingRemote{fail: map[string]error{"create:b": errors.New("503")}}
	bus := events.NewEventBus()
	failed := collect(bus, events.EventOperationFailed)
	completed := collect(bus, events.EventSyncComplete)

	s := NewSyncer(db, rem, bus, Options{}, nil)
	result, err := s.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"create:a", "create:b", "create:c"}, rem.Calls())
	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Remaining)

	op, err := db.Get(context.Background(), failing)
	require.NoError(t, err)
	assert.Equal(t, 1, op.RetryCount)

	require.Len(t, failed(), 1)
	var payload events.OperationFailedPayload
	require.NoError(t, failed()[0].Decode(&payload))
	assert.Equal(t, failing, payload.OperationID)
	assert.Equal(t, 1, payload.RetryCount)
	assert.False(t, payload.Permanent)
	assert.Empty(t, completed())
}

func TestDrain_PermanentFailureExhaustsRetries(t *testing.T) {
	db := newTestDB(t)
	id := enqueue(t, db, models.OperationUpdate, "tickets")

	rem := new(mockRemote)
	rem.On("Update", "tickets", `{"v":1}`, mock.Anything).
		Return(&remote.StatusError{Method: "PATCH", Target: "tickets", Code: 400}).Once()

	s := NewSyncer(db, rem, nil, Options{MaxRetries: 4}, nil)
	result, err := s.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	op, err := db.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 4, op.RetryCount)
	rem.AssertExpectations(t)
}

func TestDrain_CustomClassifier(t *testing.T) {
	db := newTestDB(t)
	id := enqueue(t, db, models.OperationDelete, "tickets")

	rem := new(mockRemote)
	rem.On("Delete", "tickets", mock.Anything).Return(errors.New("duplicate key")).Once()

	classify := func(err error) ErrorClass {
		if err.Error() == "duplicate key" {
			return ClassPermanent
		}
		return ClassTransient
	}
	s := NewSyncer(db, rem, nil, Options{MaxRetries: 3, Classifier: classify}, nil)
	_, err := s.Drain(context.Background())
	require.NoError(t, err)

	op, err := db.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, op.RetryCount)
}

func TestDrain_TimeoutCountsAsFailure(t *testing.T) {
	db := newTestDB(t)
	id := enqueue(t, db, models.OperationInsert, "slow")

	rem := &recordingRemote{block: make(chan struct{})}
	defer close(rem.block)

	s := NewSyncer(db, rem, nil, Options{ApplyTimeout: 30 * time.Millisecond}, nil)
	result, err := s.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	op, err := db.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, op.RetryCount)
}

func TestDrain_RejectsConcurrentDrain(t *testing.T) {
	db := newTestDB(t)
	enqueue(t, db, models.OperationInsert, "a")
	enqueue(t, db, models.OperationInsert, "b")

	rem := &recordingRemote{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := NewSyncer(db, rem, nil, Options{}, nil)

	done := make(chan DrainResult, 1)
	go func() {
		result, err := s.Drain(context.Background())
		assert.NoError(t, err)
		done <- result
	}()

	<-rem.started
	assert.True(t, s.Draining())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Drain(context.Background())
			assert.ErrorIs(t, err, ErrDrainInProgress)
		}()
	}
	wg.Wait()

	close(rem.block)
	result := <-done
	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, 1, s.MaxInFlight())
	assert.Zero(t, s.InFlight())
	assert.False(t, s.Draining())
}

func TestDrain_SnapshotExcludesLateEnqueues(t *testing.T) {
	db := newTestDB(t)
	enqueue(t, db, models.OperationInsert, "early")

	rem := &recordingRemote{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := NewSyncer(db, rem, nil, Options{}, nil)

	done := make(chan DrainResult, 1)
	go func() {
		result, _ := s.Drain(context.Background())
		done <- result
	}()

	<-rem.started
	enqueue(t, db, models.OperationInsert, "late")
	close(rem.block)

	result := <-done
	assert.Equal(t, []string{"create:early"}, rem.Calls())
	assert.Equal(t, 1, result.Remaining)
}

type brokenStore struct {
	*database.DB
}

func (brokenStore) ListPending(context.Context) ([]models.QueuedOperation, error) {
	return nil, models.ErrStoreUnavailable
}

func TestDrain_StoreUnavailable(t *testing.T) {
	s := NewSyncer(brokenStore{newTestDB(t)}, &recordingRemote{}, nil, Options{}, nil)
	_, err := s.Drain(context.Background())
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
	assert.False(t, s.Draining())
}

func TestDefaultClassifier(t *testing.T) {
	assert.Equal(t, ClassPermanent, DefaultClassifier(&remote.StatusError{Code: 422}))
	assert.Equal(t, ClassTransient, DefaultClassifier(&remote.StatusError{Code: 503}))
	assert.Equal(t, ClassTransient, DefaultClassifier(context.DeadlineExceeded))
	assert.Equal(t, "permanent", ClassPermanent.String())
}
