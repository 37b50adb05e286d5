package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"offlinequeue/internal/connectivity"
	"offlinequeue/internal/database"
	"offlinequeue/internal/events"
	"offlinequeue/internal/janitor"
	"offlinequeue/internal/models"
	"offlinequeue/internal/remote"
	"offlinequeue/internal/worker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type remoteCall struct {
	Method  string
	Target  string
	Payload string
	Filters models.Filters
}

type fakeRemote struct {
	mu      sync.Mutex
	calls   []remoteCall
	failFor map[string]int
	failErr error
	block   chan struct{}
	started chan struct{}
}

func (f *fakeRemote) handle(ctx context.Context, call remoteCall) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	key := call.Method + ":" + call.Target
	fail := f.failFor[key] > 0
	if fail {
		f.failFor[key]--
	}
	f.mu.Unlock()

	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		if f.failErr != nil {
			return f.failErr
		}
		return errors.New("remote unavailable")
	}
	return nil
}

func (f *fakeRemote) Create(ctx context.Context, target string, payload json.RawMessage) error {
	return f.handle(ctx, remoteCall{Method: "create", Target: target, Payload: string(payload)})
}

func (f *fakeRemote) Update(ctx context.Context, target string, payload json.RawMessage, filters models.Filters) error {
	return f.handle(ctx, remoteCall{Method: "update", Target: target, Payload: string(payload), Filters: filters})
}

func (f *fakeRemote) Delete(ctx context.Context, target string, filters models.Filters) error {
	return f.handle(ctx, remoteCall{Method: "delete", Target: target, Filters: filters})
}

func (f *fakeRemote) Calls() []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remoteCall(nil), f.calls...)
}

type harness struct {
	db      *database.DB
	remote  *fakeRemote
	bus     *events.EventBus
	monitor *connectivity.Monitor
	syncer  *worker.Syncer
	janitor *janitor.Janitor
	svc     *Service
}

func newHarness(t *testing.T, remote *fakeRemote, maxRetries int) *harness {
	t.Helper()
	logger := zerolog.Nop()
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	db, err := database.NewDB(dbPath, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewEventBus()
	monitor := connectivity.NewMonitor(connectivity.Options{}, &logger)
	syncer := worker.NewSyncer(db, remote, bus, worker.Options{MaxRetries: maxRetries, ApplyTimeout: time.Second}, &logger)
	jan := janitor.New(db, nil, bus, janitor.Policy{MaxRetries: maxRetries, Horizon: 24 * time.Hour}, &logger)
	retry := worker.RetryPolicy{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, BackoffFactor: 2}

	svc := NewService(Deps{Store: db, Syncer: syncer, Janitor: jan, Monitor: monitor, Bus: bus, Retry: retry}, &logger)
	t.Cleanup(svc.Close)

	return &harness{db: db, remote: remote, bus: bus, monitor: monitor, syncer: syncer, janitor: jan, svc: svc}
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) pending(t *testing.T) int {
	n, err := h.svc.GetPendingCount(context.Background())
	if err != nil {
		t.Errorf("pending count: %v", err)
		return -1
	}
	return n
}

func TestEnqueueIsVisibleBeforeDrain(t *testing.T) {
	h := newHarness(t, &fakeRemote{}, 5)
	ctx := context.Background()

	id, err := h.svc.EnqueueOperation(ctx, models.OperationInsert, "tickets", map[string]string{"cliente_nombre": "Juan"}, nil)
	require.NoError(t, err)

	ops, err := h.svc.ListPendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, id, ops[0].ID)
	assert.JSONEq(t, `{"cliente_nombre":"Juan"}`, string(ops[0].Payload))
	assert.Equal(t, 1, h.pending(t))
	assert.Empty(t, h.remote.Calls())
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	h := newHarness(t, &fakeRemote{}, 5)

	_, err := h.svc.EnqueueOperation(context.Background(), models.OperationInsert, "tickets", make(chan int), nil)
	assert.ErrorIs(t, err, models.ErrInvalidOperation)
	assert.Zero(t, h.pending(t))
}

func TestReplayInOrderWhenBackOnline(t *testing.T) {
	h := newHarness(t, &fakeRemote{}, 5)
	ctx := context.Background()
	h.run(t)

	_, err := h.svc.EnqueueOperation(ctx, models.OperationInsert, "tickets", map[string]any{"cliente_nombre": "Juan"}, nil)
	require.NoError(t, err)
	_, err = h.svc.EnqueueOperation(ctx, models.OperationUpdate, "tickets", map[string]any{"estado": "finalizado"}, models.Filters{"id": models.Eq(5)})
	require.NoError(t, err)

	var completed atomic.Int32
	h.bus.Subscribe(events.EventSyncComplete, func(*events.Event) error {
		completed.Add(1)
		return nil
	})

	h.monitor.SetOnline(true)

	assert.Eventually(t, func() bool { return h.pending(t) == 0 }, 2*time.Second, 10*time.Millisecond)

	calls := h.remote.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "create", calls[0].Method)
	assert.JSONEq(t, `{"cliente_nombre":"Juan"}`, calls[0].Payload)
	assert.Equal(t, "update", calls[1].Method)
	assert.JSONEq(t, `{"estado":"finalizado"}`, calls[1].Payload)
	assert.Equal(t, json.Number("5"), calls[1].Filters["id"].Eq)

	ops, err := h.svc.ListPendingOperations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.Eventually(t, func() bool { return completed.Load() >= 1 }, time.Second, 10*time.Millisecond)
}

func TestRetriesUntilQueueIsEmpty(t *testing.T) {
	remote := &fakeRemote{failFor: map[string]int{"create:a": 2, "delete:b": 1}}
	h := newHarness(t, remote, 10)
	ctx := context.Background()

	_, err := h.svc.EnqueueOperation(ctx, models.OperationInsert, "a", json.RawMessage(`{"x":1}`), nil)
	require.NoError(t, err)
	_, err = h.svc.EnqueueOperation(ctx, models.OperationDelete, "b", nil, models.Filters{"id": models.In(1, 2)})
	require.NoError(t, err)
	_, err = h.svc.EnqueueOperation(ctx, models.OperationInsert, "c", []byte(`{"y":2}`), nil)
	require.NoError(t, err)

	h.run(t)
	h.monitor.SetOnline(true)

	assert.Eventually(t, func() bool { return h.pending(t) == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestRequestWhileOfflineIsDeferred(t *testing.T) {
	h := newHarness(t, &fakeRemote{}, 5)
	ctx := context.Background()
	h.run(t)

	_, err := h.svc.EnqueueOperation(ctx, models.OperationInsert, "a", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	assert.True(t, h.svc.RequestSync(ReasonManual))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.remote.Calls())
	assert.Equal(t, 1, h.pending(t))

	h.monitor.SetOnline(true)
	assert.Eventually(t, func() bool { return h.pending(t) == 0 }, time.Second, 10*time.Millisecond)
}

func TestRetryBudgetThenCleanup(t *testing.T) {
	remote := &fakeRemote{failFor: map[string]int{"create:broken": 100}}
	h := newHarness(t, remote, 3)
	ctx := context.Background()

	broken, err := h.svc.EnqueueOperation(ctx, models.OperationInsert, "broken", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := h.syncer.Drain(ctx)
		require.NoError(t, err)
	}

	op, err := h.db.Get(ctx, broken)
	require.NoError(t, err)
	assert.Equal(t, 3, op.RetryCount)

	before := h.pending(t)
	removed, err := h.janitor.Cleanup(ctx, 24*time.Hour, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, before-1, h.pending(t))

	ops, err := h.svc.ListPendingOperations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestSyncCompleteWhenCleanupEmptiesQueue(t *testing.T) {
	rem := &fakeRemote{
		failFor: map[string]int{"create:tickets": 1},
		failErr: fmt.Errorf("rejected: %w", remote.ErrPermanent),
	}
	h := newHarness(t, rem, 3)
	ctx := context.Background()

	var completed atomic.Int32
	h.bus.Subscribe(events.EventSyncComplete, func(*events.Event) error {
		completed.Add(1)
		return nil
	})

	_, err := h.svc.EnqueueOperation(ctx, models.OperationInsert, "tickets", map[string]int{"n": 1}, nil)
	require.NoError(t, err)

	result, err := h.svc.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, result.Remaining)
	assert.Zero(t, h.pending(t))
	assert.EqualValues(t, 1, completed.Load())

	// An already empty queue is reported by the drain alone.
	_, err = h.svc.SyncNow(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, completed.Load())
}

func TestEnqueueWhenStoreUnavailable(t *testing.T) {
	logger := zerolog.Nop()
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	db, err := database.NewDB(dbPath, &logger)
	require.NoError(t, err)

	svc := NewService(Deps{Store: db}, &logger)
	require.NoError(t, db.Close())

	_, err = svc.EnqueueOperation(context.Background(), models.OperationInsert, "tickets", map[string]string{"a": "b"}, nil)
	require.ErrorIs(t, err, models.ErrStoreUnavailable)

	reopened, err := database.NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer reopened.Close()

	ops, err := NewService(Deps{Store: reopened}, &logger).ListPendingOperations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestTransitionsDuringDrainAreCoalesced(t *testing.T) {
	remote := &fakeRemote{block: make(chan struct{}), started: make(chan struct{}, 1)}
	h := newHarness(t, remote, 5)
	ctx := context.Background()

	_, err := h.svc.EnqueueOperation(ctx, models.OperationInsert, "a", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	var requested atomic.Int32
	h.bus.Subscribe(events.EventSyncRequested, func(*events.Event) error {
		requested.Add(1)
		return nil
	})

	h.run(t)
	h.monitor.SetOnline(true)
	<-remote.started

	for i := 0; i < 2; i++ {
		h.monitor.SetOnline(false)
		h.monitor.SetOnline(true)
	}
	assert.True(t, h.syncer.Draining())

	close(remote.block)
	assert.Eventually(t, func() bool { return h.pending(t) == 0 && !h.syncer.Draining() }, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.syncer.MaxInFlight())
	assert.Equal(t, int32(2), requested.Load(), "one drain plus a single coalesced follow-up")
	assert.Len(t, remote.Calls(), 1)
}

func TestEncodePayload(t *testing.T) {
	raw, err := encodePayload(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	raw, err = encodePayload(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(raw))

	raw, err = encodePayload(struct {
		Name string `json:"name"`
	}{Name: "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"x"}`, string(raw))
}
