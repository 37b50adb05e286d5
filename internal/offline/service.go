// Package offline is the entry point the host application uses to record
// mutations while disconnected and to replay them once back online.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"offlinequeue/internal/connectivity"
	"offlinequeue/internal/domain"
	"offlinequeue/internal/events"
	"offlinequeue/internal/janitor"
	"offlinequeue/internal/logging"
	"offlinequeue/internal/metrics"
	"offlinequeue/internal/models"
	"offlinequeue/internal/worker"

	"github.com/rs/zerolog"
)

// Reasons attached to sync requests.
const (
	ReasonConnectivity = "connectivity_restored"
	ReasonManual       = "manual"
	ReasonPending      = "pending_after_drain"
	ReasonRetry        = "retry"
)

// Service wires the queue store, syncer, janitor and connectivity monitor together.
// Run is the single consumer of sync requests, so drains never overlap.
type Service struct {
	store   domain.QueueStore
	syncer  *worker.Syncer
	janitor *janitor.Janitor
	monitor *connectivity.Monitor
	bus     domain.EventPublisher
	retry   worker.RetryPolicy
	logger  zerolog.Logger

	requests    chan string
	unsubscribe func()
}

// Deps are the collaborators of a Service. Janitor, Monitor and Bus are optional.
type Deps struct {
	Store   domain.QueueStore
	Syncer  *worker.Syncer
	Janitor *janitor.Janitor
	Monitor *connectivity.Monitor
	Bus     domain.EventPublisher
	Retry   worker.RetryPolicy
}

func NewService(deps Deps, logger *zerolog.Logger) *Service {
	l := logging.Component(logger, "offline")

	s := &Service{
		store:    deps.Store,
		syncer:   deps.Syncer,
		janitor:  deps.Janitor,
		monitor:  deps.Monitor,
		bus:      deps.Bus,
		retry:    deps.Retry,
		logger:   l,
		requests: make(chan string, 1),
	}
	if s.monitor != nil {
		s.unsubscribe = s.monitor.Subscribe(func() { s.RequestSync(ReasonConnectivity) })
	}
	return s
}

// Close detaches the service from the connectivity monitor.
func (s *Service) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// EnqueueOperation records a mutation for later replay. payload may be a
// json.RawMessage, raw JSON bytes or any JSON-marshalable value. It returns
// models.ErrStoreUnavailable when the operation could not be persisted.
func (s *Service) EnqueueOperation(ctx context.Context, opType models.OperationType, target string, payload any, filters models.Filters) (string, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	id, err := s.store.Enqueue(ctx, opType, target, raw, filters)
	if err != nil {
		if errors.Is(err, models.ErrStoreUnavailable) {
			s.logger.Error().Err(err).Str("type", opType.String()).Str("target", target).Msg("operation could not be queued")
		}
		return "", err
	}

	metrics.IncEnqueued(opType.String())
	s.logger.Debug().Str("operation_id", id).Str("type", opType.String()).Str("target", target).Msg("operation queued")
	return id, nil
}

// ListPendingOperations returns queued operations, oldest first.
func (s *Service) ListPendingOperations(ctx context.Context) ([]models.QueuedOperation, error) {
	return s.store.ListPending(ctx)
}

// ListPendingByTarget returns queued operations for one collection, oldest first.
func (s *Service) ListPendingByTarget(ctx context.Context, target string) ([]models.QueuedOperation, error) {
	return s.store.ListByTarget(ctx, target)
}

// GetPendingCount returns the number of queued operations.
func (s *Service) GetPendingCount(ctx context.Context) (int, error) {
	n, err := s.store.Count(ctx)
	if err != nil {
		return 0, err
	}
	metrics.SetPending(n)
	return n, nil
}

// Online reports the monitor state; without a monitor the service is always online.
func (s *Service) Online() bool {
	return s.monitor == nil || s.monitor.Online()
}

// RequestSync asks Run for a drain without blocking. Requests arriving while one
// is already pending collapse into it; the return value reports whether this
// call queued a new request.
func (s *Service) RequestSync(reason string) bool {
	select {
	case s.requests <- reason:
	default:
		s.logger.Debug().Str("reason", reason).Msg("sync already requested")
		return false
	}

	s.publish(events.EventSyncRequested, events.SyncRequestedPayload{Reason: reason})
	return true
}

// SyncNow drains the queue and then applies the retention policy.
func (s *Service) SyncNow(ctx context.Context) (worker.DrainResult, error) {
	result, err := s.syncer.Drain(ctx)
	if err != nil {
		return result, err
	}

	if s.janitor == nil {
		return result, nil
	}

	removed, err := s.janitor.Run(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("retention cleanup after drain failed")
		return result, nil
	}
	if removed == 0 {
		return result, nil
	}

	// The drain only reports completion for a queue it emptied itself.
	wasPending := result.Remaining > 0
	remaining, err := s.store.Count(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to recount after retention cleanup")
		remaining = max(result.Remaining-removed, 0)
	}
	result.Remaining = remaining
	metrics.SetPending(remaining)

	if wasPending && remaining == 0 {
		s.publish(events.EventSyncComplete, events.SyncCompletePayload{
			Applied:  result.Applied,
			Duration: result.Duration,
		})
	}
	return result, nil
}

func (s *Service) publish(eventType string, payload any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishJSON(eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to publish event")
	}
}

// Run consumes sync requests until ctx is done. After a pass that left failed
// operations behind it schedules a follow-up drain with exponential backoff,
// for as long as the service stays online.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().Msg("sync loop started")
	defer s.logger.Info().Msg("sync loop stopped")

	var (
		retryTimer *time.Timer
		retryC     <-chan time.Time
		attempt    int
	)
	stopRetry := func() {
		if retryTimer != nil {
			retryTimer.Stop()
			retryTimer = nil
			retryC = nil
		}
	}
	defer stopRetry()

	for {
		var reason string
		select {
		case <-ctx.Done():
			return nil
		case reason = <-s.requests:
		case <-retryC:
			reason = ReasonRetry
		}
		stopRetry()

		if !s.Online() {
			s.logger.Debug().Str("reason", reason).Msg("offline, sync deferred")
			attempt = 0
			continue
		}

		result, err := s.SyncNow(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error().Err(err).Str("reason", reason).Msg("drain failed")
			attempt++
			retryTimer, retryC = s.scheduleRetry(attempt)
			continue
		}

		switch {
		case result.Remaining == 0:
			attempt = 0
		case result.Failed == 0:
			// Only operations enqueued during the pass are left.
			attempt = 0
			s.RequestSync(ReasonPending)
		default:
			attempt++
			retryTimer, retryC = s.scheduleRetry(attempt)
		}
	}
}

func (s *Service) scheduleRetry(attempt int) (*time.Timer, <-chan time.Time) {
	if !s.Online() {
		return nil, nil
	}
	delay := s.retry.NextDelay(attempt)
	s.logger.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("follow-up drain scheduled")
	t := time.NewTimer(delay)
	return t, t.C
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: encode payload: %v", models.ErrInvalidOperation, err)
		}
		return raw, nil
	}
}
