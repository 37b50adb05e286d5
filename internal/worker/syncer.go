package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"offlinequeue/internal/domain"
	"offlinequeue/internal/events"
	"offlinequeue/internal/logging"
	"offlinequeue/internal/metrics"
	"offlinequeue/internal/models"
	"offlinequeue/internal/remote"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrDrainInProgress is returned when Drain is called while another drain runs.
var ErrDrainInProgress = errors.New("drain already in progress")

// ErrorClass tells the syncer whether a failed operation may succeed later.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassPermanent
)

func (c ErrorClass) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// Classifier maps a remote error to its class.
type Classifier func(error) ErrorClass

// DefaultClassifier treats remote.ErrPermanent as permanent and everything else,
// timeouts included, as transient.
func DefaultClassifier(err error) ErrorClass {
	if errors.Is(err, remote.ErrPermanent) {
		return ClassPermanent
	}
	return ClassTransient
}

// Options tune a Syncer. Zero values fall back to defaults.
type Options struct {
	ApplyTimeout time.Duration
	MaxRetries   int
	Limiter      *rate.Limiter
	Classifier   Classifier
}

// DrainResult summarizes one pass over the queue.
type DrainResult struct {
	Attempted int
	Applied   int
	Failed    int
	Remaining int
	Duration  time.Duration
}

// Syncer replays queued operations against the remote service, oldest first.
// At most one drain runs at a time.
type Syncer struct {
	store  domain.QueueStore
	remote remote.RemoteService
	bus    domain.EventPublisher
	opts   Options
	logger zerolog.Logger

	draining    atomic.Bool
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func NewSyncer(store domain.QueueStore, remoteSvc remote.RemoteService, bus domain.EventPublisher, opts Options, logger *zerolog.Logger) *Syncer {
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = models.DefaultApplyTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = models.DefaultMaxRetries
	}
	if opts.Classifier == nil {
		opts.Classifier = DefaultClassifier
	}

	l := logging.Component(logger, "syncer")

	return &Syncer{
		store:  store,
		remote: remoteSvc,
		bus:    bus,
		opts:   opts,
		logger: l,
	}
}

// Draining reports whether a drain is currently running.
func (s *Syncer) Draining() bool {
	return s.draining.Load()
}

// InFlight is the number of remote calls currently outstanding.
func (s *Syncer) InFlight() int {
	return int(s.inFlight.Load())
}

// MaxInFlight is the highest InFlight value observed since construction.
func (s *Syncer) MaxInFlight() int {
	return int(s.maxInFlight.Load())
}

// Drain applies a snapshot of the queue. Operations enqueued during the pass
// wait for the next one. A failed operation is counted and skipped; it never
// stops the pass.
func (s *Syncer) Drain(ctx context.Context) (DrainResult, error) {
	if !s.draining.CompareAndSwap(false, true) {
		return DrainResult{}, ErrDrainInProgress
	}
	defer s.draining.Store(false)

	start := time.Now()
	var result DrainResult

	ops, err := s.store.ListPending(ctx)
	if err != nil {
		return result, fmt.Errorf("list pending operations: %w", err)
	}

	s.logger.Debug().Int("pending", len(ops)).Msg("drain started")

	for i := range ops {
		if ctx.Err() != nil {
			break
		}
		if s.opts.Limiter != nil {
			if err := s.opts.Limiter.Wait(ctx); err != nil {
				break
			}
		}

		result.Attempted++
		if s.process(ctx, &ops[i]) {
			result.Applied++
		} else {
			result.Failed++
		}
	}

	result.Duration = time.Since(start)
	metrics.ObserveDrain(result.Duration)

	remaining, err := s.store.Count(ctx)
	if err != nil {
		return result, fmt.Errorf("count remaining operations: %w", err)
	}
	result.Remaining = remaining
	metrics.SetPending(remaining)

	s.logger.Info().
		Int("attempted", result.Attempted).
		Int("applied", result.Applied).
		Int("failed", result.Failed).
		Int("remaining", remaining).
		Dur("duration", result.Duration).
		Msg("drain finished")

	if remaining == 0 {
		s.publish(events.EventSyncComplete, events.SyncCompletePayload{
			Applied:  result.Applied,
			Duration: result.Duration,
		})
	}

	return result, nil
}

// process applies one operation and records the outcome. It reports success.
func (s *Syncer) process(ctx context.Context, op *models.QueuedOperation) bool {
	err := s.apply(ctx, op)
	if err == nil {
		if _, rmErr := s.store.Remove(ctx, op.ID); rmErr != nil {
			// Applied remotely but still queued; it will be replayed.
			s.logger.Error().Err(rmErr).Str("operation_id", op.ID).Msg("failed to remove applied operation")
		}
		metrics.IncApplied(op.Type.String())
		return true
	}

	class := s.opts.Classifier(err)
	retryCount := op.RetryCount + 1

	var markErr error
	if class == ClassPermanent {
		_, markErr = s.store.MarkExhausted(ctx, op.ID, s.opts.MaxRetries)
		if retryCount < s.opts.MaxRetries {
			retryCount = s.opts.MaxRetries
		}
	} else {
		_, markErr = s.store.BumpRetry(ctx, op.ID)
	}
	if markErr != nil {
		s.logger.Error().Err(markErr).Str("operation_id", op.ID).Msg("failed to record retry")
	}

	metrics.IncFailed(op.Type.String(), class.String())
	s.logger.Warn().
		Err(err).
		Str("operation_id", op.ID).
		Str("type", op.Type.String()).
		Str("target", op.Target).
		Int("retry_count", retryCount).
		Str("class", class.String()).
		Msg("remote apply failed")

	s.publish(events.EventOperationFailed, events.OperationFailedPayload{
		OperationID: op.ID,
		Type:        op.Type.String(),
		Target:      op.Target,
		RetryCount:  retryCount,
		Permanent:   class == ClassPermanent,
		Error:       err.Error(),
	})
	return false
}

// apply runs the remote call under the per-operation timeout. A remote that
// ignores cancellation is abandoned once the deadline passes.
func (s *Syncer) apply(ctx context.Context, op *models.QueuedOperation) error {
	s.enter()
	defer s.inFlight.Add(-1)

	applyCtx, cancel := context.WithTimeout(ctx, s.opts.ApplyTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.dispatch(applyCtx, op)
	}()

	select {
	case err := <-done:
		return err
	case <-applyCtx.Done():
		return fmt.Errorf("%w: %s %s: %w", remote.ErrRemoteApply, op.Type, op.Target, applyCtx.Err())
	}
}

func (s *Syncer) dispatch(ctx context.Context, op *models.QueuedOperation) error {
	switch op.Type {
	case models.OperationInsert:
		return s.remote.Create(ctx, op.Target, op.Payload)
	case models.OperationUpdate:
		return s.remote.Update(ctx, op.Target, op.Payload, op.Filters)
	case models.OperationDelete:
		return s.remote.Delete(ctx, op.Target, op.Filters)
	default:
		return fmt.Errorf("%w: %w: unknown operation type %q", remote.ErrRemoteApply, remote.ErrPermanent, op.Type)
	}
}

func (s *Syncer) enter() {
	n := s.inFlight.Add(1)
	for {
		peak := s.maxInFlight.Load()
		if n <= peak || s.maxInFlight.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (s *Syncer) publish(eventType string, payload any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishJSON(eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to publish event")
	}
}
