// Package janitor purges queued operations that are too old or have failed too often.
package janitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"offlinequeue/internal/domain"
	"offlinequeue/internal/events"
	"offlinequeue/internal/logging"
	"offlinequeue/internal/metrics"
	"offlinequeue/internal/models"

	"github.com/rs/zerolog"
)

// Policy bounds how long and how often an operation may be retried.
type Policy struct {
	Horizon    time.Duration
	MaxRetries int
	Interval   time.Duration
}

type Janitor struct {
	store      domain.QueueStore
	deadLetter domain.DeadLetterSink
	bus        domain.EventPublisher
	policy     Policy
	logger     zerolog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// New builds a janitor. deadLetter and bus may be nil.
func New(store domain.QueueStore, deadLetter domain.DeadLetterSink, bus domain.EventPublisher, policy Policy, logger *zerolog.Logger) *Janitor {
	if policy.Horizon <= 0 {
		policy.Horizon = models.DefaultRetentionHorizon
	}
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = models.DefaultMaxRetries
	}
	if policy.Interval <= 0 {
		policy.Interval = models.DefaultCleanupInterval
	}

	l := logging.Component(logger, "janitor")

	return &Janitor{
		store:      store,
		deadLetter: deadLetter,
		bus:        bus,
		policy:     policy,
		logger:     l,
		now:        time.Now,
	}
}

// SetClock overrides the time source used to compute operation age.
func (j *Janitor) SetClock(now func() time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.now = now
}

func (j *Janitor) clock() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.now()
}

// Policy returns the effective retention policy.
func (j *Janitor) Policy() Policy {
	return j.policy
}

// Run purges with the configured policy.
func (j *Janitor) Run(ctx context.Context) (int, error) {
	return j.Cleanup(ctx, j.policy.Horizon, j.policy.MaxRetries)
}

// Cleanup removes every operation older than horizon or with at least maxRetries
// failed attempts and returns how many were actually removed.
func (j *Janitor) Cleanup(ctx context.Context, horizon time.Duration, maxRetries int) (int, error) {
	ops, err := j.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending operations: %w", err)
	}

	now := j.clock()
	removed := 0

	for i := range ops {
		op := ops[i]
		reason, purge := purgeReason(op, now, horizon, maxRetries)
		if !purge {
			continue
		}

		ok, err := j.store.Remove(ctx, op.ID)
		if err != nil {
			return removed, fmt.Errorf("remove operation %s: %w", op.ID, err)
		}
		if !ok {
			// Applied and removed by a concurrent drain.
			continue
		}
		removed++
		j.report(ctx, op, reason, now)
	}

	if removed > 0 {
		j.logger.Info().Int("removed", removed).Msg("retention cleanup finished")
	}
	return removed, nil
}

// Start runs Cleanup immediately and then on every interval tick until ctx is done.
func (j *Janitor) Start(ctx context.Context) {
	j.logger.Info().Dur("interval", j.policy.Interval).Dur("horizon", j.policy.Horizon).Int("max_retries", j.policy.MaxRetries).Msg("Janitor started")

	ticker := time.NewTicker(j.policy.Interval)
	defer ticker.Stop()

	if _, err := j.Run(ctx); err != nil {
		j.logger.Error().Err(err).Msg("Initial cleanup failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Run(ctx); err != nil {
				j.logger.Error().Err(err).Msg("Scheduled cleanup failed")
			}
		}
	}
}

func purgeReason(op models.QueuedOperation, now time.Time, horizon time.Duration, maxRetries int) (string, bool) {
	if op.RetryCount >= maxRetries {
		return models.PurgeReasonRetriesExhausted, true
	}
	if op.Age(now) > horizon {
		return models.PurgeReasonExpired, true
	}
	return "", false
}

func (j *Janitor) report(ctx context.Context, op models.QueuedOperation, reason string, now time.Time) {
	metrics.IncPurged(reason)

	j.logger.Warn().
		Str("operation_id", op.ID).
		Str("type", op.Type.String()).
		Str("target", op.Target).
		Int("retry_count", op.RetryCount).
		Time("enqueued_at", op.EnqueuedAt).
		Str("reason", reason).
		Msg("operation purged")

	if j.bus != nil {
		if err := j.bus.PublishJSON(events.EventOperationPurged, events.OperationPurgedPayload{
			OperationID: op.ID,
			Type:        op.Type.String(),
			Target:      op.Target,
			RetryCount:  op.RetryCount,
			EnqueuedAt:  op.EnqueuedAt,
			Reason:      reason,
		}); err != nil {
			j.logger.Warn().Err(err).Msg("failed to publish purge event")
		}
	}

	if j.deadLetter != nil {
		record := models.DeadLetter{Operation: op, Reason: reason, PurgedAt: now}
		if err := j.deadLetter.Push(ctx, record); err != nil {
			j.logger.Error().Err(err).Str("operation_id", op.ID).Msg("dead letter push failed")
		}
	}
}
