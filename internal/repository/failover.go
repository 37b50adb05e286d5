package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"offlinequeue/internal/domain"
	"offlinequeue/internal/models"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverDeadLetter writes to the primary sink and switches to the fallback
// while the primary is failing, retrying the primary once per recoveryInterval.
type FailoverDeadLetter struct {
	primary  domain.DeadLetterSink
	fallback domain.DeadLetterSink
	logger   *zerolog.Logger
	isDown   atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
	now       func() time.Time
}

func NewFailoverDeadLetter(primary, fallback domain.DeadLetterSink, logger *zerolog.Logger) *FailoverDeadLetter {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverDeadLetter{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *FailoverDeadLetter) Push(ctx context.Context, record models.DeadLetter) error {
	if !r.isDown.Load() || r.recoveryDue() {
		err := r.primary.Push(ctx, record)
		if err == nil {
			if r.isDown.CompareAndSwap(true, false) {
				r.logger.Info().Msg("Primary dead-letter sink recovered")
			}
			return nil
		}
		if !r.isDown.Swap(true) {
			r.logger.Error().Err(err).Msg("Primary dead-letter sink failed, falling back")
		}
		r.markChecked()
	}

	return r.fallback.Push(ctx, record)
}

func (r *FailoverDeadLetter) recoveryDue() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now().Sub(r.lastCheck) > recoveryInterval
}

func (r *FailoverDeadLetter) markChecked() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastCheck = r.now()
}
