// Package connectivity tracks whether the remote service is reachable and
// notifies subscribers when it becomes reachable again.
package connectivity

import (
	"context"
	"sync"
	"time"

	"offlinequeue/internal/logging"

	"github.com/rs/zerolog"
)

// Options configure a Monitor.
type Options struct {
	// Debounce delays the online notification; going offline inside the window cancels it.
	Debounce time.Duration
	// FireOnStart notifies subscribers from Start when the monitor is already online.
	FireOnStart bool
	// StartOnline is the state assumed before the first SetOnline call.
	StartOnline bool
}

// Monitor turns raw online/offline signals into debounced "back online" notifications.
// Only offline-to-online transitions notify.
type Monitor struct {
	opts   Options
	logger zerolog.Logger

	mu          sync.Mutex
	online      bool
	timer       *time.Timer
	generation  uint64
	nextID      int
	subscribers map[int]func()
	order       []int
}

func NewMonitor(opts Options, logger *zerolog.Logger) *Monitor {
	l := logging.Component(logger, "connectivity")
	return &Monitor{
		opts:        opts,
		logger:      l,
		online:      opts.StartOnline,
		subscribers: make(map[int]func()),
	}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn to run on every debounced offline-to-online transition.
// The returned func removes the subscription.
func (m *Monitor) Subscribe(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn
	m.order = append(m.order, id)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// SetOnline records a platform connectivity signal.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()

	wasOnline := m.online
	m.online = online

	if !online {
		if wasOnline {
			m.logger.Info().Msg("connectivity lost")
		}
		m.cancelLocked()
		m.mu.Unlock()
		return
	}

	if wasOnline {
		m.mu.Unlock()
		return
	}

	m.logger.Info().Dur("debounce", m.opts.Debounce).Msg("connectivity restored")
	m.cancelLocked()
	gen := m.generation

	if m.opts.Debounce <= 0 {
		m.mu.Unlock()
		m.notify()
		return
	}

	m.timer = time.AfterFunc(m.opts.Debounce, func() { m.fire(gen) })
	m.mu.Unlock()
}

// Start performs the optional initial notification and stops any pending
// timer once ctx is done. It does not block.
func (m *Monitor) Start(ctx context.Context) {
	if m.opts.FireOnStart && m.Online() {
		m.logger.Debug().Msg("already online at start")
		m.notify()
	}

	go func() {
		<-ctx.Done()
		m.Stop()
	}()
}

// Stop cancels a pending notification.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
}

func (m *Monitor) cancelLocked() {
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) fire(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || !m.online {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	m.notify()
}

func (m *Monitor) notify() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.subscribers))
	live := m.order[:0]
	for _, id := range m.order {
		if fn, ok := m.subscribers[id]; ok {
			fns = append(fns, fn)
			live = append(live, id)
		}
	}
	m.order = live
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
