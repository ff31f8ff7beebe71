package relay

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/liftlive/go/internal/apperr"
	"github.com/rs/zerolog/log"
)

// CheckFunc makes one request to the server. Only retryable failures count
// as the server being unreachable; a rejection proves it answered.
type CheckFunc func(ctx context.Context) error

// Monitor polls the server and reports connectivity changes.
type Monitor struct {
	check    CheckFunc
	clock    clockwork.Clock
	interval time.Duration

	mu       sync.Mutex
	online   bool
	handlers []func(ctx context.Context, online bool)
}

// NewMonitor creates a monitor that assumes the server is reachable until a
// check says otherwise.
func NewMonitor(check CheckFunc, clock clockwork.Clock, interval time.Duration) *Monitor {
	return &Monitor{
		check:    check,
		clock:    clock,
		interval: interval,
		online:   true,
	}
}

// OnChange registers fn to run on every connectivity change, in Run's goroutine.
func (m *Monitor) OnChange(fn func(ctx context.Context, online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Online reports the result of the latest check.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run checks immediately and then every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			m.Check(ctx)
		}
	}
}

// Check runs one check and notifies the handlers if connectivity changed.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.check(ctx)
	if ctx.Err() != nil {
		return m.Online()
	}
	online := err == nil || !apperr.Retryable(err)

	m.mu.Lock()
	changed := online != m.online
	m.online = online
	handlers := append([]func(context.Context, bool){}, m.handlers...)
	m.mu.Unlock()

	if !changed {
		return online
	}
	if online {
		log.Info().Msg("server reachable again")
	} else {
		log.Warn().Err(err).Msg("server unreachable, writes will be buffered")
	}
	for _, fn := range handlers {
		fn(ctx, online)
	}
	return online
}
