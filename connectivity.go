package outbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectivityMonitor reports whether the server is reachable and announces
// offline-to-online transitions. Hosts plug in their own platform signal.
type ConnectivityMonitor interface {
	// Online reports the current state. It must not block.
	Online() bool

	// OnReconnect registers fn to run once per offline-to-online transition.
	// The returned func unregisters it.
	OnReconnect(fn func()) (cancel func())
}

// Monitor is a push-driven ConnectivityMonitor. The host calls SetOnline
// whenever its platform signal changes; the monitor never polls.
type Monitor struct {
	online atomic.Bool

	mu        sync.Mutex
	nextID    int
	listeners map[int]func()
}

// NewMonitor returns a monitor starting in the given state.
func NewMonitor(online bool) *Monitor {
	m := &Monitor{listeners: make(map[int]func())}
	m.online.Store(online)
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// SetOnline records a connectivity signal. Only the caller that flips the
// state from offline to online runs the reconnect listeners, so concurrent
// or repeated "online" signals trigger them exactly once per transition.
// Listeners run synchronously on the caller's goroutine.
// Reports whether this call caused a reconnect.
func (m *Monitor) SetOnline(online bool) bool {
	if !online {
		m.online.Store(false)
		return false
	}
	if !m.online.CompareAndSwap(false, true) {
		return false
	}

	m.mu.Lock()
	fns := make([]func(), 0, len(m.listeners))
	for id := 0; id < m.nextID; id++ {
		if fn, ok := m.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return true
}

// OnReconnect registers fn for offline-to-online transitions.
func (m *Monitor) OnReconnect(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// HealthChecker is anything that can tell whether the server answers.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ProbeConnectivity feeds m from periodic health checks until ctx is done.
// It is a fallback signal source for hosts with no platform connectivity
// events; the first probe runs immediately.
func ProbeConnectivity(ctx context.Context, m *Monitor, checker HealthChecker, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		err := checker.HealthCheck(probeCtx)
		cancel()

		if ctx.Err() != nil {
			return
		}
		if err != nil && m.Online() {
			logger.Info("server unreachable", "err", err)
		}
		m.SetOnline(err == nil)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
