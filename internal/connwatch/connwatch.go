// Package connwatch tracks whether the bot's upstream dependencies (the
// inference provider and the Bot API) are reachable.
//
// A webhook update is handled whether or not a dependency looks healthy;
// the watch only feeds /health and the operator event stream, and logs
// state changes once instead of once per failed reply.
//
// Each watched service is probed on its own goroutine. While the service
// is down the probe interval grows from Backoff.Initial to Backoff.Max;
// once it is up the service is re-checked every Backoff.Poll.
package connwatch

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/nugget/yaebot/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	Initial time.Duration // first retry delay while down
	Max     time.Duration // ceiling for the retry delay
	Poll    time.Duration // re-check interval while up
	Timeout time.Duration // bound on a single probe
}

// DefaultBackoff retries a down service after 2s, 4s, 8s ... up to one
// minute, and re-checks a healthy one every five minutes.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 2 * time.Second,
		Max:     time.Minute,
		Poll:    5 * time.Minute,
		Timeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max < b.Initial {
		b.Max = max(d.Max, b.Initial)
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// Status is the health of one service, as served by /health.
type Status struct {
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Monitor runs the watchers. The zero value is not usable; call New.
type Monitor struct {
	backoff Backoff
	bus     *events.Bus
	logger  *slog.Logger

	mu     sync.RWMutex
	status map[string]Status
	wg     sync.WaitGroup
}

// New creates a monitor. bus may be nil.
func New(backoff Backoff, bus *events.Bus, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		backoff: backoff.withDefaults(),
		bus:     bus,
		logger:  logger.With("component", "connwatch"),
		status:  make(map[string]Status),
	}
}

// Watch starts probing a service under name until ctx ends. The service
// is reported not ready until its first probe succeeds.
func (m *Monitor) Watch(ctx context.Context, name string, probe ProbeFunc) {
	m.mu.Lock()
	m.status[name] = Status{}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, name, probe)
	}()
}

// Wait blocks until every watcher has exited.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Status returns a snapshot of every watched service.
func (m *Monitor) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.status)
}

// Ready reports whether every watched service is up.
func (m *Monitor) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.status {
		if !s.Ready {
			return false
		}
	}
	return true
}

func (m *Monitor) run(ctx context.Context, name string, probe ProbeFunc) {
	delay := m.backoff.Initial
	for attempt := 1; ; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, m.backoff.Timeout)
		err := probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		wait := m.backoff.Poll
		if m.record(name, err, attempt) {
			delay = m.backoff.Initial
		} else {
			wait = delay
			delay = min(delay*2, m.backoff.Max)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// record stores a probe result and reports whether the service is up.
// State changes are logged and published.
func (m *Monitor) record(name string, err error, attempt int) bool {
	m.mu.Lock()
	prev := m.status[name]
	next := Status{Ready: err == nil, LastCheck: time.Now()}
	if err != nil {
		next.LastError = err.Error()
	}
	m.status[name] = next
	m.mu.Unlock()

	switch {
	case next.Ready && !prev.Ready:
		m.logger.Info("service reachable", "service", name, "attempts", attempt)
		m.bus.Publish(events.Event{
			Source: events.SourceWatch,
			Kind:   events.KindServiceUp,
			Data:   map[string]any{"service": name},
		})
	case !next.Ready && (prev.Ready || prev.LastCheck.IsZero()):
		m.logger.Warn("service unreachable", "service", name, "error", err)
		m.bus.Publish(events.Event{
			Source: events.SourceWatch,
			Kind:   events.KindServiceDown,
			Data:   map[string]any{"service": name, "error": next.LastError},
		})
	case !next.Ready:
		m.logger.Debug("service still unreachable", "service", name, "attempt", attempt, "error", err)
	}
	return next.Ready
}
