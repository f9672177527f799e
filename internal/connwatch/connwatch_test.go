package connwatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/yaebot/internal/events"
)

func testBackoff() Backoff {
	return Backoff{
		Initial: time.Millisecond,
		Max:     4 * time.Millisecond,
		Poll:    2 * time.Millisecond,
		Timeout: 100 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// nextEvent returns the next event of kind from ch, skipping others.
func nextEvent(t *testing.T, ch <-chan events.Event, kind string) events.Event {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case e := <-ch:
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestBackoffDefaults(t *testing.T) {
	got := Backoff{Initial: 3 * time.Minute}.withDefaults()
	want := Backoff{Initial: 3 * time.Minute, Max: 3 * time.Minute, Poll: 5 * time.Minute, Timeout: 10 * time.Second}
	if got != want {
		t.Errorf("withDefaults() = %+v, want %+v", got, want)
	}
	if got := (Backoff{}).withDefaults(); got != DefaultBackoff() {
		t.Errorf("zero Backoff = %+v, want defaults", got)
	}
}

func TestWatch_ImmediateSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := events.New()
	ch := bus.Subscribe(16)

	m := New(testBackoff(), bus, nil)
	m.Watch(ctx, "inference", func(context.Context) error { return nil })

	e := nextEvent(t, ch, events.KindServiceUp)
	if e.Source != events.SourceWatch || e.Data["service"] != "inference" {
		t.Errorf("event = %+v", e)
	}
	waitFor(t, "ready", m.Ready)

	st := m.Status()["inference"]
	if !st.Ready || st.LastError != "" || st.LastCheck.IsZero() {
		t.Errorf("status = %+v", st)
	}

	cancel()
	m.Wait()
}

func TestWatch_NotReadyBeforeFirstProbe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})

	m := New(testBackoff(), nil, nil)
	m.Watch(ctx, "telegram", func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	if m.Ready() {
		t.Error("Ready() before the first probe finished")
	}
	if st, ok := m.Status()["telegram"]; !ok || st.Ready {
		t.Errorf("status = %+v, %v", st, ok)
	}

	close(release)
	waitFor(t, "ready", m.Ready)
	cancel()
	m.Wait()
}

func TestWatch_RecoversAfterFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := events.New()
	ch := bus.Subscribe(64)

	var calls atomic.Int32
	m := New(testBackoff(), bus, nil)
	m.Watch(ctx, "inference", func(context.Context) error {
		if calls.Add(1) <= 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	down := nextEvent(t, ch, events.KindServiceDown)
	if down.Data["error"] != "connection refused" {
		t.Errorf("down event = %+v", down)
	}
	nextEvent(t, ch, events.KindServiceUp)
	waitFor(t, "ready", m.Ready)

	if n := calls.Load(); n < 4 {
		t.Errorf("probe called %d times, want at least 4", n)
	}
	cancel()
	m.Wait()
}

func TestWatch_GoesDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := events.New()
	ch := bus.Subscribe(64)

	var failing atomic.Bool
	m := New(testBackoff(), bus, nil)
	m.Watch(ctx, "telegram", func(context.Context) error {
		if failing.Load() {
			return errors.New("502 bad gateway")
		}
		return nil
	})
	m.Watch(ctx, "inference", func(context.Context) error { return nil })

	waitFor(t, "ready", m.Ready)
	failing.Store(true)

	nextEvent(t, ch, events.KindServiceDown)
	waitFor(t, "not ready", func() bool { return !m.Ready() })

	st := m.Status()
	if st["telegram"].Ready || st["telegram"].LastError != "502 bad gateway" {
		t.Errorf("telegram = %+v", st["telegram"])
	}
	if !st["inference"].Ready {
		t.Errorf("inference = %+v", st["inference"])
	}
	cancel()
	m.Wait()
}

func TestWatch_ProbeTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := testBackoff()
	b.Timeout = 5 * time.Millisecond

	m := New(b, nil, nil)
	m.Watch(ctx, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	waitFor(t, "a failed probe", func() bool {
		return m.Status()["slow"].LastError == context.DeadlineExceeded.Error()
	})
	cancel()
	m.Wait()
}

func TestWatch_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := New(testBackoff(), nil, nil)
	m.Watch(ctx, "inference", func(context.Context) error { return errors.New("down") })

	cancel()
	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after cancel")
	}
}
