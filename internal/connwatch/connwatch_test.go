package connwatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastBackoff compresses the schedule so tests finish in milliseconds.
func fastBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		MaxRetries:   4,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: time.Second,
	}
}

// failNTimes builds a probe that errors on the first n calls.
func failNTimes(n int, calls *atomic.Int32) ProbeFunc {
	return func(ctx context.Context) error {
		c := calls.Add(1)
		if int(c) <= n {
			return fmt.Errorf("attempt %d down", c)
		}
		return nil
	}
}

// gateProbe toggles between healthy and down under test control.
type gateProbe struct {
	mu      sync.Mutex
	healthy bool
	calls   int
}

func (p *gateProbe) probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.healthy {
		return nil
	}
	return errors.New("gate closed")
}

func (p *gateProbe) set(healthy bool) {
	p.mu.Lock()
	p.healthy = healthy
	p.mu.Unlock()
}

func (p *gateProbe) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	got := DefaultBackoffConfig()
	want := BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
	if got != want {
		t.Errorf("DefaultBackoffConfig() = %+v, want %+v", got, want)
	}
}

func TestBackoffGrow(t *testing.T) {
	t.Parallel()
	b := BackoffConfig{Multiplier: 2, MaxDelay: 8 * time.Second}

	steps := []struct{ in, want time.Duration }{
		{2 * time.Second, 4 * time.Second},
		{4 * time.Second, 8 * time.Second},
		{8 * time.Second, 8 * time.Second}, // capped
	}
	for _, s := range steps {
		if got := b.grow(s.in); got != s.want {
			t.Errorf("grow(%v) = %v, want %v", s.in, got, s.want)
		}
	}
}

func TestWatcherStartupSuccess(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger())
	t.Cleanup(m.Stop)

	ready := make(chan struct{}, 4)
	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "svc",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: fastBackoff(),
		OnReady: func() { ready <- struct{}{} },
	})

	waitFor(t, "watcher ready", w.IsReady)

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("OnReady never fired")
	}

	s := w.Status()
	if s.Name != "svc" || !s.Ready {
		t.Errorf("Status() = %+v, want ready svc", s)
	}
	if s.LastCheck.IsZero() {
		t.Error("LastCheck not recorded")
	}
	if s.LastError != "" {
		t.Errorf("LastError = %q, want empty", s.LastError)
	}
	if err := w.LastError(); err != nil {
		t.Errorf("LastError() = %v, want nil", err)
	}
}

func TestWatcherStartupRetries(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger())
	t.Cleanup(m.Stop)

	var calls atomic.Int32
	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "svc",
		Probe:   failNTimes(2, &calls),
		Backoff: fastBackoff(),
	})

	waitFor(t, "watcher ready after retries", w.IsReady)
	if got := calls.Load(); got != 3 {
		t.Errorf("probe calls = %d, want 3", got)
	}
}

func TestWatcherStartupExhaustedThenRecovers(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger())
	t.Cleanup(m.Stop)

	gate := &gateProbe{} // starts closed
	ready := make(chan struct{}, 4)

	cfg := fastBackoff()
	cfg.MaxRetries = 2
	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "svc",
		Probe:   gate.probe,
		Backoff: cfg,
		OnReady: func() { ready <- struct{}{} },
	})

	// Burn through the startup attempts without connecting.
	waitFor(t, "startup attempts to finish", func() bool { return gate.count() >= 2 })
	if w.IsReady() {
		t.Fatal("watcher ready while probe fails")
	}

	// The background poll notices once the service comes up.
	gate.set(true)
	waitFor(t, "watcher recovery", w.IsReady)
	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("OnReady never fired on recovery")
	}
}

func TestWatcherDownAndUpTransitions(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger())
	t.Cleanup(m.Stop)

	gate := &gateProbe{healthy: true}
	ready := make(chan struct{}, 4)
	down := make(chan error, 4)

	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "svc",
		Probe:   gate.probe,
		Backoff: fastBackoff(),
		OnReady: func() { ready <- struct{}{} },
		OnDown:  func(err error) { down <- err },
	})

	waitFor(t, "initial ready", w.IsReady)
	<-ready

	gate.set(false)
	select {
	case err := <-down:
		if err == nil {
			t.Error("OnDown got nil error")
		}
	case <-time.After(time.Second):
		t.Fatal("OnDown never fired")
	}
	if w.IsReady() {
		t.Error("IsReady() = true after going down")
	}
	if s := w.Status(); s.LastError == "" {
		t.Error("Status().LastError empty after failure")
	}

	gate.set(true)
	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("OnReady never fired on recovery")
	}
	waitFor(t, "ready again", w.IsReady)
}

func TestWatcherProbeTimeout(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger())
	t.Cleanup(m.Stop)

	cfg := fastBackoff()
	cfg.ProbeTimeout = 10 * time.Millisecond
	var sawDeadline atomic.Bool

	w := m.Watch(context.Background(), WatcherConfig{
		Name: "svc",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				sawDeadline.Store(true)
			}
			return ctx.Err()
		},
		Backoff: cfg,
	})

	waitFor(t, "probe deadline", sawDeadline.Load)
	if w.IsReady() {
		t.Error("watcher ready despite probe timeouts")
	}
}

func TestWatcherStopDuringBackoff(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger())

	var calls atomic.Int32
	cfg := fastBackoff()
	cfg.InitialDelay = time.Minute // park the watcher in its backoff sleep

	w := m.Watch(context.Background(), WatcherConfig{
		Name: "svc",
		Probe: func(ctx context.Context) error {
			calls.Add(1)
			return errors.New("down")
		},
		Backoff: cfg,
	})

	waitFor(t, "first probe", func() bool { return calls.Load() >= 1 })

	start := time.Now()
	w.Stop()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop took %v, want prompt exit from backoff", elapsed)
	}
	w.Wait() // must not block after Stop
}

func TestManagerWatchValidation(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger())

	mustPanic := func(name string, cfg WatcherConfig) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Errorf("%s: Watch did not panic", name)
			}
		}()
		m.Watch(context.Background(), cfg)
	}

	mustPanic("empty name", WatcherConfig{Probe: func(ctx context.Context) error { return nil }})
	mustPanic("nil probe", WatcherConfig{Name: "svc"})
}

func TestManagerAppliesBackoffDefaults(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger())
	t.Cleanup(m.Stop)

	w := m.Watch(context.Background(), WatcherConfig{
		Name:  "svc",
		Probe: func(ctx context.Context) error { return nil },
	})

	if w.backoff != DefaultBackoffConfig() {
		t.Errorf("backoff = %+v, want defaults", w.backoff)
	}
	if w.log == nil {
		t.Error("manager logger not inherited")
	}
}

func TestManagerStatusAndRemove(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger())
	t.Cleanup(m.Stop)

	ok := func(ctx context.Context) error { return nil }
	wa := m.Watch(context.Background(), WatcherConfig{Name: "a", Probe: ok, Backoff: fastBackoff()})
	wb := m.Watch(context.Background(), WatcherConfig{Name: "b", Probe: ok, Backoff: fastBackoff()})
	waitFor(t, "both ready", func() bool { return wa.IsReady() && wb.IsReady() })

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("Status() has %d entries, want 2", len(status))
	}
	for _, name := range []string{"a", "b"} {
		s, ok := status[name]
		if !ok || s.Name != name || !s.Ready {
			t.Errorf("status[%q] = %+v, want ready entry", name, s)
		}
	}

	if !m.Remove("a") {
		t.Error("Remove(a) = false, want true")
	}
	wa.Wait() // removed watcher must be stopped
	if len(m.Status()) != 1 {
		t.Errorf("Status() has %d entries after Remove, want 1", len(m.Status()))
	}
	if m.Remove("a") {
		t.Error("second Remove(a) = true, want false")
	}
	if m.Remove("never-watched") {
		t.Error("Remove(never-watched) = true, want false")
	}
}

func TestManagerStop(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger())

	ok := func(ctx context.Context) error { return nil }
	wa := m.Watch(context.Background(), WatcherConfig{Name: "a", Probe: ok, Backoff: fastBackoff()})
	wb := m.Watch(context.Background(), WatcherConfig{Name: "b", Probe: ok, Backoff: fastBackoff()})
	waitFor(t, "both ready", func() bool { return wa.IsReady() && wb.IsReady() })

	m.Stop()
	wa.Wait()
	wb.Wait()
	if n := len(m.Status()); n != 0 {
		t.Errorf("Status() has %d entries after Stop, want 0", n)
	}
}

func TestManagerWatchReplacesSameName(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger())
	t.Cleanup(m.Stop)

	ok := func(ctx context.Context) error { return nil }
	old := m.Watch(context.Background(), WatcherConfig{Name: "svc", Probe: ok, Backoff: fastBackoff()})
	waitFor(t, "old watcher ready", old.IsReady)

	var calls atomic.Int32
	repl := m.Watch(context.Background(), WatcherConfig{
		Name:    "svc",
		Probe:   failNTimes(0, &calls),
		Backoff: fastBackoff(),
	})

	old.Wait() // displaced watcher is stopped
	waitFor(t, "replacement ready", repl.IsReady)
	if len(m.Status()) != 1 {
		t.Errorf("Status() has %d entries, want 1", len(m.Status()))
	}
	if calls.Load() == 0 {
		t.Error("replacement probe never ran")
	}
}
