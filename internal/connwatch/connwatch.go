// Package connwatch keeps background health watchers over the processes
// muxi depends on: every registered tool server (probed through the
// registry's ping operation) and the model provider. A watcher retries
// with exponential backoff while a service boots, then settles into slow
// periodic polling, firing callbacks on up/down transitions.
//
// This sits above httpkit's transport retry, which only papers over
// sub-second dial glitches. connwatch is for outages measured in seconds
// or minutes: a server restarting, a container being rescheduled, a
// network partition.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks one service. nil means reachable.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig shapes a watcher's retry schedule.
type BackoffConfig struct {
	// InitialDelay before the second startup attempt (default 2s).
	InitialDelay time.Duration

	// MaxDelay caps backoff growth (default 60s).
	MaxDelay time.Duration

	// Multiplier grows the delay between startup attempts (default 2.0).
	Multiplier float64

	// MaxRetries bounds the startup phase (default 10 attempts).
	MaxRetries int

	// PollInterval paces the steady-state background checks (default 60s).
	PollInterval time.Duration

	// ProbeTimeout bounds each individual probe call (default 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the stock schedule: 2s, 4s, 8s, 16s, 32s,
// then 60s capped, ten startup attempts, one background poll per minute.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero or negative fields from DefaultBackoffConfig.
func (b BackoffConfig) withDefaults() BackoffConfig {
	def := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = def.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = def.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = def.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = def.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = def.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = def.ProbeTimeout
	}
	return b
}

// grow advances a delay one backoff step.
func (b BackoffConfig) grow(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * b.Multiplier)
	if d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}

// WatcherConfig describes one watched service.
type WatcherConfig struct {
	// Name identifies the service in logs and status maps. For tool
	// servers this is the server id.
	Name string

	// Probe checks reachability. Must tolerate concurrent calls.
	Probe ProbeFunc

	// Backoff timing. Zero fields take defaults.
	Backoff BackoffConfig

	// OnReady fires on each not-ready to ready transition, in its own
	// goroutine. Optional.
	OnReady func()

	// OnDown fires on each ready to not-ready transition, in its own
	// goroutine. Optional.
	OnDown func(err error)

	// Logger overrides the manager's logger for this watcher. Optional.
	Logger *slog.Logger
}

// ServiceStatus is the JSON shape reported by health endpoints.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// transition classifies a probe outcome against the previous state.
type transition int

const (
	steady transition = iota
	wentUp
	wentDown
)

// Watcher runs the probe loop for a single service.
type Watcher struct {
	name    string
	probe   ProbeFunc
	backoff BackoffConfig
	onUp    func()
	onDown  func(error)
	log     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	up      bool
	lastErr error
	lastAt  time.Time
}

// IsReady reports whether the service answered its most recent probe.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.up
}

// LastError returns the latest probe error, nil while healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status snapshots the watcher state for health reporting.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := ServiceStatus{Name: w.name, Ready: w.up, LastCheck: w.lastAt}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine has exited.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	if w.bootstrap(ctx) {
		w.poll(ctx)
	}
}

// bootstrap drives the startup phase: probe, back off, repeat until the
// service answers or MaxRetries is spent. Returns false only when the
// context ended the phase early.
func (w *Watcher) bootstrap(ctx context.Context) bool {
	delay := w.backoff.InitialDelay
	for attempt := 1; ; attempt++ {
		if w.observe(w.check(ctx)) == wentUp {
			w.log.Info("service reachable",
				"service", w.name,
				"attempt", attempt,
			)
			if w.onUp != nil {
				go w.onUp()
			}
			return true
		}
		if attempt >= w.backoff.MaxRetries {
			w.log.Info("startup probes exhausted, falling back to polling",
				"service", w.name,
				"attempts", attempt,
				"error", w.LastError(),
			)
			return true
		}
		w.log.Debug("probe failed",
			"service", w.name,
			"attempt", attempt,
			"retry_in", delay.String(),
			"error", w.LastError(),
		)
		if pause(ctx, delay) != nil {
			return false
		}
		delay = w.backoff.grow(delay)
	}
}

// poll is the steady-state phase: one probe per PollInterval, with
// callbacks on transitions in either direction.
func (w *Watcher) poll(ctx context.Context) {
	tick := time.NewTicker(w.backoff.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		if ctx.Err() != nil {
			return
		}

		switch w.observe(w.check(ctx)) {
		case wentDown:
			err := w.LastError()
			w.log.Info("service lost",
				"service", w.name,
				"error", err,
			)
			if w.onDown != nil {
				go w.onDown(err)
			}
		case wentUp:
			w.log.Info("service recovered", "service", w.name)
			if w.onUp != nil {
				go w.onUp()
			}
		case steady:
			if !w.IsReady() {
				w.log.Debug("service still down",
					"service", w.name,
					"error", w.LastError(),
				)
			}
		}
	}
}

// check runs one probe under the configured timeout.
func (w *Watcher) check(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	defer cancel()
	return w.probe(pctx)
}

// observe records a probe result and classifies the state change.
func (w *Watcher) observe(err error) transition {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
	w.lastAt = time.Now()
	switch {
	case err == nil && !w.up:
		w.up = true
		return wentUp
	case err != nil && w.up:
		w.up = false
		return wentDown
	}
	return steady
}

// pause sleeps for d unless the context ends first.
func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager owns the watcher set and fans Stop and Status across it.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager. A nil logger falls back to
// slog.Default.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, watchers: map[string]*Watcher{}}
}

// Watch starts a watcher goroutine for cfg and tracks it under cfg.Name.
// A previous watcher under the same name is stopped and replaced.
// Panics on an empty name or nil probe, both programming errors.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: watcher needs a name")
	}
	if cfg.Probe == nil {
		panic("connwatch: watcher needs a probe")
	}
	log := cfg.Logger
	if log == nil {
		log = m.logger
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:    cfg.Name,
		probe:   cfg.Probe,
		backoff: cfg.Backoff.withDefaults(),
		onUp:    cfg.OnReady,
		onDown:  cfg.OnDown,
		log:     log,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	prev := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	go w.run(wctx)
	return w
}

// Remove stops the named watcher and drops it from the status map.
// Reports whether a watcher by that name existed. Called when a tool
// server is deregistered.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	w, ok := m.watchers[name]
	delete(m.watchers, name)
	m.mu.Unlock()

	if !ok {
		return false
	}
	w.Stop()
	return true
}

// Status reports every watcher keyed by service name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Stop shuts down every watcher and waits for their goroutines.
func (m *Manager) Stop() {
	m.mu.Lock()
	ws := m.watchers
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range ws {
		w.Stop()
	}
}
