// Package connwatch tracks the reachability of the services a run
// depends on: the model provider and the resource API.
//
// Each Watcher probes one service. While the service is down, probes are
// retried with exponential backoff; once it is up, probes settle into a
// fixed poll interval. Transitions are reported through OnChange, and
// the Manager aggregates every watcher for health endpoints.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration
	// MaxDelay caps backoff growth (default: 60s).
	MaxDelay time.Duration
	// Multiplier scales the delay after each failed probe (default: 2.0).
	Multiplier float64
	// PollInterval is the delay between probes while healthy (default: 60s).
	PollInterval time.Duration
	// ProbeTimeout bounds each probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s ... capped at 60s while down
// and a 60-second poll while up.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and status maps (e.g. "llm").
	Name  string
	Probe ProbeFunc
	// Backoff zero values are replaced with defaults.
	Backoff BackoffConfig
	// OnChange is called after every up/down transition, including the
	// first successful probe. It runs on the watcher goroutine and must
	// not block. Optional.
	OnChange func(ServiceStatus)
}

// ServiceStatus is the health of a watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	cfg    WatcherConfig
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status ServiceStatus
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.Status().Ready
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.cfg.Backoff
	delay := b.InitialDelay
	for {
		ready := w.check(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := b.PollInterval
		if !ready {
			wait = delay
			delay = min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
		} else {
			delay = b.InitialDelay
		}

		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// check runs one probe, records it, and reports transitions. It returns
// whether the service is ready.
func (w *Watcher) check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	err := w.cfg.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	prev := w.status
	w.status.LastCheck = time.Now()
	if err != nil {
		w.status.Ready = false
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.Ready = true
		w.status.LastError = ""
		w.status.Failures = 0
	}
	cur := w.status
	w.mu.Unlock()

	switch {
	case cur.Ready && !prev.Ready:
		w.logger.Info("service reachable", "service", w.cfg.Name, "after_failures", prev.Failures)
	case !cur.Ready && prev.Ready:
		w.logger.Warn("service became unreachable", "service", w.cfg.Name, "error", err)
	case !cur.Ready:
		w.logger.Debug("service still unreachable", "service", w.cfg.Name, "failures", cur.Failures, "error", err)
		return false
	default:
		return true
	}
	if w.cfg.OnChange != nil {
		w.cfg.OnChange(cur)
	}
	return cur.Ready
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates multiple service watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch registers and starts a watcher that runs until ctx is cancelled
// or Stop is called. It panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		logger: m.logger,
		cancel: cancel,
		done:   make(chan struct{}),
		status: ServiceStatus{Name: cfg.Name},
	}

	m.mu.Lock()
	if old, ok := m.watchers[cfg.Name]; ok {
		defer old.Stop()
	}
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns the health status of all watched services.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Unready returns the sorted names of services whose last probe failed
// or that have not been probed yet.
func (m *Manager) Unready() []string {
	var names []string
	for name, s := range m.Status() {
		if !s.Ready {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
