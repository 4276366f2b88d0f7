// Package connwatch watches external dependencies (the model server)
// and reports their reachability.
//
// This is distinct from httpkit's transport-level retry, which covers
// sub-second dial errors. A watcher notices outages that last seconds
// to minutes, such as a model server restarting or still loading.
//
// While a service is down the watcher probes with exponential backoff
// (2s, 4s, 8s, ... capped at 60s). Once it is up the watcher polls at a
// fixed interval.
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

// Backoff controls probe timing. Zero fields take the defaults from
// [DefaultBackoff].
type Backoff struct {
	// Initial is the delay after the first failed probe.
	Initial time.Duration
	// Max caps the delay between failed probes.
	Max time.Duration
	// Poll is the interval between probes while the service is up.
	Poll time.Duration
	// Timeout limits each probe.
	Timeout time.Duration
}

// DefaultBackoff returns 2s doubling to 60s while down, 60s polling
// while up, and a 10s probe timeout.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 2 * time.Second,
		Max:     60 * time.Second,
		Poll:    60 * time.Second,
		Timeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// ServiceStatus is the health of one watched service, suitable for
// JSON health endpoints.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Checks    int       `json:"checks"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	name     string
	probe    ProbeFunc
	backoff  Backoff
	onChange func(ServiceStatus)
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status ServiceStatus
}

// Status returns the current health of the service.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.Status().Ready
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.Initial
	for {
		err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := w.backoff.Poll
		if err != nil {
			wait = delay
			delay *= 2
			if delay > w.backoff.Max {
				delay = w.backoff.Max
			}
		} else {
			delay = w.backoff.Initial
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

// check runs one probe and records the outcome. onChange fires on the
// first result and on every ready/down transition after that.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.Timeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	first := w.status.Checks == 0
	changed := first || w.status.Ready != (err == nil)
	w.status.Checks++
	w.status.Ready = err == nil
	w.status.LastCheck = time.Now()
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	snapshot := w.status
	w.mu.Unlock()

	switch {
	case changed && err == nil:
		w.logger.Info("service reachable", "service", w.name, "checks", snapshot.Checks)
	case changed:
		w.logger.Warn("service unreachable", "service", w.name, "error", err)
	case err != nil:
		w.logger.Debug("service still unreachable", "service", w.name, "error", err)
	}
	if changed && w.onChange != nil {
		w.onChange(snapshot)
	}
	return err
}

// Manager coordinates the watchers of several services.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a manager. A nil logger discards output.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts probing a service in the background until ctx is
// cancelled or [Manager.Stop] is called. onChange, when non-nil, runs on
// the watcher goroutine after the first probe and on each transition.
// Watching a name twice replaces the earlier watcher.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, backoff Backoff, onChange func(ServiceStatus)) *Watcher {
	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:     name,
		probe:    probe,
		backoff:  backoff.withDefaults(),
		onChange: onChange,
		logger:   m.logger,
		cancel:   cancel,
		done:     make(chan struct{}),
		status:   ServiceStatus{Name: name},
	}

	m.mu.Lock()
	old := m.watchers[name]
	m.watchers[name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Status returns the health of every watched service, ordered by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched service is ready.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := m.watchers
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
