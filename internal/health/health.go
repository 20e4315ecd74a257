// Package health implements the health monitor (C3): it periodically probes
// every registered adapter, tracks an EWMA of observed latency, and exposes
// a simple boolean reachability flag per adapter. It never touches circuit
// state — health tracks reachability, the breaker tracks recent call
// behavior, and the two are deliberately orthogonal per spec §4.3.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaymux/relaymux/internal/adapter"
)

// Config holds the monitor's tunables, with spec §4.3's stated defaults.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	// EWMAAlpha is the smoothing factor for latency tracking.
	EWMAAlpha float64
}

func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		ProbeTimeout: 8 * time.Second,
		EWMAAlpha:    0.3,
	}
}

// Status is the monitor's current view of one adapter.
type Status struct {
	Healthy     bool
	EWMALatency time.Duration
	LastError   error
	LastCheck   time.Time
}

type entry struct {
	mu     sync.RWMutex
	status Status
}

// Monitor probes a fixed set of adapters on an interval and serves their
// latest Status to callers (the router's eligibility filter, GET /health).
type Monitor struct {
	cfg      Config
	adapters []adapter.Adapter
	entries  map[string]*entry
	logger   *zap.Logger

	onChange func(name string, healthy bool)
}

// New builds a Monitor over the given adapters. Every adapter starts
// optimistically healthy with a zero EWMA so the router has something to
// route to before the first probe tick completes.
func New(adapters []adapter.Adapter, cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries := make(map[string]*entry, len(adapters))
	for _, a := range adapters {
		entries[a.Name()] = &entry{status: Status{Healthy: true}}
	}
	return &Monitor{cfg: cfg, adapters: adapters, entries: entries, logger: logger}
}

// OnChange registers a callback fired whenever an adapter's healthy flag
// flips.
func (m *Monitor) OnChange(fn func(name string, healthy bool)) {
	m.onChange = fn
}

// Status returns the latest known status for name. ok is false if name was
// never registered.
func (m *Monitor) Status(name string) (Status, bool) {
	e, found := m.entries[name]
	if !found {
		return Status{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status, true
}

// IsHealthy is a convenience wrapper over Status for the router's
// eligibility filter.
func (m *Monitor) IsHealthy(name string) bool {
	st, ok := m.Status(name)
	return ok && st.Healthy
}

// Run probes every adapter once per Interval until ctx is cancelled. It
// fans the per-tick probes out concurrently and bounds each probe to
// ProbeTimeout so a slow backend cannot stall the others indefinitely.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range m.adapters {
		a := a
		g.Go(func() error {
			m.probeOne(gctx, a)
			return nil
		})
	}
	// probeOne never returns an error (it records failures in status
	// instead), so Wait only ever propagates ctx cancellation.
	_ = g.Wait()
}

func (m *Monitor) probeOne(ctx context.Context, a adapter.Adapter) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	ok, latency, err := a.HealthProbe(probeCtx)

	e := m.entries[a.Name()]
	e.mu.Lock()
	prevHealthy := e.status.Healthy
	prevEWMA := e.status.EWMALatency

	newEWMA := latency
	if prevEWMA > 0 {
		alpha := m.cfg.EWMAAlpha
		newEWMA = time.Duration(alpha*float64(latency) + (1-alpha)*float64(prevEWMA))
	}

	e.status = Status{
		Healthy:     ok,
		EWMALatency: newEWMA,
		LastError:   err,
		LastCheck:   time.Now(),
	}
	e.mu.Unlock()

	if ok != prevHealthy {
		m.logger.Info("adapter health changed",
			zap.String("adapter", a.Name()),
			zap.Bool("healthy", ok),
			zap.Error(err))
		if m.onChange != nil {
			m.onChange(a.Name(), ok)
		}
	}
}

// Snapshot returns a stable copy of every adapter's status, for GET /health.
func (m *Monitor) Snapshot() map[string]Status {
	out := make(map[string]Status, len(m.entries))
	for name, e := range m.entries {
		e.mu.RLock()
		out[name] = e.status
		e.mu.RUnlock()
	}
	return out
}
