// Package breaker implements the per-adapter circuit breaker (C2) described
// in spec §4.2: Closed/Open/HalfOpen with a consecutive-failure threshold,
// a fixed recovery timeout, and a bounded number of half-open probes.
package breaker

import (
	"sync"
	"time"
)

// State is one of Closed, Open, HalfOpen.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the tunables from spec §4.2, with the spec's defaults.
type Config struct {
	FailureThreshold  int
	RecoveryTime      time.Duration
	HalfOpenMaxProbes int
	// MonitoringPeriod is the sliding window after which the consecutive
	// failure counter resets even without an intervening success.
	MonitoringPeriod time.Duration
}

// DefaultConfig returns spec §4.2's stated defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		RecoveryTime:      30 * time.Second,
		HalfOpenMaxProbes: 1,
		MonitoringPeriod:  60 * time.Second,
	}
}

// Breaker is one circuit breaker instance, owned by a single adapter.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	name   string
	state  State
	consecutiveFailures int
	lastFailureAt       time.Time
	recoveryDeadline    time.Time
	halfOpenInFlight    int

	onTransition func(name string, from, to State)
}

// New builds a Breaker for the named adapter.
func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg, state: Closed}
}

// OnTransition registers a callback invoked (outside the breaker's lock)
// whenever the breaker changes state — used by C9 to count transitions.
func (b *Breaker) OnTransition(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolveState(time.Now())
}

// resolveState applies the Open->HalfOpen transition if the recovery
// deadline has passed. Must be called with b.mu held.
func (b *Breaker) resolveState(now time.Time) State {
	if b.state == Open && !now.Before(b.recoveryDeadline) {
		b.transitionLocked(HalfOpen)
		b.halfOpenInFlight = 0
	}
	// Reset the consecutive-failure counter once the monitoring window
	// has elapsed without a fresh failure, per §4.2's sliding window.
	if b.state == Closed && b.consecutiveFailures > 0 && b.cfg.MonitoringPeriod > 0 &&
		now.Sub(b.lastFailureAt) > b.cfg.MonitoringPeriod {
		b.consecutiveFailures = 0
	}
	return b.state
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	cb := b.onTransition
	name := b.name
	if cb != nil && from != to {
		// Invoke outside the lock to avoid reentrancy deadlocks if the
		// callback touches this breaker (e.g. a metrics sink reading
		// State()).
		go cb(name, from, to)
	}
}

// Allow reports whether a call may proceed right now and whether it is a
// half-open probe; an admitted call must be reported via Done exactly once.
// Open rejects immediately. HalfOpen admits up to HalfOpenMaxProbes
// concurrent probes and rejects the rest as if still Open.
func (b *Breaker) Allow() (allowed bool, isProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.resolveState(now)

	switch state {
	case Closed:
		return true, false
	case Open:
		return false, false
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxProbes {
			return false, false
		}
		b.halfOpenInFlight++
		return true, true
	default:
		return false, false
	}
}

// Done records the outcome of a call admitted by Allow. tripsBreaker
// should be false for failures that are caller errors (PermanentClient in
// spec terms) — those must not move the breaker toward Open.
func (b *Breaker) Done(success bool, tripsBreaker bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.resolveState(now)

	if state == HalfOpen {
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		if success {
			b.transitionLocked(Closed)
			b.consecutiveFailures = 0
		} else if tripsBreaker {
			b.tripLocked(now)
		}
		return
	}

	if success {
		b.consecutiveFailures = 0
		return
	}

	if !tripsBreaker {
		return
	}

	b.consecutiveFailures++
	b.lastFailureAt = now
	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.tripLocked(now)
	}
}

func (b *Breaker) tripLocked(now time.Time) {
	b.transitionLocked(Open)
	b.recoveryDeadline = now.Add(b.cfg.RecoveryTime)
	b.consecutiveFailures = 0
	b.halfOpenInFlight = 0
}

// Reset forces the breaker back to Closed, used by operator intervention
// or tests.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(Closed)
	b.consecutiveFailures = 0
	b.halfOpenInFlight = 0
}

// Snapshot is a read-only view of the breaker's bookkeeping, for
// diagnostics (GET /health).
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	RecoveryDeadline    time.Time
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.resolveState(time.Now()),
		ConsecutiveFailures: b.consecutiveFailures,
		RecoveryDeadline:    b.recoveryDeadline,
	}
}
