// Package router implements the core scoring/selection/retry/fallback
// algorithm (C5) described in spec §4.5.
package router

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/relaymux/relaymux/internal/adapter"
	"github.com/relaymux/relaymux/internal/breaker"
	"github.com/relaymux/relaymux/internal/classify"
	"github.com/relaymux/relaymux/internal/health"
	routingerrors "github.com/relaymux/relaymux/pkg/errors"
)

// preferenceEpsilon is the bonus applied to the caller's preferred_backend
// hint. It is sized to break ties between otherwise-equal scores, never to
// override a backend that genuinely scores higher (spec §4.5).
const preferenceEpsilon = 1e-9

// Weights configures the relative contribution of each score component.
type Weights struct {
	Task    float64
	Perf    float64
	Cost    float64
	Avail   float64
	Quality float64
}

// DefaultWeights returns spec §4.5's stated defaults.
func DefaultWeights() Weights {
	return Weights{Task: 0.25, Perf: 0.2, Cost: 0.2, Avail: 0.2, Quality: 0.15}
}

// Config holds the router's tunables.
type Config struct {
	Weights Weights
	// ReferenceLatency normalizes perfScore; an adapter at exactly this
	// EWMA latency scores 0.5.
	ReferenceLatency time.Duration
	// AvailWindow is the rolling window size (N) for availScore.
	AvailWindow int
	// BackoffBase is the base of the exponential backoff between retries.
	BackoffBase time.Duration
	// DefaultMaxRetries is used when a request does not specify one.
	DefaultMaxRetries int
}

func DefaultConfig() Config {
	return Config{
		Weights:           DefaultWeights(),
		ReferenceLatency:  2 * time.Second,
		AvailWindow:       50,
		BackoffBase:       2 * time.Second,
		DefaultMaxRetries: 3,
	}
}

// Recorder receives outcome observations for C9. All methods must be
// nil-safe from the caller's perspective; Router checks for a nil Recorder
// itself.
type Recorder interface {
	ObserveAttempt(adapterName string, success bool, latency time.Duration, cost float64)
	ObservePreferredOverride()
}

// Router selects and invokes adapters per request.
type Router struct {
	adapters map[string]adapter.Adapter
	breakers map[string]*breaker.Breaker
	health   *health.Monitor
	stats    map[string]*rollingStats

	minCost, maxCost float64

	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
	recorder Recorder
}

// New builds a Router over a fixed adapter set. adapters, breakers and
// healthMon must all refer to the same set of adapter names.
func New(adapters []adapter.Adapter, breakers map[string]*breaker.Breaker, healthMon *health.Monitor, cfg Config, logger *zap.Logger, tracer trace.Tracer) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("router")
	}

	m := make(map[string]adapter.Adapter, len(adapters))
	stats := make(map[string]*rollingStats, len(adapters))
	minCost, maxCost := math.Inf(1), math.Inf(-1)
	for _, a := range adapters {
		m[a.Name()] = a
		stats[a.Name()] = newRollingStats(cfg.AvailWindow)
		cost := a.Descriptor().CostPer1kInputUSD + a.Descriptor().CostPer1kOutputUSD
		if cost < minCost {
			minCost = cost
		}
		if cost > maxCost {
			maxCost = cost
		}
	}
	if math.IsInf(minCost, 1) {
		minCost, maxCost = 0, 0
	}

	return &Router{
		adapters: m,
		breakers: breakers,
		health:   healthMon,
		stats:    stats,
		minCost:  minCost,
		maxCost:  maxCost,
		cfg:      cfg,
		logger:   logger,
		tracer:   tracer,
	}
}

// SetRecorder wires the metrics sink. Optional; a nil recorder disables
// observation without affecting routing behavior.
func (r *Router) SetRecorder(rec Recorder) {
	r.recorder = rec
}

type candidate struct {
	name  string
	score float64
	avail float64
	cost  float64
}

// Route selects an adapter, invokes it, and retries with a different
// adapter on retryable failure until max_retries is exhausted or the
// request's deadline passes.
func (r *Router) Route(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
	ctx, span := r.tracer.Start(ctx, "router.Route")
	defer span.End()

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	if err := ctx.Err(); err != nil {
		return nil, r.deadlineErr()
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = r.cfg.DefaultMaxRetries
	}

	classification := classify.Classify(req.Prompt)
	excluded := map[string]bool{}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "deadline exceeded")
			return nil, r.deadlineErr()
		}

		name, ok := r.pickAdapter(classification, req.PreferredBackend, excluded)
		if !ok {
			span.SetStatus(codes.Error, "no healthy backend")
			return nil, routingerrors.New("router", routingerrors.NoHealthyBackend, "no eligible adapter")
		}

		a := r.adapters[name]
		br := r.breakers[name]

		allowed, isProbe := true, false
		if br != nil {
			allowed, isProbe = br.Allow()
		}
		if !allowed {
			excluded[name] = true
			continue // no network call made, but the iteration still counts toward max_retries
		}

		attemptTimeout := a.Descriptor().Timeout
		attemptCtx := ctx
		if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
			remaining := time.Until(deadline)
			if attemptTimeout <= 0 || remaining < attemptTimeout {
				attemptTimeout = remaining
			}
		}
		var cancel context.CancelFunc
		if attemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, attemptTimeout)
		}

		resp, failureClass, err := a.Send(attemptCtx, req)
		if cancel != nil {
			cancel()
		}

		success := err == nil
		if br != nil {
			br.Done(success, failureClass.TripsBreaker())
		}
		r.stats[name].Record(success)

		var latency time.Duration
		cost := 0.0
		if resp != nil {
			latency = resp.Latency
			cost = resp.CostUSD
		}
		if r.recorder != nil {
			r.recorder.ObserveAttempt(name, success, latency, cost)
		}

		if success {
			span.SetAttributes(attribute.String("adapter", name), attribute.Int("attempt", attempt))
			if isProbe {
				r.logger.Info("half-open probe succeeded", zap.String("adapter", name))
			}
			return resp, nil
		}

		r.logger.Warn("adapter attempt failed",
			zap.String("adapter", name),
			zap.String("failure_class", failureClass.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if !failureClass.Retryable() {
			span.SetStatus(codes.Error, "permanent client error")
			return nil, routingerrors.Wrap("router", routingerrors.ValidationError, "adapter rejected request", err)
		}

		lastErr = r.classifyFinalError(failureClass, err)
		excluded[name] = true

		if attempt < maxRetries {
			if err := r.backoff(ctx, attempt); err != nil {
				return nil, r.deadlineErr()
			}
		}
	}

	span.SetStatus(codes.Error, "retries exhausted")
	if lastErr == nil {
		lastErr = routingerrors.New("router", routingerrors.BackendUnavailable, "retries exhausted")
	}
	return nil, lastErr
}

func (r *Router) classifyFinalError(fc adapter.FailureClass, cause error) error {
	switch fc {
	case adapter.RateLimited:
		return routingerrors.Wrap("router", routingerrors.RateLimited, "adapter rate limited", cause)
	default:
		return routingerrors.Wrap("router", routingerrors.BackendUnavailable, "adapter unavailable", cause)
	}
}

func (r *Router) deadlineErr() error {
	return routingerrors.New("router", routingerrors.DeadlineExceeded, "request deadline exceeded")
}

func (r *Router) backoff(ctx context.Context, attempt int) error {
	base := r.cfg.BackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	delay := base * time.Duration(1<<uint(attempt))
	jitter := time.Duration(rand.Int63n(int64(base)))
	wait := delay + jitter

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
	}
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// pickAdapter computes scores over every eligible, non-excluded adapter and
// returns the winner's name. If excluding the adapters already tried this
// request empties the candidate set, it falls back to the full eligible
// set — with only one healthy adapter registered, a transient failure must
// still be retried against that same adapter rather than failing the
// request outright.
func (r *Router) pickAdapter(classification classify.Vector, preferred string, excluded map[string]bool) (string, bool) {
	candidates := r.scoreEligible(classification, preferred, excluded)
	if len(candidates) == 0 {
		candidates = r.scoreEligible(classification, preferred, nil)
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.avail != b.avail {
			return a.avail > b.avail
		}
		if a.cost != b.cost {
			return a.cost < b.cost
		}
		return a.name < b.name
	})

	winner := candidates[0].name
	if preferred != "" && winner != preferred {
		// The hint named a backend but a different one won — either the
		// hint's backend was ineligible or it lost on merit. Logged and
		// counted per spec §4.5 so the override is auditable.
		r.logger.Info("preferred_backend hint overridden", zap.String("preferred", preferred), zap.String("chosen", winner))
		if r.recorder != nil {
			r.recorder.ObservePreferredOverride()
		}
	}

	return winner, true
}

func (r *Router) scoreEligible(classification classify.Vector, preferred string, excluded map[string]bool) []candidate {
	var candidates []candidate

	for name, a := range r.adapters {
		if excluded[name] {
			continue
		}
		if !r.isEligible(name) {
			continue
		}

		desc := a.Descriptor()
		avail := r.stats[name].Ratio()
		taskFit := classification.Dot(desc.Affinity.Math, desc.Affinity.Code, desc.Affinity.Reasoning,
			desc.Affinity.LanguageEn, desc.Affinity.LanguageOther, desc.Affinity.Short, desc.Affinity.Long)
		perf := r.perfScore(name, desc)
		cost := desc.CostPer1kInputUSD + desc.CostPer1kOutputUSD
		costScore := r.costScore(cost)

		score := r.cfg.Weights.Task*taskFit +
			r.cfg.Weights.Perf*perf +
			r.cfg.Weights.Cost*costScore +
			r.cfg.Weights.Avail*avail +
			r.cfg.Weights.Quality*desc.QualityRating

		if preferred != "" && preferred == name {
			score += preferenceEpsilon
		}

		candidates = append(candidates, candidate{name: name, score: score, avail: avail, cost: cost})
	}

	return candidates
}

func (r *Router) isEligible(name string) bool {
	if r.health != nil && !r.health.IsHealthy(name) {
		return false
	}
	if br, ok := r.breakers[name]; ok {
		state := br.State()
		if state != breaker.Closed && state != breaker.HalfOpen {
			return false
		}
	}
	return true
}

func (r *Router) perfScore(name string, desc adapter.Descriptor) float64 {
	latency := desc.TypicalLatency
	if r.health != nil {
		if st, ok := r.health.Status(name); ok && st.EWMALatency > 0 {
			latency = st.EWMALatency
		}
	}
	ref := r.cfg.ReferenceLatency
	if ref <= 0 {
		ref = 2 * time.Second
	}
	return 1 / (1 + float64(latency)/float64(ref))
}

func (r *Router) costScore(cost float64) float64 {
	if r.maxCost <= r.minCost {
		return 1
	}
	normalized := (cost - r.minCost) / (r.maxCost - r.minCost)
	return 1 - normalized
}
