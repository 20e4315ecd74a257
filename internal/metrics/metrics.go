// Package metrics implements the metrics sink (C9): in-memory Prometheus
// counters and histograms covering router, cache, breaker, and pool
// activity, exposed to the external HTTP collaborator via promhttp (spec
// §4.9).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink owns every metric this service exposes. It implements the router
// and pool packages' Recorder interfaces directly so it can be wired in
// without an adapter shim.
type Sink struct {
	requestsTotal      *prometheus.CounterVec
	requestsSuccessful *prometheus.CounterVec
	requestsFailed     *prometheus.CounterVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	breakerTransitions *prometheus.CounterVec
	preferredOverrides prometheus.Counter

	scaleEvents        *prometheus.CounterVec
	overloadRejections prometheus.Counter

	adapterLatency  *prometheus.HistogramVec
	endToEndLatency prometheus.Histogram
	queueWait       prometheus.Histogram
	workerStartup   prometheus.Histogram
}

// New registers every metric against reg. Pass prometheus.NewRegistry()
// for isolated tests, or prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Sink {
	factory := promauto.With(reg)

	return &Sink{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymux_requests_total",
			Help: "Total routed requests per adapter.",
		}, []string{"adapter"}),
		requestsSuccessful: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymux_requests_successful_total",
			Help: "Successful attempts per adapter.",
		}, []string{"adapter"}),
		requestsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymux_requests_failed_total",
			Help: "Failed attempts per adapter.",
		}, []string{"adapter"}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaymux_cache_hits_total",
			Help: "Response cache hits.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaymux_cache_misses_total",
			Help: "Response cache misses.",
		}),
		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymux_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"name", "to_state"}),
		preferredOverrides: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaymux_preferred_backend_overrides_total",
			Help: "Requests where preferred_backend was not honored.",
		}),
		scaleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymux_pool_scale_events_total",
			Help: "Pool auto-scaling events.",
		}, []string{"direction"}),
		overloadRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaymux_overload_rejections_total",
			Help: "Requests rejected as Overloaded.",
		}),
		adapterLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaymux_adapter_latency_seconds",
			Help:    "Per-adapter attempt latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"adapter"}),
		endToEndLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaymux_end_to_end_latency_seconds",
			Help:    "Caller-observed request latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		queueWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaymux_pool_queue_wait_seconds",
			Help:    "Time an MCP request spends queued before dispatch.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		workerStartup: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaymux_worker_startup_seconds",
			Help:    "Time from process spawn to the ready sentinel.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
}

// ObserveAttempt implements router.Recorder.
func (s *Sink) ObserveAttempt(adapterName string, success bool, latency time.Duration, cost float64) {
	s.requestsTotal.WithLabelValues(adapterName).Inc()
	if success {
		s.requestsSuccessful.WithLabelValues(adapterName).Inc()
	} else {
		s.requestsFailed.WithLabelValues(adapterName).Inc()
	}
	s.adapterLatency.WithLabelValues(adapterName).Observe(latency.Seconds())
}

// ObservePreferredOverride implements router.Recorder.
func (s *Sink) ObservePreferredOverride() {
	s.preferredOverrides.Inc()
}

// ObserveCacheHit and ObserveCacheMiss are called directly by the HTTP
// boundary around its cache lookup.
func (s *Sink) ObserveCacheHit()  { s.cacheHits.Inc() }
func (s *Sink) ObserveCacheMiss() { s.cacheMisses.Inc() }

// ObserveEndToEnd records one caller-observed request's total latency.
func (s *Sink) ObserveEndToEnd(d time.Duration) {
	s.endToEndLatency.Observe(d.Seconds())
}

// ObserveBreakerTransition is wired via breaker.Breaker.OnTransition.
func (s *Sink) ObserveBreakerTransition(name string, toState string) {
	s.breakerTransitions.WithLabelValues(name, toState).Inc()
}

// ObserveQueueWait implements pool.Recorder.
func (s *Sink) ObserveQueueWait(d time.Duration) {
	s.queueWait.Observe(d.Seconds())
}

// ObserveDispatchLatency implements pool.Recorder. The adapter parameter
// names the worker for parity with the router's per-adapter histogram;
// worker dispatch latency is not currently broken out per-worker to avoid
// unbounded label cardinality as the pool scales.
func (s *Sink) ObserveDispatchLatency(string, time.Duration) {}

// ObserveOverloadRejection implements pool.Recorder.
func (s *Sink) ObserveOverloadRejection() {
	s.overloadRejections.Inc()
}

// ObserveScaleEvent implements pool.Recorder.
func (s *Sink) ObserveScaleEvent(up bool) {
	direction := "down"
	if up {
		direction = "up"
	}
	s.scaleEvents.WithLabelValues(direction).Inc()
}

// ObserveWorkerStartup implements pool.Recorder.
func (s *Sink) ObserveWorkerStartup(d time.Duration) {
	s.workerStartup.Observe(d.Seconds())
}
