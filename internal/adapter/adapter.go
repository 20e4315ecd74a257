// Package adapter provides the uniform capability (C1) wrapping one remote
// completion service, per spec §4.1.
package adapter

import (
	"context"
	"time"
)

// FailureClass classifies an adapter failure for the breaker and router.
type FailureClass int

const (
	// NoFailure indicates the call succeeded.
	NoFailure FailureClass = iota
	// Transient covers network errors, 5xx, and timeouts.
	Transient
	// RateLimited covers a throttling signal from the vendor (or a local
	// rate limiter standing in for one).
	RateLimited
	// PermanentClient covers 4xx (other than throttle) and malformed
	// requests — caller errors that retrying cannot fix.
	PermanentClient
	// PermanentServer covers persistent 5xx after the adapter's own local
	// retry budget is exhausted.
	PermanentServer
)

func (f FailureClass) String() string {
	switch f {
	case NoFailure:
		return "none"
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case PermanentClient:
		return "permanent_client"
	case PermanentServer:
		return "permanent_server"
	default:
		return "unknown"
	}
}

// Retryable reports whether the router should attempt a different adapter
// after this failure class (spec §4.5: Transient/RateLimited/PermanentServer
// are absorbed by retry; PermanentClient surfaces immediately).
func (f FailureClass) Retryable() bool {
	switch f {
	case Transient, RateLimited, PermanentServer:
		return true
	default:
		return false
	}
}

// TripsBreaker reports whether this failure class counts toward the
// circuit breaker's failure threshold (spec §4.2: PermanentClient failures
// are caller errors and do not trip the breaker).
func (f FailureClass) TripsBreaker() bool {
	switch f {
	case Transient, RateLimited, PermanentServer:
		return true
	default:
		return false
	}
}

// TaskAffinity is the adapter's declared fitness on each classifier axis,
// in [0,1], used by the router's taskFit score component.
type TaskAffinity struct {
	Math           float64
	Code           float64
	Reasoning      float64
	LanguageEn     float64
	LanguageOther  float64
	Short          float64
	Long           float64
}

// Descriptor is the stable identity and declared attributes of a backend
// adapter (spec §3 "Adapter Descriptor"). It is created at configuration
// load and destroyed at shutdown and holds only declared attributes. Health,
// EWMA latency and the rolling success ratio are not Descriptor fields: the
// health monitor (C3) and the router's outcome recording track them.
type Descriptor struct {
	Name string

	SupportsStreaming bool
	SupportsToolCalls bool

	CostPer1kInputUSD  float64
	CostPer1kOutputUSD float64
	TypicalLatency     time.Duration
	ConcurrencyCap     int

	QualityRating float64 // static configured rating in [0,1]
	Affinity      TaskAffinity

	// Timeout bounds a single attempt against this adapter.
	Timeout time.Duration

	// RateLimitRPS, if > 0, configures a local token-bucket throttle so
	// the router never even dials out for a call doomed to be throttled.
	RateLimitRPS float64
	RateLimitBurst int
}

// Attachment is an opaque byte blob accompanying a request.
type Attachment []byte

// Request is the opaque, immutable-after-admission unit of work handed to
// an adapter (spec §3 "Request").
type Request struct {
	Prompt      string
	Attachments []Attachment

	BypassCache      bool
	PreferredBackend string
	Priority         Priority
	Deadline         time.Time
	MaxRetries       int
}

// Priority is the caller-declared urgency of a request.
type Priority int

const (
	PriorityMedium Priority = iota
	PriorityHigh
	PriorityLow
)

// Response is the result of a completed request (spec §3 "Response").
type Response struct {
	Text string

	AdapterName string

	InputTokens  int
	OutputTokens int
	CostUSD      float64

	Latency time.Duration

	CacheHit bool

	Metadata map[string]string
}

// Adapter is the uniform capability every backend implements.
type Adapter interface {
	Name() string
	Send(ctx context.Context, req *Request) (*Response, FailureClass, error)
	HealthProbe(ctx context.Context) (ok bool, latency time.Duration, err error)
	Descriptor() Descriptor
}
