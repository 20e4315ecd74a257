// Package errors defines the stable, testable error kinds surfaced across
// the router and pool boundary (spec §7).
package errors

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error classification. Callers should branch on
// Kind, never on message text, since messages may change.
type Kind string

const (
	ValidationError      Kind = "VALIDATION_ERROR"
	NoHealthyBackend     Kind = "NO_HEALTHY_BACKEND"
	BackendUnavailable   Kind = "BACKEND_UNAVAILABLE"
	RateLimited          Kind = "RATE_LIMITED"
	DeadlineExceeded     Kind = "DEADLINE_EXCEEDED"
	Overloaded           Kind = "OVERLOADED"
	WorkerStartupFailed  Kind = "WORKER_STARTUP_FAILED"
	WorkerCrashed        Kind = "WORKER_CRASHED"
	InternalError        Kind = "INTERNAL_ERROR"
)

// RoutingError is the concrete error type returned across component
// boundaries. It always carries the failing component's name and a stable
// Kind so callers can make programmatic decisions without parsing text.
type RoutingError struct {
	Component string
	Kind      Kind
	Message   string
	Cause     error

	// RetryAfterMs is populated when known (e.g. vendor-supplied throttle
	// hint on a RateLimited classification).
	RetryAfterMs int64
}

func (e *RoutingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Component, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Component, e.Kind, e.Message)
}

func (e *RoutingError) Unwrap() error { return e.Cause }

// New builds a RoutingError without a wrapped cause.
func New(component string, kind Kind, message string) *RoutingError {
	return &RoutingError{Component: component, Kind: kind, Message: message}
}

// Wrap builds a RoutingError around an existing cause.
func Wrap(component string, kind Kind, message string, cause error) *RoutingError {
	return &RoutingError{Component: component, Kind: kind, Message: message, Cause: cause}
}

// WithRetryAfter attaches a retry-after hint (milliseconds) and returns the
// receiver for chaining.
func (e *RoutingError) WithRetryAfter(ms int64) *RoutingError {
	e.RetryAfterMs = ms
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *RoutingError; ok is false otherwise.
func KindOf(err error) (Kind, bool) {
	var re *RoutingError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}

// Is reports whether err's Kind equals kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
