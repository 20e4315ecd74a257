package adapter

import (
	"context"
	"time"
)

// EchoAdapter is a deterministic in-process adapter used in tests and local
// demos: it returns the prompt unchanged after a configurable artificial
// latency. It never fails unless Fail is set, which lets tests drive
// breaker/router behavior deterministically.
type EchoAdapter struct {
	desc    Descriptor
	Latency time.Duration

	// Fail, when non-zero, is returned as the failure class for every
	// call until reset — used by breaker/router tests to simulate a
	// misbehaving backend.
	Fail FailureClass
}

// NewEchoAdapter builds an EchoAdapter with the given descriptor.
func NewEchoAdapter(desc Descriptor) *EchoAdapter {
	return &EchoAdapter{desc: desc}
}

func (e *EchoAdapter) Name() string         { return e.desc.Name }
func (e *EchoAdapter) Descriptor() Descriptor { return e.desc }

func (e *EchoAdapter) Send(ctx context.Context, req *Request) (*Response, FailureClass, error) {
	if e.Fail != NoFailure {
		return nil, e.Fail, errEcho(e.desc.Name, e.Fail)
	}

	select {
	case <-ctx.Done():
		return nil, Transient, ctx.Err()
	case <-time.After(e.Latency):
	}

	return &Response{
		Text:         req.Prompt,
		AdapterName:  e.desc.Name,
		InputTokens:  len(req.Prompt) / 4,
		OutputTokens: len(req.Prompt) / 4,
		CostUSD:      0,
		Latency:      e.Latency,
	}, NoFailure, nil
}

func (e *EchoAdapter) HealthProbe(ctx context.Context) (bool, time.Duration, error) {
	if e.Fail == PermanentClient || e.Fail == PermanentServer {
		return false, 0, errEcho(e.desc.Name, e.Fail)
	}
	return true, e.Latency, nil
}

type echoError struct {
	adapter string
	class   FailureClass
}

func (e *echoError) Error() string {
	return "echo adapter " + e.adapter + ": simulated " + e.class.String() + " failure"
}

func errEcho(adapter string, class FailureClass) error {
	return &echoError{adapter: adapter, class: class}
}
