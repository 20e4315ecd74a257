package router

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymux/relaymux/internal/adapter"
	"github.com/relaymux/relaymux/internal/breaker"
	"github.com/relaymux/relaymux/internal/health"
	routingerrors "github.com/relaymux/relaymux/pkg/errors"
)

// flakyAdapter fails the first N calls with the given failure class, then
// succeeds, letting tests drive retry scenarios deterministically.
type flakyAdapter struct {
	desc        adapter.Descriptor
	failTimes   int32
	class       adapter.FailureClass
	calls       int32
}

func (f *flakyAdapter) Name() string                     { return f.desc.Name }
func (f *flakyAdapter) Descriptor() adapter.Descriptor    { return f.desc }
func (f *flakyAdapter) HealthProbe(ctx context.Context) (bool, time.Duration, error) {
	return true, time.Millisecond, nil
}
func (f *flakyAdapter) Send(ctx context.Context, req *adapter.Request) (*adapter.Response, adapter.FailureClass, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failTimes {
		return nil, f.class, assert.AnError
	}
	return &adapter.Response{Text: req.Prompt, AdapterName: f.desc.Name}, adapter.NoFailure, nil
}

func setup(t *testing.T, adapters []adapter.Adapter, cfg Config) (*Router, map[string]*breaker.Breaker, *health.Monitor) {
	t.Helper()
	breakers := make(map[string]*breaker.Breaker, len(adapters))
	for _, a := range adapters {
		breakers[a.Name()] = breaker.New(a.Name(), breaker.DefaultConfig())
	}
	mon := health.New(adapters, health.Config{Interval: time.Hour, ProbeTimeout: time.Second, EWMAAlpha: 0.3}, nil)
	r := New(adapters, breakers, mon, cfg, nil, nil)
	return r, breakers, mon
}

func TestRouter_SingleHealthyAdapter_Scenario1(t *testing.T) {
	echo := adapter.NewEchoAdapter(adapter.Descriptor{Name: "A", Timeout: time.Second})
	r, _, _ := setup(t, []adapter.Adapter{echo}, DefaultConfig())

	resp, err := r.Route(context.Background(), &adapter.Request{Prompt: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "ping", resp.Text)
	assert.Equal(t, "A", resp.AdapterName)
}

func TestRouter_CostWeightPicksCheaperAdapter_Scenario2(t *testing.T) {
	cheap := adapter.NewEchoAdapter(adapter.Descriptor{Name: "A", Timeout: time.Second, CostPer1kInputUSD: 0.001, TypicalLatency: 500 * time.Millisecond})
	fast := adapter.NewEchoAdapter(adapter.Descriptor{Name: "B", Timeout: time.Second, CostPer1kInputUSD: 0.1, TypicalLatency: 10 * time.Millisecond})

	cfg := DefaultConfig()
	cfg.Weights = Weights{Cost: 1}
	r, _, _ := setup(t, []adapter.Adapter{cheap, fast}, cfg)

	resp, err := r.Route(context.Background(), &adapter.Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "A", resp.AdapterName)
}

func TestRouter_PerfWeightPicksFasterAdapter_Scenario2(t *testing.T) {
	cheap := adapter.NewEchoAdapter(adapter.Descriptor{Name: "A", Timeout: time.Second, CostPer1kInputUSD: 0.001, TypicalLatency: 500 * time.Millisecond})
	fast := adapter.NewEchoAdapter(adapter.Descriptor{Name: "B", Timeout: time.Second, CostPer1kInputUSD: 0.1, TypicalLatency: 10 * time.Millisecond})

	cfg := DefaultConfig()
	cfg.Weights = Weights{Perf: 1}
	r, _, _ := setup(t, []adapter.Adapter{cheap, fast}, cfg)

	resp, err := r.Route(context.Background(), &adapter.Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "B", resp.AdapterName)
}

func TestRouter_RetriesAcrossFailuresThenSucceeds_Scenario3(t *testing.T) {
	flaky := &flakyAdapter{desc: adapter.Descriptor{Name: "A", Timeout: time.Second}, failTimes: 2, class: adapter.Transient}

	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	r, breakers, _ := setup(t, []adapter.Adapter{flaky}, cfg)

	resp, err := r.Route(context.Background(), &adapter.Request{Prompt: "x", MaxRetries: 3})
	require.NoError(t, err)
	assert.Equal(t, "A", resp.AdapterName)
	assert.Equal(t, int32(3), flaky.calls)
	assert.Equal(t, breaker.Closed, breakers["A"].State())
}

func TestRouter_PermanentClientFailureSurfacesImmediately(t *testing.T) {
	echo := adapter.NewEchoAdapter(adapter.Descriptor{Name: "A", Timeout: time.Second})
	echo.Fail = adapter.PermanentClient
	r, _, _ := setup(t, []adapter.Adapter{echo}, DefaultConfig())

	_, err := r.Route(context.Background(), &adapter.Request{Prompt: "x", MaxRetries: 3})
	require.Error(t, err)
	assert.True(t, routingerrors.Is(err, routingerrors.ValidationError))
}

func TestRouter_NoHealthyBackend(t *testing.T) {
	r, _, _ := setup(t, nil, DefaultConfig())
	_, err := r.Route(context.Background(), &adapter.Request{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, routingerrors.Is(err, routingerrors.NoHealthyBackend))
}

func TestRouter_ImmediateDeadlineExceeded(t *testing.T) {
	echo := adapter.NewEchoAdapter(adapter.Descriptor{Name: "A", Timeout: time.Second})
	r, _, _ := setup(t, []adapter.Adapter{echo}, DefaultConfig())

	_, err := r.Route(context.Background(), &adapter.Request{Prompt: "x", Deadline: time.Now().Add(-time.Second)})
	require.Error(t, err)
	assert.True(t, routingerrors.Is(err, routingerrors.DeadlineExceeded))
}

func TestRouter_PreferredBackendHintOnOpenAdapterIsOverridden_Scenario6(t *testing.T) {
	open := adapter.NewEchoAdapter(adapter.Descriptor{Name: "A", Timeout: time.Second})
	open.Fail = adapter.Transient
	healthy := adapter.NewEchoAdapter(adapter.Descriptor{Name: "B", Timeout: time.Second})

	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	r, breakers, _ := setup(t, []adapter.Adapter{open, healthy}, cfg)

	for i := 0; i < 3; i++ {
		allowed, _ := breakers["A"].Allow()
		require.True(t, allowed)
		breakers["A"].Done(false, true)
	}
	require.Equal(t, breaker.Open, breakers["A"].State())

	var overrideCount int
	r.SetRecorder(recorderFunc{onOverride: func() { overrideCount++ }})

	resp, err := r.Route(context.Background(), &adapter.Request{Prompt: "x", PreferredBackend: "A"})
	require.NoError(t, err)
	assert.Equal(t, "B", resp.AdapterName)
	assert.Equal(t, 1, overrideCount)
}

type recorderFunc struct {
	onOverride func()
}

func (r recorderFunc) ObserveAttempt(string, bool, time.Duration, float64) {}
func (r recorderFunc) ObservePreferredOverride()                          { r.onOverride() }
