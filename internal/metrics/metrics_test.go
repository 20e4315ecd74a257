package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)
	var total float64
	for m := range ch {
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		total += pb.GetCounter().GetValue()
	}
	return total
}

func TestSink_ObserveAttemptIncrementsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg)

	s.ObserveAttempt("A", true, 10*time.Millisecond, 0.01)
	s.ObserveAttempt("A", false, 10*time.Millisecond, 0.01)

	assert.Equal(t, 2.0, counterValue(t, s.requestsTotal))
	assert.Equal(t, 1.0, counterValue(t, s.requestsSuccessful))
	assert.Equal(t, 1.0, counterValue(t, s.requestsFailed))
}

func TestSink_CountersAreMonotonic(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg)

	var prev float64
	for i := 0; i < 5; i++ {
		s.ObserveAttempt("A", true, time.Millisecond, 0)
		cur := counterValue(t, s.requestsTotal)
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestSink_PreferredOverrideAndOverload(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg)

	s.ObservePreferredOverride()
	s.ObserveOverloadRejection()

	assert.Equal(t, 1.0, counterValue(t, s.preferredOverrides))
	assert.Equal(t, 1.0, counterValue(t, s.overloadRejections))
}

func TestSink_ScaleEventsLabeledByDirection(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg)

	s.ObserveScaleEvent(true)
	s.ObserveScaleEvent(false)
	s.ObserveScaleEvent(true)

	assert.Equal(t, 3.0, counterValue(t, s.scaleEvents))
}

func TestSink_BreakerTransitionsTracked(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg)

	s.ObserveBreakerTransition("A", "open")
	s.ObserveBreakerTransition("A", "open")
	s.ObserveBreakerTransition("A", "closed")

	assert.Equal(t, 3.0, counterValue(t, s.breakerTransitions))
}
