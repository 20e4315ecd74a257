package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	b := New("adapter-a", Config{FailureThreshold: 3, RecoveryTime: time.Minute, HalfOpenMaxProbes: 1, MonitoringPeriod: time.Minute})

	for i := 0; i < 2; i++ {
		allowed, probe := b.Allow()
		require.True(t, allowed)
		require.False(t, probe)
		b.Done(false, true)
	}

	assert.Equal(t, Closed, b.State())
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b := New("adapter-a", Config{FailureThreshold: 3, RecoveryTime: time.Minute, HalfOpenMaxProbes: 1, MonitoringPeriod: time.Minute})

	for i := 0; i < 3; i++ {
		allowed, _ := b.Allow()
		require.True(t, allowed)
		b.Done(false, true)
	}

	assert.Equal(t, Open, b.State())

	allowed, _ := b.Allow()
	assert.False(t, allowed, "open breaker must reject")
}

func TestBreaker_PermanentClientFailuresDoNotTrip(t *testing.T) {
	b := New("adapter-a", Config{FailureThreshold: 2, RecoveryTime: time.Minute, HalfOpenMaxProbes: 1, MonitoringPeriod: time.Minute})

	for i := 0; i < 10; i++ {
		allowed, _ := b.Allow()
		require.True(t, allowed)
		b.Done(false, false) // tripsBreaker=false, as for PermanentClient
	}

	assert.Equal(t, Closed, b.State(), "caller errors must never trip the breaker")
}

func TestBreaker_HalfOpenAfterRecoveryTime(t *testing.T) {
	b := New("adapter-a", Config{FailureThreshold: 1, RecoveryTime: 10 * time.Millisecond, HalfOpenMaxProbes: 1, MonitoringPeriod: time.Minute})

	allowed, _ := b.Allow()
	require.True(t, allowed)
	b.Done(false, true)
	require.Equal(t, Open, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreaker_HalfOpenAdmitsBoundedProbes(t *testing.T) {
	b := New("adapter-a", Config{FailureThreshold: 1, RecoveryTime: 1 * time.Millisecond, HalfOpenMaxProbes: 1, MonitoringPeriod: time.Minute})

	allowed, _ := b.Allow()
	require.True(t, allowed)
	b.Done(false, true)
	time.Sleep(5 * time.Millisecond)

	allowed, isProbe := b.Allow()
	require.True(t, allowed)
	require.True(t, isProbe)

	// A second concurrent probe must be rejected while the first is in
	// flight.
	allowed2, _ := b.Allow()
	assert.False(t, allowed2)

	b.Done(true, true)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b := New("adapter-a", Config{FailureThreshold: 1, RecoveryTime: 1 * time.Millisecond, HalfOpenMaxProbes: 1, MonitoringPeriod: time.Minute})

	allowed, _ := b.Allow()
	require.True(t, allowed)
	b.Done(false, true)
	time.Sleep(5 * time.Millisecond)

	allowed, isProbe := b.Allow()
	require.True(t, allowed)
	require.True(t, isProbe)
	b.Done(false, true)

	assert.Equal(t, Open, b.State())
}

func TestBreaker_Reset(t *testing.T) {
	b := New("adapter-a", DefaultConfig())
	for i := 0; i < 5; i++ {
		b.Allow()
		b.Done(false, true)
	}
	require.Equal(t, Open, b.State())

	b.Reset()
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_OnTransitionFires(t *testing.T) {
	b := New("adapter-a", Config{FailureThreshold: 1, RecoveryTime: time.Minute, HalfOpenMaxProbes: 1, MonitoringPeriod: time.Minute})

	transitions := make(chan State, 4)
	b.OnTransition(func(name string, from, to State) {
		transitions <- to
	})

	b.Allow()
	b.Done(false, true)

	select {
	case s := <-transitions:
		assert.Equal(t, Open, s)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transition callback")
	}
}

func TestBreaker_Snapshot(t *testing.T) {
	b := New("adapter-a", DefaultConfig())
	snap := b.Snapshot()
	assert.Equal(t, Closed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}
