//go:build property

package breaker

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

// TestPropertyBreaker_TripsExactlyAtThreshold checks invariant 6's first
// half: after failureThreshold consecutive transient failures, the
// breaker is Open, and never before.
func TestPropertyBreaker_TripsExactlyAtThreshold(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		threshold := rapid.IntRange(1, 6).Draw(t, "threshold")
		failures := rapid.IntRange(0, 12).Draw(t, "failures")

		b := New("adapter", Config{
			FailureThreshold:  threshold,
			RecoveryTime:      time.Hour,
			HalfOpenMaxProbes: 1,
			MonitoringPeriod:  time.Hour,
		})

		for i := 0; i < failures; i++ {
			allowed, _ := b.Allow()
			if !allowed {
				break
			}
			b.Done(false, true)
		}

		if failures >= threshold {
			if b.State() != Open {
				t.Fatalf("expected Open after %d failures (threshold %d), got %s", failures, threshold, b.State())
			}
		} else {
			if b.State() != Closed {
				t.Fatalf("expected Closed after %d failures (threshold %d), got %s", failures, threshold, b.State())
			}
		}
	})
}

// TestPropertyBreaker_PermanentClientNeverTrips checks that failures
// which do not count toward the threshold (tripsBreaker=false) never
// open the breaker, regardless of how many occur.
func TestPropertyBreaker_PermanentClientNeverTrips(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		failures := rapid.IntRange(0, 50).Draw(t, "failures")
		b := New("adapter", DefaultConfig())

		for i := 0; i < failures; i++ {
			allowed, _ := b.Allow()
			if !allowed {
				t.Fatalf("breaker unexpectedly denied a call after %d non-tripping failures", i)
			}
			b.Done(false, false)
		}

		if b.State() != Closed {
			t.Fatalf("breaker opened from non-tripping failures: state=%s", b.State())
		}
	})
}

// TestPropertyBreaker_RecoveryThenProbe checks invariant 6's second half:
// after recoveryTime elapses past an Open breaker, the next Allow is a
// bounded probe.
func TestPropertyBreaker_RecoveryThenProbe(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		threshold := rapid.IntRange(1, 4).Draw(t, "threshold")
		recovery := time.Duration(rapid.IntRange(5, 25).Draw(t, "recoveryMs")) * time.Millisecond

		b := New("adapter", Config{
			FailureThreshold:  threshold,
			RecoveryTime:      recovery,
			HalfOpenMaxProbes: 1,
			MonitoringPeriod:  time.Hour,
		})

		for i := 0; i < threshold; i++ {
			allowed, _ := b.Allow()
			if allowed {
				b.Done(false, true)
			}
		}
		if b.State() != Open {
			t.Fatalf("expected Open after %d tripping failures", threshold)
		}

		time.Sleep(recovery + 10*time.Millisecond)

		allowed, isProbe := b.Allow()
		if !allowed || !isProbe {
			t.Fatalf("expected a bounded probe after recovery time elapsed, got allowed=%v isProbe=%v", allowed, isProbe)
		}
	})
}
