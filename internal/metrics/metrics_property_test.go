//go:build property

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"pgregory.net/rapid"
)

// TestPropertyMetrics_CountersAreMonotonic checks invariant 4: every
// counter this sink exposes is non-decreasing across an arbitrary
// sequence of observations.
func TestPropertyMetrics_CountersAreMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		reg := prometheus.NewRegistry()
		s := New(reg)

		n := rapid.IntRange(0, 30).Draw(rt, "n")
		var prevTotal, prevOverride, prevOverload float64

		for i := 0; i < n; i++ {
			success := rapid.Bool().Draw(rt, "success")
			s.ObserveAttempt("A", success, time.Millisecond, 0)
			if rapid.Bool().Draw(rt, "override") {
				s.ObservePreferredOverride()
			}
			if rapid.Bool().Draw(rt, "overload") {
				s.ObserveOverloadRejection()
			}

			curTotal := counterValue(t, s.requestsTotal)
			curOverride := counterValue(t, s.preferredOverrides)
			curOverload := counterValue(t, s.overloadRejections)

			if curTotal < prevTotal || curOverride < prevOverride || curOverload < prevOverload {
				rt.Fatalf("a counter decreased: total %v->%v, override %v->%v, overload %v->%v",
					prevTotal, curTotal, prevOverride, curOverride, prevOverload, curOverload)
			}
			prevTotal, prevOverride, prevOverload = curTotal, curOverride, curOverload
		}
	})
}
