package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRollingStats_DefaultsOptimistic(t *testing.T) {
	s := newRollingStats(5)
	assert.Equal(t, 1.0, s.Ratio())
}

func TestRollingStats_RatioReflectsRecentOutcomes(t *testing.T) {
	s := newRollingStats(4)
	s.Record(true)
	s.Record(true)
	s.Record(false)
	s.Record(false)
	assert.InDelta(t, 0.5, s.Ratio(), 1e-9)
}

func TestRollingStats_WindowSlidesOverCapacity(t *testing.T) {
	s := newRollingStats(2)
	s.Record(false)
	s.Record(true)
	s.Record(true) // overwrites the first `false`
	assert.Equal(t, 1.0, s.Ratio())
}
