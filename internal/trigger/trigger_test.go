package trigger

import (
	"testing"
	"time"

	"github.com/relaygrid/prfc/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestResourcePressureFiresImmediately(t *testing.T) {
	e := New(DefaultThresholds())
	res := e.Evaluate(10, 0, map[int]model.NodeHealth{1: {CPU: 0.9}})
	assert.True(t, res.Triggered)
	assert.Equal(t, ReasonResourcePressure, res.Reason)
}

func TestLatencyDriftRequiresHoldTime(t *testing.T) {
	now := time.Now()
	clock := now
	e := New(Thresholds{EwmaMaxMs: 100, SlopeMinMsPerS: 5, HoldSec: 3 * time.Second})
	e.SetClock(func() time.Time { return clock })

	res := e.Evaluate(150, 10, nil)
	assert.False(t, res.Triggered)

	clock = clock.Add(3*time.Second - time.Millisecond)
	res = e.Evaluate(150, 10, nil)
	assert.False(t, res.Triggered, "must not fire before holdSec elapses")

	clock = clock.Add(2 * time.Millisecond)
	res = e.Evaluate(150, 10, nil)
	assert.True(t, res.Triggered)
	assert.Equal(t, ReasonLatencyDrift, res.Reason)
}

func TestDriftResetsWhenPredicateFalse(t *testing.T) {
	now := time.Now()
	clock := now
	e := New(Thresholds{EwmaMaxMs: 100, SlopeMinMsPerS: 5, HoldSec: 3 * time.Second})
	e.SetClock(func() time.Time { return clock })

	e.Evaluate(150, 10, nil)
	clock = clock.Add(2 * time.Second)
	res := e.Evaluate(50, 0, nil)
	assert.False(t, res.Triggered)

	clock = clock.Add(3 * time.Second)
	res = e.Evaluate(150, 10, nil)
	assert.False(t, res.Triggered, "debounce window must restart after predicate went false")
}
