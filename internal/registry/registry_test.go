package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterSetsHealthyAndOptimal(t *testing.T) {
	r := New(DefaultThresholds(), 10, 0.3)
	r.Register(1, []int{1, 9, 19}, 50)
	p := r.Get(1)
	require.NotNil(t, p)
	assert.Equal(t, StatusHealthy, p.Status)
	assert.Equal(t, 50.0, p.OptimalDistribution)
}

func TestReRegisterOverwritesCleanly(t *testing.T) {
	r := New(DefaultThresholds(), 10, 0.3)
	r.Register(1, []int{1, 9, 19}, 50)
	r.Observe(1, 0, 500)
	r.Register(1, []int{1, 9, 19}, 50)
	p := r.Get(1)
	assert.Equal(t, StatusHealthy, p.Status)
	assert.Equal(t, 0, p.Series.Ring.Len())
}

func TestDegradationTransition(t *testing.T) {
	r := New(Thresholds{EwmaMaxMs: 100, SlopeMinMsPerS: 5, HoldRecovery: 20 * time.Second, Stability: 15 * time.Second}, 10, 0.3)
	r.Register(1, []int{1, 9, 19}, 100)
	for i, v := range []float64{110, 120, 130, 140, 150} {
		r.Observe(1, int64(i), v)
	}
	assert.Equal(t, StatusDegraded, r.Get(1).Status)
}

func TestFSMNeverSkipsStates(t *testing.T) {
	now := time.Now()
	clock := now
	r := New(Thresholds{EwmaMaxMs: 100, SlopeMinMsPerS: 5, HoldRecovery: 1 * time.Millisecond, Stability: 1 * time.Millisecond}, 10, 0.3)
	r.SetClock(func() time.Time { return clock })
	r.Register(1, []int{1, 9, 19}, 100)

	for i, v := range []float64{130, 140, 150} {
		r.Observe(1, int64(i), v)
	}
	require.Equal(t, StatusDegraded, r.Get(1).Status)

	clock = clock.Add(2 * time.Millisecond)
	for i, v := range []float64{40, 40, 40, 40, 40} {
		r.Observe(1, int64(10+i), v)
	}
	r.TickRecovery()
	require.Equal(t, StatusRecovering, r.Get(1).Status)

	clock = clock.Add(2 * time.Millisecond)
	r.TickRecovery()
	assert.Equal(t, StatusHealthy, r.Get(1).Status)
}
