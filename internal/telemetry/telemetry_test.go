package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEWMAFirstSampleInitialises(t *testing.T) {
	e := NewEWMA(0.3)
	assert.False(t, e.Initialised())
	assert.InDelta(t, 10.0, e.Update(10), 1e-9)
	assert.InDelta(t, 0.3*20+0.7*10, e.Update(20), 1e-9)
}

func TestEWMASeriesMatchesFormula(t *testing.T) {
	e := NewEWMA(0.3)
	xs := []float64{40, 55, 48, 62}
	want := xs[0]
	assert.InDelta(t, want, e.Update(xs[0]), 1e-9)
	for _, x := range xs[1:] {
		want = 0.3*x + 0.7*want
		assert.InDelta(t, want, e.Update(x), 1e-9)
	}
}

func TestSlopeLinearSequence(t *testing.T) {
	r := NewRing(10)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		r.Push(Sample{LatencyMs: v})
	}
	assert.InDelta(t, 1.0, r.Slope(), 1e-9)
}

func TestSlopeConstantSequence(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 5; i++ {
		r.Push(Sample{LatencyMs: 42})
	}
	assert.InDelta(t, 0.0, r.Slope(), 1e-9)
}

func TestSlopeSingleSampleIsZero(t *testing.T) {
	r := NewRing(10)
	r.Push(Sample{LatencyMs: 99})
	assert.Equal(t, 0.0, r.Slope())
}

func TestRingEvictsOldestOnOverflow(t *testing.T) {
	r := NewRing(3)
	r.Push(Sample{LatencyMs: 1})
	r.Push(Sample{LatencyMs: 2})
	r.Push(Sample{LatencyMs: 3})
	r.Push(Sample{LatencyMs: 4})

	require := r.Samples()
	assert.Len(t, require, 3)
	assert.Equal(t, 2.0, require[0].LatencyMs)
	assert.Equal(t, 4.0, require[2].LatencyMs)
}

func TestSeriesResetClearsState(t *testing.T) {
	s := NewSeries(10, 0.3)
	s.Observe(0, 50)
	s.Observe(1, 60)
	s.Reset()
	assert.Equal(t, 0, s.Ring.Len())
	assert.False(t, s.Ewma.Initialised())
}
