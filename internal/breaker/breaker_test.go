package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	now := time.Now()
	clock := now
	cfg := DefaultConfig()
	cfg.ConsecutiveFailThreshold = 3
	cfg.ErrorRateThreshold = 0 // disable the rate-based path for this test
	b := New(cfg)
	b.SetClock(func() time.Time { return clock })

	for i := 0; i < 3; i++ {
		b.RecordResult(Feedback{StatusCode: 500})
	}
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpenRequiresProbeSuccesses(t *testing.T) {
	now := time.Now()
	clock := now
	cfg := DefaultConfig()
	cfg.ConsecutiveFailThreshold = 1
	cfg.ErrorRateThreshold = 0
	cfg.OpenStateDuration = time.Second
	cfg.HalfOpenProbes = 2
	b := New(cfg)
	b.SetClock(func() time.Time { return clock })

	b.RecordResult(Feedback{StatusCode: 500})
	require.Equal(t, StateOpen, b.State())

	clock = clock.Add(2 * time.Second)
	require.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordResult(Feedback{StatusCode: 200})
	assert.Equal(t, StateHalfOpen, b.State())
	b.RecordResult(Feedback{StatusCode: 200})
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerErrorRateTrip(t *testing.T) {
	now := time.Now()
	clock := now
	cfg := DefaultConfig()
	cfg.ConsecutiveFailThreshold = 100
	cfg.ErrorRateThreshold = 0.5
	cfg.MinSamplesToTrip = 4
	cfg.StatsWindow = time.Minute
	b := New(cfg)
	b.SetClock(func() time.Time { return clock })

	b.RecordResult(Feedback{StatusCode: 200})
	b.RecordResult(Feedback{StatusCode: 500})
	b.RecordResult(Feedback{StatusCode: 200})
	b.RecordResult(Feedback{StatusCode: 500})
	assert.Equal(t, StateOpen, b.State())
}

func TestRegistryLazilyCreatesPerTier(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	edge := r.Get("edge")
	edge2 := r.Get("edge")
	core := r.Get("core")
	assert.Same(t, edge, edge2)
	assert.NotSame(t, edge, core)
}
