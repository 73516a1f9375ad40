package revert

import (
	"testing"
	"time"

	"github.com/relaygrid/prfc/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildProducesFiveStepsTowardOptimal(t *testing.T) {
	now := time.Now()
	reg := registry.New(registry.Thresholds{EwmaMaxMs: 100, SlopeMinMsPerS: 5, HoldRecovery: time.Millisecond, Stability: time.Millisecond}, 10, 0.3)
	reg.SetClock(func() time.Time { return now })
	reg.Register(0, []int{1, 9, 19}, 50)
	reg.Register(1, []int{1, 9, 20}, 30)
	reg.Register(2, []int{1, 10, 21}, 20)
	reg.SetLoad(0, 5)
	reg.SetLoad(1, 57)
	reg.SetLoad(2, 38)

	s := New(reg)
	s.SetClock(func() time.Time { return now })
	schedule := s.Build()
	require.Len(t, schedule, Steps)

	last := schedule[Steps-1]
	assert.InDelta(t, 50, last.Load[0], 0.01)
	assert.InDelta(t, 30, last.Load[1], 0.01)
	assert.InDelta(t, 20, last.Load[2], 0.01)

	for _, step := range schedule {
		var total float64
		for _, v := range step.Load {
			total += v
		}
		assert.InDelta(t, 100, total, 0.01)
	}
}

func TestBuildProducesUniformScheduleWhenAllDegraded(t *testing.T) {
	now := time.Now()
	reg := registry.New(registry.DefaultThresholds(), 10, 0.3)
	reg.SetClock(func() time.Time { return now })
	reg.Register(0, []int{1, 9, 19}, 70)
	reg.Register(1, []int{1, 9, 20}, 30)
	reg.MarkDegraded(0)
	reg.MarkDegraded(1)

	s := New(reg)
	s.SetClock(func() time.Time { return now })
	schedule := s.Build()
	require.Len(t, schedule, Steps)

	last := schedule[Steps-1]
	assert.InDelta(t, 50, last.Load[0], 0.01)
	assert.InDelta(t, 50, last.Load[1], 0.01)

	for _, step := range schedule {
		var total float64
		for _, v := range step.Load {
			total += v
		}
		assert.InDelta(t, 100, total, 0.01)
	}
}

func TestApplyMutatesRegistry(t *testing.T) {
	reg := registry.New(registry.DefaultThresholds(), 10, 0.3)
	reg.Register(0, []int{1, 9, 19}, 50)
	s := New(reg)
	s.Apply(Step{Load: map[int]float64{0: 12.5}})
	assert.Equal(t, 12.5, reg.Get(0).LoadPercentage)
}
