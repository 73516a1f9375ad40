package rebalance

import (
	"testing"
	"time"

	"github.com/relaygrid/prfc/internal/model"
	"github.com/relaygrid/prfc/internal/registry"
	"github.com/relaygrid/prfc/internal/topology"
	"github.com/relaygrid/prfc/internal/trigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	incidents []model.Incident
}

func (f *fakePublisher) Publish(i model.Incident) { f.incidents = append(f.incidents, i) }

func buildThreePathGraph(t *testing.T) *topology.Graph {
	t.Helper()
	g, err := topology.Build(topology.Descriptor{
		Nodes: []topology.NodeDescriptor{
			{ID: 1, Tier: "edge"},
			{ID: 9, Tier: "core"},
			{ID: 10, Tier: "core"},
			{ID: 19, Tier: "cloud"},
			{ID: 20, Tier: "cloud"},
			{ID: 21, Tier: "cloud"},
		},
		Links: []topology.LinkDescriptor{
			{U: 1, V: 9, BandwidthMbps: 100, DelayMs: 5},
			{U: 1, V: 10, BandwidthMbps: 100, DelayMs: 5},
			{U: 9, V: 19, BandwidthMbps: 100, DelayMs: 4},
			{U: 9, V: 20, BandwidthMbps: 100, DelayMs: 4},
			{U: 10, V: 21, BandwidthMbps: 100, DelayMs: 4},
		},
	})
	require.NoError(t, err)
	return g
}

func TestBottleneckIdentification(t *testing.T) {
	g := buildThreePathGraph(t)
	reg := registry.New(registry.DefaultThresholds(), 10, 0.3)
	reg.Register(0, []int{1, 9, 19}, 34)
	reg.Register(1, []int{1, 9, 20}, 33)
	reg.Register(2, []int{1, 10, 21}, 33)

	for i := 0; i < 5; i++ {
		reg.Observe(0, int64(i), 110+10*float64(i))
		reg.Observe(1, int64(i), 110+10*float64(i))
		reg.Observe(2, int64(i), 50)
	}

	rb := New(g, reg, 1, 0, 3, ModeReactive, &fakePublisher{})
	degraded := rb.scanDegraded()
	require.ElementsMatch(t, []int{0, 1}, degraded)

	bottlenecks := rb.findBottleneckNodes(degraded)
	assert.Equal(t, []int{9}, bottlenecks)

	alts := rb.recomputeAlternatives(bottlenecks)
	for _, p := range alts {
		for _, n := range p {
			assert.NotEqual(t, 9, n)
		}
	}
}

func TestRebalanceConservesTotalLoad(t *testing.T) {
	g := buildThreePathGraph(t)
	reg := registry.New(registry.DefaultThresholds(), 10, 0.3)
	reg.Register(0, []int{1, 9, 19}, 50)
	reg.Register(1, []int{1, 9, 20}, 30)
	reg.Register(2, []int{1, 10, 21}, 20)

	for i := 0; i < 5; i++ {
		reg.Observe(0, int64(i), 110+10*float64(i))
	}

	pub := &fakePublisher{}
	rb := New(g, reg, 1, 0, 3, ModeReactive, pub)
	trig := trigger.New(trigger.DefaultThresholds())

	changed := rb.Run(trig, time.Now())
	require.True(t, changed)

	var total float64
	for _, id := range reg.IDs() {
		total += reg.Get(id).LoadPercentage
	}
	assert.InDelta(t, 100, total, 0.01)
	assert.InDelta(t, residualFloorPct, reg.Get(0).LoadPercentage, 1e-9)
	require.Len(t, pub.incidents, 1)
	assert.Equal(t, model.IncidentFailover, pub.incidents[0].Kind)
}

func TestAllDegradedSplitsUniformly(t *testing.T) {
	g := buildThreePathGraph(t)
	reg := registry.New(registry.DefaultThresholds(), 10, 0.3)
	reg.Register(0, []int{1, 9, 19}, 50)
	reg.Register(1, []int{1, 9, 20}, 30)
	reg.Register(2, []int{1, 10, 21}, 20)

	for i := 0; i < 5; i++ {
		reg.Observe(0, int64(i), 110+10*float64(i))
		reg.Observe(1, int64(i), 110+10*float64(i))
		reg.Observe(2, int64(i), 110+10*float64(i))
	}

	pub := &fakePublisher{}
	rb := New(g, reg, 1, 0, 3, ModeReactive, pub)
	trig := trigger.New(trigger.DefaultThresholds())
	rb.Run(trig, time.Now())

	for _, id := range reg.IDs() {
		assert.InDelta(t, 100.0/3, reg.Get(id).LoadPercentage, 0.01)
	}
}
