package dispatch

import (
	"math/rand"
	"testing"
	"time"

	"github.com/relaygrid/prfc/internal/model"
	"github.com/relaygrid/prfc/internal/registry"
	"github.com/relaygrid/prfc/internal/topology"
	"github.com/relaygrid/prfc/internal/trigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopRebalancer struct{}

func (noopRebalancer) Run(*trigger.Evaluator, time.Time) bool { return false }

func buildGraph(t *testing.T) *topology.Graph {
	t.Helper()
	g, err := topology.Build(topology.Descriptor{
		Nodes: []topology.NodeDescriptor{
			{ID: 1, Tier: "edge"},
			{ID: 9, Tier: "core"},
			{ID: 19, Tier: "cloud"},
		},
		Links: []topology.LinkDescriptor{
			{U: 1, V: 9, BandwidthMbps: 100, DelayMs: 5},
			{U: 9, V: 19, BandwidthMbps: 100, DelayMs: 4},
		},
	})
	require.NoError(t, err)
	return g
}

func TestDispatchVirtualBaselineStaysHealthy(t *testing.T) {
	g := buildGraph(t)
	reg := registry.New(registry.DefaultThresholds(), 10, 0.3)
	reg.Register(0, []int{1, 9, 19}, 100)

	trig := trigger.New(trigger.DefaultThresholds())
	d := New(g, reg, noopRebalancer{}, trig, 10, 0.3, RoutingVirtual)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 100; i++ {
		batch := model.Batch{{TsMs: int64(i)}}
		latency := 40 + rng.Float64()*40
		res := d.DispatchVirtual(batch, func([]int) float64 { return latency })
		assert.Equal(t, 1, res.Accepted)
	}
	assert.Equal(t, registry.StatusHealthy, reg.Get(0).Status)
}

func TestDispatchVirtualEmptyBatchIsNotAnError(t *testing.T) {
	g := buildGraph(t)
	reg := registry.New(registry.DefaultThresholds(), 10, 0.3)
	reg.Register(0, []int{1, 9, 19}, 100)
	trig := trigger.New(trigger.DefaultThresholds())
	d := New(g, reg, noopRebalancer{}, trig, 10, 0.3, RoutingVirtual)

	res := d.DispatchVirtual(nil, func([]int) float64 { return 0 })
	assert.Equal(t, 0, res.Accepted)
	assert.Equal(t, "all lost", res.Reason)
}

func TestSimulateLinkAccumulatesDelay(t *testing.T) {
	l := &model.Link{BandwidthMbps: 100, BaseDelayMs: 5, CurrentDelayMs: 5, JitterMs: 0, LossRate: 0}
	rng := rand.New(rand.NewSource(1))
	sim := SimulateLink(l, 100, 10, rng)
	assert.Equal(t, 0, sim.EventsLost)
	assert.GreaterOrEqual(t, sim.DelayMs, 5.0)
}
