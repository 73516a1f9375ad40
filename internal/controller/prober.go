package controller

import (
	"context"
	"math/rand"

	"github.com/relaygrid/prfc/internal/model"
)

// SimulatedProber is the default NodeHealthProber: a narrow stand-in for the
// downstream tier's own health endpoint (out of scope per spec §1), just
// enough to feed C4's resource-pressure check and C11's node_down/recover
// incidents with noisy CPU/buffer samples anchored on each node's
// Utilisation field.
type SimulatedProber struct {
	rng *rand.Rand
	now func() int64
}

// NewSimulatedProber constructs a SimulatedProber. now defaults to the
// current time in epoch milliseconds.
func NewSimulatedProber(now func() int64) *SimulatedProber {
	return &SimulatedProber{rng: rand.New(rand.NewSource(1)), now: now}
}

// Probe samples node.Utilisation with jitter as a CPU proxy, and derives a
// correlated buffer occupancy reading, in place of a real node agent's
// reported metrics. No code in this module writes Node.Utilisation, so it
// stays at its zero value and the CPU readings stay within 0-0.1.
func (p *SimulatedProber) Probe(ctx context.Context, node *model.Node) (model.NodeHealth, error) {
	base := node.Utilisation
	cpu := clamp01(base + (p.rng.Float64()*2-1)*0.1)
	bufferPct := clamp01(cpu*0.9 + (p.rng.Float64()*2-1)*0.05)
	return model.NodeHealth{
		CPU:       cpu,
		BufferPct: bufferPct,
		TsMs:      p.now(),
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
