// Package dispatch implements the PRFC ingress dispatcher (C7, spec §4.7):
// per-batch path selection (virtual routing, weighted sampling) and the
// physical three-node routing variant with per-link delay/jitter/loss
// simulation and active/backup failover swap.
package dispatch

import (
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relaygrid/prfc/internal/model"
	"github.com/relaygrid/prfc/internal/registry"
	"github.com/relaygrid/prfc/internal/telemetry"
	"github.com/relaygrid/prfc/internal/topology"
	"github.com/relaygrid/prfc/internal/trigger"
)

// RoutingMode selects between the two dispatcher variants (spec §4.7).
type RoutingMode string

const (
	RoutingVirtual  RoutingMode = "virtual"
	RoutingPhysical RoutingMode = "physical"
)

// maxCandidatePaths bounds the ranked set considered for weighted sampling
// (spec §4.7 step 1b — "up to 3 paths").
const maxCandidatePaths = 3

// Rebalancer is the subset of rebalance.Rebalancer the dispatcher invokes.
type Rebalancer interface {
	Run(trig *trigger.Evaluator, impactedBatchTime time.Time) bool
}

// Dispatcher is the C7 ingress entry point.
type Dispatcher struct {
	mu         sync.Mutex // serialises dispatch, the aggregate series, rng and rebalancer runs
	graph      *topology.Graph
	registry   *registry.Registry
	rebalancer Rebalancer
	trig       *trigger.Evaluator
	aggregate  *telemetry.Series
	mode       RoutingMode
	rng        *rand.Rand
	sleep      func(time.Duration)
	now        func() time.Time

	// physical-routing state
	activePath, backupPath []int
	nodeHealth             map[int]model.NodeHealth
}

// New constructs a Dispatcher.
func New(g *topology.Graph, reg *registry.Registry, rb Rebalancer, trig *trigger.Evaluator, windowSize int, alpha float64, mode RoutingMode) *Dispatcher {
	return &Dispatcher{
		graph:      g,
		registry:   reg,
		rebalancer: rb,
		trig:       trig,
		aggregate:  telemetry.NewSeries(windowSize, alpha),
		mode:       mode,
		rng:        rand.New(rand.NewSource(1)),
		sleep:      time.Sleep,
		now:        time.Now,
	}
}

// SetActivePaths configures the physical-routing active/backup pair.
func (d *Dispatcher) SetActivePaths(active, backup []int) {
	d.activePath, d.backupPath = active, backup
}

// ActivePath and BackupPath expose the physical-routing pair (for state
// snapshots, spec §6 "activePath, backupPath").
func (d *Dispatcher) ActivePath() []int { return d.activePath }
func (d *Dispatcher) BackupPath() []int { return d.backupPath }

// SetNodeHealth supplies the latest node-health samples consulted by C4's
// resource-pressure check during DispatchPhysical (populated by the
// controller's health poller, spec §5).
func (d *Dispatcher) SetNodeHealth(h map[int]model.NodeHealth) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodeHealth = h
}

// Aggregate returns the dispatcher's global EWMA/slope (spec §3
// "ControllerState.global ewma, global slope").
func (d *Dispatcher) Aggregate() (ewma, slope float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aggregate.Ewma.Value(), d.aggregate.Ring.Slope()
}

// DispatchVirtual runs spec §4.7 step 1 for one batch. estimateLatency
// computes the simulated end-to-end latency for a candidate path (tests may
// supply a deterministic stub in place of a real estimator).
func (d *Dispatcher) DispatchVirtual(batch model.Batch, estimateLatency func(path []int) float64) model.IngressResult {
	if len(batch) == 0 {
		return model.IngressResult{Reason: "all lost"}
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rebalancer.Run(d.trig, time.UnixMilli(batch[0].TsMs))

	candidates := d.topCandidates()
	if len(candidates) == 0 {
		return model.IngressResult{Dropped: len(batch), Reason: "no_path_available"}
	}

	chosenID := d.weightedSample(candidates)
	p := d.registry.Get(chosenID)
	latency := estimateLatency(p.NodeIDs)

	tsMs := batch[0].TsMs
	d.aggregate.Observe(tsMs, latency)
	d.registry.Observe(chosenID, tsMs, latency)

	return model.IngressResult{
		Accepted:          len(batch),
		EndToEndLatencyMs: latency,
		Path:              pathLabel(p.NodeIDs),
		PathID:            &chosenID,
	}
}

// topCandidates returns up to maxCandidatePaths registered path ids sorted
// by path score descending.
func (d *Dispatcher) topCandidates() []int {
	ids := d.registry.IDs()
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := d.registry.Get(ids[i]), d.registry.Get(ids[j])
		return d.graph.PathScore(pi.NodeIDs) > d.graph.PathScore(pj.NodeIDs)
	})
	if len(ids) > maxCandidatePaths {
		ids = ids[:maxCandidatePaths]
	}
	return ids
}

// weightedSample draws u ∈ [0,100) and walks the cumulative load percentages
// of candidates to pick a path (spec §4.7 step 1c).
func (d *Dispatcher) weightedSample(candidates []int) int {
	u := d.rng.Float64() * 100
	var cum float64
	last := candidates[len(candidates)-1]
	for _, id := range candidates {
		p := d.registry.Get(id)
		if p == nil {
			continue
		}
		cum += p.LoadPercentage
		if u < cum {
			return id
		}
	}
	return last
}

func pathLabel(nodeIDs []int) string {
	parts := make([]string, len(nodeIDs))
	for i, n := range nodeIDs {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, "->")
}

// LinkSim is the per-link simulation result for physical routing (spec §4.7
// step 2b).
type LinkSim struct {
	DelayMs     float64
	EventsLost  int
}

// SimulateLink computes (bytes*8/bw_bps)*1000 + delay + jitter(-J,+J) and a
// Bernoulli loss filter shrinking the event count (spec §4.7 step 2b). Uses
// the link's CurrentDelayMs, not BaseDelayMs, so an injected node latency
// fault is observable in the physical-routing path it actually simulates
// (see DESIGN.md).
func SimulateLink(l *model.Link, bytesPerEvent int, events int, rng *rand.Rand) LinkSim {
	bwBps := l.BandwidthMbps * 1_000_000 / 8
	var transmitMs float64
	if bwBps > 0 {
		transmitMs = (float64(bytesPerEvent*events) * 8 / (bwBps * 8)) * 1000
	}
	jitter := (rng.Float64()*2 - 1) * l.JitterMs
	delay := transmitMs + l.CurrentDelayMs + jitter

	lost := 0
	for i := 0; i < events; i++ {
		if rng.Float64() < l.LossRate {
			lost++
		}
	}
	return LinkSim{DelayMs: delay, EventsLost: lost}
}

// DispatchPhysical runs spec §4.7 step 2 for one batch over the active path,
// swapping to the backup path on a fired trigger and delegating failover
// accounting to the injected Rebalancer.
func (d *Dispatcher) DispatchPhysical(batch model.Batch, bytesPerEvent int) model.IngressResult {
	if len(batch) == 0 {
		return model.IngressResult{Reason: "all lost"}
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	res := d.trig.Evaluate(d.aggregate.Ewma.Value(), d.aggregate.Ring.Slope(), d.nodeHealth)
	if res.Triggered {
		d.activePath, d.backupPath = d.backupPath, d.activePath
		d.rebalancer.Run(d.trig, time.UnixMilli(batch[0].TsMs))
		d.aggregate.Reset()
	}

	remaining := len(batch)
	var totalDelay float64
	for i := 0; i+1 < len(d.activePath); i++ {
		l := d.graph.Link(d.activePath[i], d.activePath[i+1])
		if l == nil {
			continue
		}
		sim := SimulateLink(l, bytesPerEvent, remaining, d.rng)
		totalDelay += sim.DelayMs
		remaining -= sim.EventsLost
		if remaining < 0 {
			remaining = 0
		}
	}

	if remaining == 0 {
		return model.IngressResult{Dropped: len(batch), Reason: "all lost"}
	}

	d.sleep(time.Duration(totalDelay) * time.Millisecond)
	tsMs := batch[0].TsMs
	d.aggregate.Observe(tsMs, totalDelay)

	return model.IngressResult{
		Accepted:          remaining,
		Dropped:           len(batch) - remaining,
		EndToEndLatencyMs: totalDelay,
		Path:              pathLabel(d.activePath),
	}
}
