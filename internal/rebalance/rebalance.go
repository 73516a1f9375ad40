// Package rebalance implements the PRFC rebalancer (C5, spec §4.5):
// degraded-path detection, bottleneck-node identification, k-disjoint
// alternative path recomputation, and weighted redistribution.
package rebalance

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/relaygrid/prfc/internal/model"
	"github.com/relaygrid/prfc/internal/registry"
	"github.com/relaygrid/prfc/internal/topology"
	"github.com/relaygrid/prfc/internal/trigger"
)

// Publisher receives incident records emitted by the rebalancer (C11).
type Publisher interface {
	Publish(model.Incident)
}

// Mode selects the failover accounting variant (spec §4.5).
type Mode string

const (
	ModeReactive   Mode = "reactive"
	ModeWarm       Mode = "warm"
	ModeCold       Mode = "cold"
	ModePredictive Mode = "predictive"
)

// residualFloorPct is the minimum load a degraded path retains (spec §4.5 step 5).
const residualFloorPct = 5.0

// Rebalancer runs the degradation scan and redistribution for a fixed
// src→dst route's set of registered candidate paths.
type Rebalancer struct {
	graph    *topology.Graph
	registry *registry.Registry
	src, dst int
	k        int
	mode     Mode
	pub      Publisher
	rng      *rand.Rand
	sleep    func(time.Duration)
	now      func() time.Time
}

// New constructs a Rebalancer for the src→dst route.
func New(g *topology.Graph, reg *registry.Registry, src, dst, k int, mode Mode, pub Publisher) *Rebalancer {
	return &Rebalancer{
		graph: g, registry: reg, src: src, dst: dst, k: k, mode: mode, pub: pub,
		rng:   rand.New(rand.NewSource(1)),
		sleep: time.Sleep,
		now:   time.Now,
	}
}

// ImpactedBatchTime records when the impacting batch was first observed, used
// to compute MTTR (spec §4.5 "mttr" accounting).
type ImpactedBatchTime = time.Time

// Run performs one full rebalance pass: scan, bottleneck detection,
// alternative recomputation, reweight, and incident emission. trig is reset
// on a successful rebalance (spec §4.5 step 8). Returns false, doing nothing,
// if no registered path is degraded; while any path stays degraded, every
// call repeats the full pass and returns true.
func (r *Rebalancer) Run(trig *trigger.Evaluator, impactedBatchTime time.Time) bool {
	degraded := r.scanDegraded()
	if len(degraded) == 0 {
		return false
	}

	bottlenecks := r.findBottleneckNodes(degraded)
	alternatives := r.recomputeAlternatives(bottlenecks)
	r.applyAlternatives(degraded, alternatives)
	r.reweight(degraded)
	r.emitIncident(degraded, impactedBatchTime)

	trig.Reset()
	return true
}

// scanDegraded marks any healthy path whose ewma/slope now cross the FSM's
// threshold as degraded and returns all currently-degraded path ids
// (spec §4.5 step 1).
func (r *Rebalancer) scanDegraded() []int {
	t := r.registry.Thresholds()
	var degraded []int
	for _, id := range r.registry.IDs() {
		p := r.registry.Get(id)
		if p == nil {
			continue
		}
		if p.Status == registry.StatusHealthy && p.Ewma() > t.EwmaMaxMs && p.Slope() >= t.SlopeMinMsPerS {
			r.registry.MarkDegraded(id)
		}
		if r.registry.Get(id).Status == registry.StatusDegraded {
			degraded = append(degraded, id)
		}
	}
	return degraded
}

// findBottleneckNodes builds the multiset of intermediate nodes across D's
// unique path sets and returns those at or above threshold max(2, ceil(0.5*|D|)),
// sorted by count descending (spec §4.5 step 3, I5 — src/dst never counted).
func (r *Rebalancer) findBottleneckNodes(degradedIDs []int) []int {
	threshold := int(math.Max(2, math.Ceil(0.5*float64(len(degradedIDs)))))

	counts := map[int]int{}
	for _, id := range degradedIDs {
		p := r.registry.Get(id)
		if p == nil {
			continue
		}
		seen := map[int]bool{}
		for _, n := range p.NodeIDs {
			if n == r.src || n == r.dst || seen[n] {
				continue
			}
			seen[n] = true
			counts[n]++
		}
	}

	var bottlenecks []int
	for n, c := range counts {
		if c >= threshold {
			bottlenecks = append(bottlenecks, n)
		}
	}
	sort.Slice(bottlenecks, func(i, j int) bool {
		if counts[bottlenecks[i]] != counts[bottlenecks[j]] {
			return counts[bottlenecks[i]] > counts[bottlenecks[j]]
		}
		return bottlenecks[i] < bottlenecks[j]
	})
	return bottlenecks
}

// recomputeAlternatives asks the graph engine for up to k node-disjoint
// paths excluding the bottleneck set, validates them, and orders by score
// descending (spec §4.5 step 4).
func (r *Rebalancer) recomputeAlternatives(bottlenecks []int) [][]int {
	exclude := make(map[int]bool, len(bottlenecks))
	for _, n := range bottlenecks {
		exclude[n] = true
	}
	candidates := r.graph.KDisjointShortestPaths(r.src, r.dst, r.k, exclude)

	var valid [][]int
	for _, p := range candidates {
		if r.graph.IsValidPath(p) {
			valid = append(valid, p)
		}
	}
	sort.Slice(valid, func(i, j int) bool {
		return r.graph.PathScore(valid[i]) > r.graph.PathScore(valid[j])
	})
	return valid
}

// applyAlternatives reroutes each degraded path onto a bottleneck-avoiding
// alternative found by recomputeAlternatives, cycling through the available
// alternatives if there are fewer than degraded paths. When no valid
// alternative exists, every degraded path keeps its current node route; Run
// still calls reweight afterwards, so the load percentages are redistributed
// either way.
func (r *Rebalancer) applyAlternatives(degradedIDs []int, alternatives [][]int) {
	if len(alternatives) == 0 {
		return
	}
	for i, id := range degradedIDs {
		r.registry.SetNodeIDs(id, alternatives[i%len(alternatives)])
	}
}

// reweight assigns a residual floor to every degraded path and redistributes
// the remainder across the rest proportionally to their prior healthy mass,
// falling back to a uniform split when every registered path is degraded
// (spec §4.5 step 5).
func (r *Rebalancer) reweight(degradedIDs []int) {
	degradedSet := make(map[int]bool, len(degradedIDs))
	for _, id := range degradedIDs {
		degradedSet[id] = true
	}

	allIDs := r.registry.IDs()
	if len(allIDs) == len(degradedSet) {
		uniform := 100.0 / float64(len(allIDs))
		for _, id := range allIDs {
			r.registry.SetLoad(id, uniform)
		}
		r.renormalise(allIDs)
		return
	}

	residual := residualFloorPct * float64(len(degradedIDs))
	remainingPct := 100.0 - residual

	var healthyMass float64
	for _, id := range allIDs {
		if degradedSet[id] {
			continue
		}
		if p := r.registry.Get(id); p != nil {
			healthyMass += p.LoadPercentage
		}
	}

	for _, id := range allIDs {
		p := r.registry.Get(id)
		if p == nil {
			continue
		}
		if degradedSet[id] {
			r.registry.SetLoad(id, residualFloorPct)
			continue
		}
		if healthyMass <= 0 {
			r.registry.SetLoad(id, remainingPct/float64(len(allIDs)-len(degradedSet)))
			continue
		}
		r.registry.SetLoad(id, remainingPct*p.LoadPercentage/healthyMass)
	}

	r.renormalise(allIDs)
}

// renormalise scales every registered path's load so the total is 100±0.01
// (spec §4.5 step 5, I1).
func (r *Rebalancer) renormalise(ids []int) {
	var total float64
	for _, id := range ids {
		if p := r.registry.Get(id); p != nil {
			total += p.LoadPercentage
		}
	}
	if total == 0 || math.Abs(total-100) <= 0.01 {
		return
	}
	scale := 100 / total
	for _, id := range ids {
		if p := r.registry.Get(id); p != nil {
			r.registry.SetLoad(id, p.LoadPercentage*scale)
		}
	}
}

// emitIncident publishes a failover incident (spec §4.5 step 7) and, in cold
// mode, simulates a 400-700ms spin-up delay before completing.
func (r *Rebalancer) emitIncident(degradedIDs []int, impactedBatchTime time.Time) {
	if r.pub == nil {
		return
	}
	var maxEwma float64
	for _, id := range degradedIDs {
		if p := r.registry.Get(id); p != nil && p.Ewma() > maxEwma {
			maxEwma = p.Ewma()
		}
	}
	t := r.registry.Thresholds()

	var spinUpDelayMs float64
	if r.mode == ModeCold {
		spinUpDelayMs = 400 + r.rng.Float64()*300
		r.sleep(time.Duration(spinUpDelayMs) * time.Millisecond)
	}

	completionTime := r.now()
	severity := model.SeverityMedium
	if maxEwma > 1.5*t.EwmaMaxMs {
		severity = model.SeverityHigh
	}

	details := map[string]any{
		"degradedPathIds": degradedIDs,
	}
	if r.mode == ModeCold {
		details["spinUpDelayMs"] = spinUpDelayMs
		details["mttr"] = float64(completionTime.Sub(impactedBatchTime).Milliseconds())
	}

	r.pub.Publish(model.Incident{
		Kind:     model.IncidentFailover,
		Severity: severity,
		TsMs:     completionTime.UnixMilli(),
		Details:  details,
	})
}
