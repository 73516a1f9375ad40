// Package registry implements the PRFC path registry and per-path health FSM
// (C3, spec §4.3): healthy → degraded → recovering → healthy, with
// hold/stability timers and the load-percentage bookkeeping the rebalancer
// and revert scheduler mutate.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/relaygrid/prfc/internal/telemetry"
)

// Status is a path's position in the health FSM.
type Status string

const (
	StatusHealthy    Status = "healthy"
	StatusDegraded   Status = "degraded"
	StatusRecovering Status = "recovering"
)

// Thresholds parametrises the FSM's latency gates (spec §4.3/§4.4).
type Thresholds struct {
	EwmaMaxMs      float64
	SlopeMinMsPerS float64
	HoldRecovery   time.Duration
	Stability      time.Duration
}

// DefaultThresholds returns the spec's documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		EwmaMaxMs:      100,
		SlopeMinMsPerS: 5,
		HoldRecovery:   20 * time.Second,
		Stability:      15 * time.Second,
	}
}

// PathMetrics is the per-registered-path state (spec §3).
type PathMetrics struct {
	NodeIDs             []int
	Series              *telemetry.Series
	LoadPercentage      float64
	OptimalDistribution float64
	Status              Status
	LastFailureTime     time.Time
	LastRecoveryTime    time.Time
}

// Ewma returns the path's current EWMA (0 if uninitialised).
func (p *PathMetrics) Ewma() float64 { return p.Series.Ewma.Value() }

// Slope returns the path's current OLS slope.
func (p *PathMetrics) Slope() float64 { return p.Series.Ring.Slope() }

// Registry is the controller's map of path id → PathMetrics, guarded by a
// single mutex per the concurrency model (spec §5).
type Registry struct {
	mu         sync.Mutex
	paths      map[int]*PathMetrics
	thresholds Thresholds
	windowSize int
	alpha      float64
	clock      func() time.Time
}

// New constructs an empty Registry.
func New(thresholds Thresholds, windowSize int, alpha float64) *Registry {
	return &Registry{
		paths:      make(map[int]*PathMetrics),
		thresholds: thresholds,
		windowSize: windowSize,
		alpha:      alpha,
		clock:      time.Now,
	}
}

// SetClock overrides the time source (tests only).
func (r *Registry) SetClock(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}

// Register places nodeIDs in healthy status with the given initial load,
// recorded as its OptimalDistribution. Re-registering an existing id
// overwrites cleanly (spec §4.3, P8).
func (r *Registry) Register(id int, nodeIDs []int, initialLoadPct float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[id] = &PathMetrics{
		NodeIDs:             append([]int(nil), nodeIDs...),
		Series:              telemetry.NewSeries(r.windowSize, r.alpha),
		LoadPercentage:      initialLoadPct,
		OptimalDistribution: initialLoadPct,
		Status:              StatusHealthy,
	}
}

// Get returns the path metrics for id, or nil if unregistered.
func (r *Registry) Get(id int) *PathMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paths[id]
}

// IDs returns all registered path ids in ascending order.
func (r *Registry) IDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.paths))
	for id := range r.paths {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Snapshot returns a shallow copy of every PathMetrics value, safe to read
// without holding the registry lock.
func (r *Registry) Snapshot() map[int]PathMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]PathMetrics, len(r.paths))
	for id, p := range r.paths {
		out[id] = *p
	}
	return out
}

// Observe records a latency sample on path id and runs the degradation edge
// of the FSM: healthy→degraded when ewma>T ∧ slope≥S (spec §4.3).
func (r *Registry) Observe(id int, tsMs int64, latencyMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.paths[id]
	if !ok {
		return
	}
	p.Series.Observe(tsMs, latencyMs)
	r.applyDegradation(p)
}

func (r *Registry) applyDegradation(p *PathMetrics) {
	if p.Status != StatusHealthy {
		return
	}
	if p.Ewma() > r.thresholds.EwmaMaxMs && p.Slope() >= r.thresholds.SlopeMinMsPerS {
		p.Status = StatusDegraded
		p.LastFailureTime = r.clock()
	}
}

// TickRecovery applies the recovering/healthy edges of the FSM to every
// registered path (spec §4.3, invoked by the revert scheduler per §4.6
// step 1).
func (r *Registry) TickRecovery() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	for _, p := range r.paths {
		switch p.Status {
		case StatusDegraded:
			if p.Ewma() < 0.8*r.thresholds.EwmaMaxMs && p.Slope() <= 0.5 &&
				now.Sub(p.LastFailureTime) > r.thresholds.HoldRecovery {
				p.Status = StatusRecovering
				p.LastRecoveryTime = now
			}
		case StatusRecovering:
			if p.Ewma() < 0.6*r.thresholds.EwmaMaxMs &&
				now.Sub(p.LastRecoveryTime) > r.thresholds.Stability {
				p.Status = StatusHealthy
			}
		}
	}
}

// SetLoad overwrites a path's current load percentage (mutated by the
// rebalancer and revert scheduler).
func (r *Registry) SetLoad(id int, pct float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.paths[id]; ok {
		p.LoadPercentage = pct
	}
}

// SetNodeIDs replaces a path's node route in place (the rebalancer's
// bottleneck-avoiding recompute, spec §4.5 step 4), leaving its latency
// series, status, and load percentage untouched.
func (r *Registry) SetNodeIDs(id int, nodeIDs []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.paths[id]; ok {
		p.NodeIDs = append([]int(nil), nodeIDs...)
	}
}

// MarkDegraded forces a path into degraded status, recording lastFailureTime
// (used by the rebalancer's scan step, spec §4.5 step 1).
func (r *Registry) MarkDegraded(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.paths[id]
	if !ok || p.Status == StatusDegraded {
		return false
	}
	p.Status = StatusDegraded
	p.LastFailureTime = r.clock()
	return true
}

// Thresholds returns the configured FSM thresholds.
func (r *Registry) Thresholds() Thresholds {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.thresholds
}
