// Package revert implements the PRFC gradual revert scheduler (C6, spec
// §4.6): recovery FSM ticking, and linear-interpolation load-percentage
// schedules back toward the optimal (or uniform, in the all-degraded case)
// distribution.
package revert

import (
	"math"
	"time"

	"github.com/relaygrid/prfc/internal/registry"
)

// Steps is the number of discrete interpolation steps (spec §4.6 default N=5).
const Steps = 5

// TransitionDuration is the default window over which the N steps are
// spread (spec §4.6 default).
const TransitionDuration = 7 * time.Second

// Step is one scheduled load-percentage assignment.
type Step struct {
	At   time.Time
	Load map[int]float64 // pathID -> loadPercentage for this step
}

// Scheduler builds and applies gradual-revert schedules against a Registry.
type Scheduler struct {
	registry *registry.Registry
	steps    int
	duration time.Duration
	now      func() time.Time
}

// New constructs a Scheduler using the spec's default step count and duration.
func New(reg *registry.Registry) *Scheduler {
	return &Scheduler{registry: reg, steps: Steps, duration: TransitionDuration, now: time.Now}
}

// SetClock overrides the time source (tests only).
func (s *Scheduler) SetClock(clock func() time.Time) { s.now = clock }

// Build runs the recovery FSM tick (step 1), then targets each path's
// optimal distribution if at least one path is healthy or recovering, or
// the uniform split across all paths if every path is degraded (spec §4.6
// steps 2-4 — "gradual revert targets uniform, not optimal" when there is
// no healthy baseline to revert toward). Returns nil if the current
// distribution is already within one percentage point of the target on
// every path.
func (s *Scheduler) Build() []Step {
	s.registry.TickRecovery()

	ids := s.registry.IDs()
	if len(ids) == 0 {
		return nil
	}

	allDegraded := true
	current := make(map[int]float64, len(ids))
	target := make(map[int]float64, len(ids))
	for _, id := range ids {
		p := s.registry.Get(id)
		if p == nil {
			continue
		}
		current[id] = p.LoadPercentage
		if p.Status != registry.StatusDegraded {
			allDegraded = false
		}
	}

	if allDegraded {
		uniform := 100.0 / float64(len(ids))
		for _, id := range ids {
			target[id] = uniform
		}
	} else {
		for _, id := range ids {
			p := s.registry.Get(id)
			target[id] = p.OptimalDistribution
		}
	}

	diverges := false
	for _, id := range ids {
		if math.Abs(current[id]-target[id]) > 1.0 {
			diverges = true
			break
		}
	}
	if !diverges {
		return nil
	}

	start := s.now()
	schedule := make([]Step, s.steps)
	for i := 1; i <= s.steps; i++ {
		frac := float64(i) / float64(s.steps)
		load := make(map[int]float64, len(ids))
		var total float64
		for _, id := range ids {
			v := current[id] + (target[id]-current[id])*frac
			load[id] = v
			total += v
		}
		if total != 0 && math.Abs(total-100) > 0.01 {
			scale := 100 / total
			for id := range load {
				load[id] *= scale
			}
		}
		schedule[i-1] = Step{
			At:   start.Add(time.Duration(float64(i) / float64(s.steps) * float64(s.duration))),
			Load: load,
		}
	}
	return schedule
}

// Apply mutates the registry's load percentages to the given step (spec
// §4.6 step 5 — a caller applies each step at its timestamp).
func (s *Scheduler) Apply(step Step) {
	for id, pct := range step.Load {
		s.registry.SetLoad(id, pct)
	}
}
