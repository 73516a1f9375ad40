// Package trigger implements the PRFC predictive trigger evaluator (C4,
// spec §4.4): latency drift with hold-time debounce, OR'd with immediate
// resource-pressure firing.
package trigger

import (
	"time"

	"github.com/relaygrid/prfc/internal/model"
)

// Reason names why a trigger fired.
type Reason string

const (
	ReasonLatencyDrift     Reason = "latency_drift"
	ReasonResourcePressure Reason = "resource_pressure"
)

// Thresholds parametrises the evaluator (spec §4.4 defaults).
type Thresholds struct {
	EwmaMaxMs      float64
	SlopeMinMsPerS float64
	HoldSec        time.Duration
	CPUMax         float64
	BufMaxPct      float64
}

// DefaultThresholds returns the spec's documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		EwmaMaxMs:      100,
		SlopeMinMsPerS: 5,
		HoldSec:        3 * time.Second,
		CPUMax:         0.85,
		BufMaxPct:      0.8,
	}
}

// Evaluator tracks the latency-drift debounce window across calls.
type Evaluator struct {
	thresholds       Thresholds
	triggerStartTime time.Time
	clock            func() time.Time
}

// New constructs an Evaluator with the given thresholds.
func New(t Thresholds) *Evaluator {
	return &Evaluator{thresholds: t, clock: time.Now}
}

// SetClock overrides the time source (tests only).
func (e *Evaluator) SetClock(clock func() time.Time) { e.clock = clock }

// Result is the outcome of one Evaluate call.
type Result struct {
	Triggered bool
	Reason    Reason
}

// Evaluate combines latency drift (debounced by HoldSec) with resource
// pressure (firing immediately) via OR (spec §4.4).
func (e *Evaluator) Evaluate(ewma, slope float64, nodeHealth map[int]model.NodeHealth) Result {
	for _, h := range nodeHealth {
		if h.CPU > e.thresholds.CPUMax || h.BufferPct > e.thresholds.BufMaxPct {
			return Result{Triggered: true, Reason: ReasonResourcePressure}
		}
	}

	driftActive := ewma > e.thresholds.EwmaMaxMs && slope > e.thresholds.SlopeMinMsPerS
	now := e.clock()
	if !driftActive {
		e.triggerStartTime = time.Time{}
		return Result{}
	}
	if e.triggerStartTime.IsZero() {
		e.triggerStartTime = now
	}
	if now.Sub(e.triggerStartTime) >= e.thresholds.HoldSec {
		return Result{Triggered: true, Reason: ReasonLatencyDrift}
	}
	return Result{}
}

// Reset clears the debounce window (spec §4.5 step 8 — the rebalancer
// restarts the debounce against the new path set after a rebalance).
func (e *Evaluator) Reset() { e.triggerStartTime = time.Time{} }

// Thresholds returns the configured thresholds (spec §4.4 — CPUMax/BufMaxPct
// are overridable and must stay the single source of truth for what counts
// as resource pressure anywhere else that checks it).
func (e *Evaluator) Thresholds() Thresholds { return e.thresholds }
