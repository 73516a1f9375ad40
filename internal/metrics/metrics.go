// Package metrics defines the PRFC Provider abstraction (C10, spec §4.11):
// counters, gauges, histograms, and timers behind one interface so the
// control loop never imports a concrete metrics backend directly. Grounded
// on the teacher's internal Provider contract
// (engine/internal/telemetry/metrics/metrics.go), generalised with a
// selectable backend instead of being consolidated away from embedders.
package metrics

import "context"

// Provider is the metrics-backend contract every component depends on.
type Provider interface {
	NewCounter(opts CounterOpts) Counter
	NewGauge(opts GaugeOpts) Gauge
	NewHistogram(opts HistogramOpts) Histogram
	NewTimer(h HistogramOpts) func() Timer
	Health(ctx context.Context) error
}

// Counter increments, optionally per label-value combination.
type Counter interface{ Inc(delta float64, labels ...string) }

// Gauge sets or adjusts a point-in-time value.
type Gauge interface {
	Set(v float64, labels ...string)
	Add(delta float64, labels ...string)
}

// Histogram records an observation into configured buckets.
type Histogram interface{ Observe(v float64, labels ...string) }

// Timer observes the duration since it was created.
type Timer interface{ ObserveDuration(labels ...string) }

// CommonOpts names and labels an instrument.
type CommonOpts struct {
	Namespace, Subsystem, Name, Help string
	Labels                           []string
}

type CounterOpts struct{ CommonOpts }
type GaugeOpts struct{ CommonOpts }
type HistogramOpts struct {
	CommonOpts
	Buckets []float64
}

// Backend selects which Provider implementation the controller constructs
// (spec §4.11 — ControllerConfig.MetricsBackend).
type Backend string

const (
	BackendProm Backend = "prom"
	BackendOTel Backend = "otel"
	BackendNoop Backend = "noop"
)
