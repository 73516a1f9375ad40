package metrics

import "context"

type noopProvider struct{}
type noopCounter struct{}
type noopGauge struct{}
type noopHistogram struct{}
type noopTimer struct{}

// NewNoopProvider returns a Provider whose instruments discard every observation.
func NewNoopProvider() Provider { return noopProvider{} }

func (noopProvider) NewCounter(CounterOpts) Counter             { return noopCounter{} }
func (noopProvider) NewGauge(GaugeOpts) Gauge                   { return noopGauge{} }
func (noopProvider) NewHistogram(HistogramOpts) Histogram       { return noopHistogram{} }
func (noopProvider) NewTimer(HistogramOpts) func() Timer        { return func() Timer { return noopTimer{} } }
func (noopProvider) Health(context.Context) error               { return nil }
func (noopCounter) Inc(float64, ...string)                      {}
func (noopGauge) Set(float64, ...string)                        {}
func (noopGauge) Add(float64, ...string)                        {}
func (noopHistogram) Observe(float64, ...string)                {}
func (noopTimer) ObserveDuration(...string)                     {}
