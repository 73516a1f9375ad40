// Package telemetry implements the PRFC latency statistics engine (C2): a
// bounded latency ring, EWMA, and OLS slope over the ring's index (spec §4.2).
package telemetry

// Sample is one latency reading recorded into a Ring.
type Sample struct {
	TsMs      int64
	LatencyMs float64
}

// Ring is a bounded FIFO of up to W samples; on overflow the oldest sample
// is dropped (spec §3 LatencyRing, I3).
type Ring struct {
	size    int
	samples []Sample
}

// NewRing constructs a Ring with the given hard capacity.
func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{size: size}
}

// Push appends a sample, evicting the oldest if the ring is at capacity.
func (r *Ring) Push(s Sample) {
	r.samples = append(r.samples, s)
	if len(r.samples) > r.size {
		r.samples = r.samples[len(r.samples)-r.size:]
	}
}

// Len returns the current sample count.
func (r *Ring) Len() int { return len(r.samples) }

// Samples returns the ring contents oldest-first. Callers must not mutate
// the returned slice.
func (r *Ring) Samples() []Sample { return r.samples }

// Slope computes the OLS linear-regression gradient of latency against the
// sample's 0-based ring index. Returns 0 when the ring has fewer than two
// samples or the index variance is degenerate (spec §4.2, P6).
func (r *Ring) Slope() float64 {
	n := len(r.samples)
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumX2 float64
	for i, s := range r.samples {
		x := float64(i)
		y := s.LatencyMs
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}
	nf := float64(n)
	denom := nf*sumX2 - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (nf*sumXY - sumX*sumY) / denom
}

// EWMA holds the exponentially weighted moving average of a latency series.
// The first sample initialises the value directly rather than blending with
// zero (spec §4.2, I4).
type EWMA struct {
	alpha       float64
	value       float64
	initialised bool
}

// NewEWMA constructs an EWMA with the given smoothing factor alpha ∈ (0,1].
func NewEWMA(alpha float64) *EWMA {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	return &EWMA{alpha: alpha}
}

// Update folds x into the series and returns the new value.
func (e *EWMA) Update(x float64) float64 {
	if !e.initialised {
		e.value = x
		e.initialised = true
		return e.value
	}
	e.value = e.alpha*x + (1-e.alpha)*e.value
	return e.value
}

// Value returns the current EWMA (0 if no sample has been observed).
func (e *EWMA) Value() float64 { return e.value }

// Initialised reports whether at least one sample has been observed.
func (e *EWMA) Initialised() bool { return e.initialised }

// Series is the combined per-path (or aggregate) telemetry state: a bounded
// ring feeding both an EWMA and an OLS slope.
type Series struct {
	Ring *Ring
	Ewma *EWMA
}

// NewSeries constructs a Series with window size w and EWMA factor alpha.
func NewSeries(w int, alpha float64) *Series {
	return &Series{Ring: NewRing(w), Ewma: NewEWMA(alpha)}
}

// Observe records a latency sample at tsMs, updating both the ring and the
// EWMA, and returns the resulting (ewma, slope) pair.
func (s *Series) Observe(tsMs int64, latencyMs float64) (ewma float64, slope float64) {
	s.Ring.Push(Sample{TsMs: tsMs, LatencyMs: latencyMs})
	ewma = s.Ewma.Update(latencyMs)
	slope = s.Ring.Slope()
	return ewma, slope
}

// Reset clears the ring and the EWMA back to uninitialised (used when the
// rebalancer restarts the debounce window, spec §4.5 step 8).
func (s *Series) Reset() {
	s.Ring.samples = nil
	s.Ewma.value = 0
	s.Ewma.initialised = false
}
