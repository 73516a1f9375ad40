// Package breaker implements the PRFC outbound call shaping layer (C13,
// spec §4.14): one adaptive rate limiter / circuit breaker per downstream
// tier target, guarding the health poller's probe calls (the dispatcher
// does not consult a breaker). Adapted from the teacher's per-domain
// ratelimit package (token bucket + sliding window + circuit breaker),
// rekeyed from domain name to downstream tier.
package breaker

import (
	"math"
	"sync"
	"time"
)

// Config parametrises one tier's breaker/limiter (spec §4.14, P11).
type Config struct {
	InitialRPS               float64
	MinRPS                   float64
	MaxRPS                   float64
	TokenBucketCapacity      float64
	AIMDIncrease             float64
	AIMDDecrease             float64
	LatencyTarget            time.Duration
	LatencyDegradeFactor     float64
	StatsWindow              time.Duration
	StatsBucket              time.Duration
	OpenStateDuration        time.Duration
	ConsecutiveFailThreshold int
	ErrorRateThreshold       float64
	MinSamplesToTrip         int
	HalfOpenProbes           int
}

// DefaultConfig returns reasonable defaults for a downstream tier target.
func DefaultConfig() Config {
	return Config{
		InitialRPS:               20,
		MinRPS:                   1,
		MaxRPS:                   100,
		AIMDIncrease:             1,
		AIMDDecrease:             0.5,
		LatencyTarget:            200 * time.Millisecond,
		LatencyDegradeFactor:     2,
		StatsWindow:              30 * time.Second,
		StatsBucket:              2 * time.Second,
		OpenStateDuration:        10 * time.Second,
		ConsecutiveFailThreshold: 5,
		ErrorRateThreshold:       0.5,
		MinSamplesToTrip:         5,
		HalfOpenProbes:           2,
	}
}

// Feedback is the observed outcome of one outbound call, fed back via
// RecordResult to drive AIMD and breaker-state transitions.
type Feedback struct {
	Latency    time.Duration
	StatusCode int
	Err        error
	RetryAfter time.Duration
}

// State is the circuit breaker's position (spec §4.14).
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// Breaker gates calls to downstream tier targets: Allow reports whether a
// new call may be attempted; RecordResult folds the outcome back into the
// token bucket fill rate and the breaker state machine.
type Breaker struct {
	mu sync.Mutex

	cfg Config
	now func() time.Time

	bucket   *tokenBucket
	fillRate float64

	latencyEWMA float64
	window      *slidingWindow

	state             State
	openedAt          time.Time
	halfOpenSuccesses int
	consecutiveFails  int
}

const latencyEWMALambda = 0.2

// New constructs a Breaker for one downstream target.
func New(cfg Config) *Breaker {
	now := time.Now
	fill := clampFloat(cfg.InitialRPS, cfg.MinRPS, cfg.MaxRPS)
	capacity := cfg.TokenBucketCapacity
	if capacity <= 0 {
		capacity = fill
	}
	windowDur := cfg.StatsWindow
	if windowDur <= 0 {
		windowDur = 30 * time.Second
	}
	bucketDur := cfg.StatsBucket
	if bucketDur <= 0 {
		bucketDur = 2 * time.Second
	}
	return &Breaker{
		cfg:         cfg,
		now:         now,
		bucket:      newTokenBucket(capacity, fill, now()),
		fillRate:    fill,
		latencyEWMA: float64(cfg.LatencyTarget),
		window:      newSlidingWindow(windowDur, bucketDur),
		state:       StateClosed,
	}
}

// SetClock overrides the time source (tests only).
func (b *Breaker) SetClock(clock func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = clock
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a new outbound call may be attempted, transitioning
// open→half-open once the cooldown window has elapsed (spec §4.14).
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= effectiveOpenDuration(b.cfg.OpenStateDuration) {
			b.state = StateHalfOpen
			b.halfOpenSuccesses = 0
			return true
		}
		return false
	default: // StateHalfOpen
		return true
	}
}

// Reserve draws amount tokens from the bucket, returning the wait duration
// needed if tokens are insufficient (0, true if immediately available).
func (b *Breaker) Reserve(amount float64) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bucket.Reserve(b.now(), amount)
}

// RecordResult folds one call's outcome into the AIMD fill rate and the
// circuit breaker's state machine (spec §4.14, grounded on the teacher's
// domainState.applyFeedback).
func (b *Breaker) RecordResult(fb Feedback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.bucket.refill(now)

	observed := fb.Latency
	if observed <= 0 {
		observed = b.cfg.LatencyTarget
	}
	b.latencyEWMA = (1-latencyEWMALambda)*b.latencyEWMA + latencyEWMALambda*float64(observed)

	shouldDecrease := isThrottleStatus(fb.StatusCode) || isServerErrorStatus(fb.StatusCode) || fb.Err != nil
	if !shouldDecrease {
		degradeThreshold := time.Duration(float64(b.cfg.LatencyTarget) * b.cfg.LatencyDegradeFactor)
		if degradeThreshold <= 0 {
			degradeThreshold = 2 * b.cfg.LatencyTarget
		}
		if observed >= degradeThreshold {
			shouldDecrease = true
		}
	}

	if shouldDecrease {
		b.fillRate = math.Max(b.cfg.MinRPS, b.fillRate*b.cfg.AIMDDecrease)
	} else if isSuccessfulStatus(fb.StatusCode) {
		b.fillRate = math.Min(b.cfg.MaxRPS, b.fillRate+b.cfg.AIMDIncrease)
	}
	b.bucket.setFillRate(b.fillRate)

	isError := isErrorFeedback(fb)
	b.window.record(now, 1, boolToInt(isError))

	if isError {
		b.consecutiveFails++
	} else if isSuccessfulStatus(fb.StatusCode) {
		b.consecutiveFails = 0
	}

	total, _ := b.window.snapshot(now)
	errorRate := b.window.errorRate(now)
	b.updateStateAfterFeedback(now, isError, isSuccessfulStatus(fb.StatusCode), errorRate, total)
}

func (b *Breaker) updateStateAfterFeedback(now time.Time, isError, success bool, errorRate float64, total int) {
	switch b.state {
	case StateClosed:
		minSamples := b.cfg.MinSamplesToTrip
		if minSamples <= 0 {
			minSamples = 1
		}
		if (b.cfg.ErrorRateThreshold > 0 && total >= minSamples && errorRate >= b.cfg.ErrorRateThreshold) ||
			(b.cfg.ConsecutiveFailThreshold > 0 && b.consecutiveFails >= b.cfg.ConsecutiveFailThreshold) {
			b.open(now)
		}
	case StateOpen:
		if now.Sub(b.openedAt) >= effectiveOpenDuration(b.cfg.OpenStateDuration) {
			b.state = StateHalfOpen
			b.halfOpenSuccesses = 0
		}
	case StateHalfOpen:
		if isError {
			b.open(now)
			return
		}
		if success {
			probes := b.cfg.HalfOpenProbes
			if probes <= 0 {
				probes = 1
			}
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= probes {
				b.state = StateClosed
				b.consecutiveFails = 0
				b.halfOpenSuccesses = 0
			}
		}
	}
}

func (b *Breaker) open(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.halfOpenSuccesses = 0
}

func effectiveOpenDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

func clampFloat(value, min, max float64) float64 {
	if min > 0 && value < min {
		value = min
	}
	if max > 0 && value > max {
		value = max
	}
	return value
}

func isSuccessfulStatus(code int) bool { return code >= 200 && code < 400 }
func isThrottleStatus(code int) bool   { return code == 429 || code == 503 }
func isServerErrorStatus(code int) bool { return code >= 500 && code < 600 }

func isErrorFeedback(fb Feedback) bool {
	if fb.Err != nil {
		return true
	}
	return isThrottleStatus(fb.StatusCode) || isServerErrorStatus(fb.StatusCode)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
