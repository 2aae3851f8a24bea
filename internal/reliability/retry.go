package reliability

import (
	"math"
	"math/rand"
	"time"

	"github.com/kindred-app/resilsync/classify"
)

// Decision is the outcome of one retry policy evaluation.
type Decision struct {
	ShouldRetry bool
	Delay       time.Duration
	// CrisisShortcut is set when a crisis request should skip the rest of
	// the backoff schedule and fall through to the crisis fast-path.
	CrisisShortcut bool
	// Reason explains a negative decision: ErrNonRetryable or
	// ErrMaxRetriesExceeded.
	Reason error
}

// BackoffPolicy computes retry decisions from failure classifications.
//
// The delay for attempt n (1-based) is
//
//	min(maxDelay, initialDelay * multiplier^(n-1)) + random(0, jitterMax)
//
// Non-retryable classifications never retry regardless of remaining budget.
// With CrisisOverride enabled, a crisis request gets a single best-effort
// attempt instead of the full exponential sequence.
type BackoffPolicy struct {
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterMax      time.Duration
	CrisisOverride bool

	rng func() float64
}

// BackoffOption configures a BackoffPolicy.
type BackoffOption func(*BackoffPolicy)

// WithInitialDelay sets the first retry delay.
func WithInitialDelay(d time.Duration) BackoffOption {
	return func(p *BackoffPolicy) { p.InitialDelay = d }
}

// WithMaxDelay caps the computed delay before jitter.
func WithMaxDelay(d time.Duration) BackoffOption {
	return func(p *BackoffPolicy) { p.MaxDelay = d }
}

// WithMultiplier sets the exponential growth factor.
func WithMultiplier(m float64) BackoffOption {
	return func(p *BackoffPolicy) { p.Multiplier = m }
}

// WithJitterMax sets the upper bound of the random jitter term. Zero
// disables jitter, which makes delays fully deterministic.
func WithJitterMax(d time.Duration) BackoffOption {
	return func(p *BackoffPolicy) { p.JitterMax = d }
}

// WithCrisisOverride enables the single-attempt shortcut for crisis requests.
func WithCrisisOverride(enabled bool) BackoffOption {
	return func(p *BackoffPolicy) { p.CrisisOverride = enabled }
}

// WithRandSource substitutes the jitter randomness source.
func WithRandSource(rng func() float64) BackoffOption {
	return func(p *BackoffPolicy) { p.rng = rng }
}

// NewBackoffPolicy creates a policy with production defaults.
func NewBackoffPolicy(options ...BackoffOption) *BackoffPolicy {
	p := &BackoffPolicy{
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterMax:      250 * time.Millisecond,
		CrisisOverride: true,
		rng:            rand.Float64,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Decide evaluates whether attempt (1-based, the attempt that just failed)
// should be followed by another try.
func (p *BackoffPolicy) Decide(cls classify.Classification, attempt, maxAttempts int, crisis bool) Decision {
	if !cls.Retryable {
		return Decision{Reason: ErrNonRetryable}
	}

	if crisis && p.CrisisOverride {
		// One best-effort attempt, then hand off to the crisis fast-path
		// rather than making the caller wait through the schedule.
		return Decision{CrisisShortcut: true}
	}

	if attempt >= maxAttempts {
		return Decision{Reason: ErrMaxRetriesExceeded}
	}

	return Decision{ShouldRetry: true, Delay: p.NextDelay(attempt)}
}

// NextDelay computes the backoff delay after the given 1-based attempt.
func (p *BackoffPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterMax > 0 {
		delay += p.rng() * float64(p.JitterMax)
	}

	return time.Duration(delay)
}
