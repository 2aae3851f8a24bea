package reliability

import (
	"fmt"
	"sync"
	"time"

	"github.com/kindred-app/resilsync/internal/clock"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(from, to State, reason string)
}

// StateChangeFunc adapts a function to the StateChangeListener interface.
type StateChangeFunc func(from, to State, reason string)

func (f StateChangeFunc) OnStateChange(from, to State, reason string) { f(from, to, reason) }

// CircuitBreaker gates calls to the remote sync service. Failures are
// counted in a sliding monitoring window; crossing the threshold trips the
// breaker OPEN and short-circuits normal requests until the recovery timeout
// elapses and a bounded number of half-open probes succeed.
//
// Crisis-exempt requests are never gated: Allow returns true for them in
// every state without consuming half-open probe slots.
type CircuitBreaker struct {
	mu              sync.RWMutex
	state           State
	failureTimes    []time.Time
	successes       int
	lastFailureTime time.Time
	currentHalfOpen int
	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64
	totalRejected   int64
	crisisBypasses  int64

	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration
	halfOpenMaxCalls int
	monitoringWindow time.Duration
	crisisExempt     bool
	name             string
	clk              clock.Clock

	listeners []StateChangeListener
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the windowed failure count that trips OPEN
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the probe successes required to close again
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithRecoveryTimeout sets the time spent OPEN before probing
func WithRecoveryTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.recoveryTimeout = timeout
	}
}

// WithHalfOpenMaxCalls sets the max concurrent probes in half-open state
func WithHalfOpenMaxCalls(calls int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenMaxCalls = calls
	}
}

// WithMonitoringWindow sets the sliding window for failure counting
func WithMonitoringWindow(window time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.monitoringWindow = window
	}
}

// WithCrisisExempt controls whether crisis requests bypass the breaker
func WithCrisisExempt(exempt bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.crisisExempt = exempt
	}
}

// WithBreakerName sets the breaker name for identification
func WithBreakerName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithBreakerClock substitutes the clock for deterministic tests
func WithBreakerClock(clk clock.Clock) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.clk = clk
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 3,
		recoveryTimeout:  30 * time.Second,
		halfOpenMaxCalls: 3,
		monitoringWindow: time.Minute,
		crisisExempt:     true,
		name:             "remote-sync",
		clk:              clock.New(),
		listeners:        make([]StateChangeListener, 0),
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Allow reports whether a request may proceed. A nil error means go ahead;
// a *CircuitBreakerError means the call is short-circuited. Crisis-exempt
// requests are always allowed and counted separately.
func (cb *CircuitBreaker) Allow(crisis bool) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	if crisis && cb.crisisExempt {
		cb.crisisBypasses++
		return nil
	}

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		nextRetry := cb.lastFailureTime.Add(cb.recoveryTimeout)
		if cb.clk.Now().After(nextRetry) {
			cb.transition(StateHalfOpen, "recovery timeout expired")
			cb.currentHalfOpen = 1
			cb.successes = 0
			return nil
		}
		cb.totalRejected++
		return &CircuitBreakerError{
			State:            cb.state,
			Op:               "allow",
			Failures:         len(cb.failureTimes),
			FailureThreshold: cb.failureThreshold,
			LastFailure:      cb.lastFailureTime,
			NextRetry:        nextRetry,
		}

	case StateHalfOpen:
		if cb.currentHalfOpen >= cb.halfOpenMaxCalls {
			cb.totalRejected++
			return &CircuitBreakerError{
				State:            cb.state,
				Op:               "allow",
				Failures:         len(cb.failureTimes),
				FailureThreshold: cb.failureThreshold,
				LastFailure:      cb.lastFailureTime,
				NextRetry:        cb.clk.Now().Add(time.Second),
			}
		}
		cb.currentHalfOpen++
		return nil

	default:
		return ErrUnknownState
	}
}

// RecordSuccess records a successful remote call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++
	cb.successes++

	switch cb.state {
	case StateHalfOpen:
		if cb.successes >= cb.successThreshold {
			cb.failureTimes = cb.failureTimes[:0]
			cb.currentHalfOpen = 0
			cb.transition(StateClosed,
				fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold))
		}
	case StateClosed:
		// Success in closed state clears the failure window.
		cb.failureTimes = cb.failureTimes[:0]
	}
}

// RecordFailure records a failed remote call
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clk.Now()
	cb.totalFailures++
	cb.lastFailureTime = now
	cb.failureTimes = append(cb.failureTimes, now)
	cb.pruneWindow(now)

	switch cb.state {
	case StateClosed:
		if len(cb.failureTimes) >= cb.failureThreshold {
			cb.transition(StateOpen,
				fmt.Sprintf("failure threshold reached (%d/%d)", len(cb.failureTimes), cb.failureThreshold))
		}
	case StateHalfOpen:
		// Single failure in half-open moves back to open.
		cb.currentHalfOpen = 0
		cb.transition(StateOpen, "failure in half-open state")
	}

	if cb.state != StateClosed {
		cb.successes = 0
	}
}

// pruneWindow drops failure timestamps older than the monitoring window.
// Caller holds cb.mu.
func (cb *CircuitBreaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-cb.monitoringWindow)
	kept := cb.failureTimes[:0]
	for _, t := range cb.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failureTimes = kept
}

// transition changes state and notifies listeners. Caller holds cb.mu.
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.notifyStateChange(from, to, reason)
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset returns the breaker to closed with cleared counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failureTimes = cb.failureTimes[:0]
	cb.successes = 0
	cb.currentHalfOpen = 0
}

// AddListener adds a state change listener
func (cb *CircuitBreaker) AddListener(listener StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// notifyStateChange notifies all listeners of a state change. Listeners run
// in goroutines so a slow listener cannot hold the breaker lock.
func (cb *CircuitBreaker) notifyStateChange(from, to State, reason string) {
	listeners := make([]StateChangeListener, len(cb.listeners))
	copy(listeners, cb.listeners)

	for _, listener := range listeners {
		go listener.OnStateChange(from, to, reason)
	}
}

// Metrics is a point-in-time snapshot of breaker counters
type Metrics struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	WindowFailures  int       `json:"windowFailures"`
	TotalRequests   int64     `json:"totalRequests"`
	TotalFailures   int64     `json:"totalFailures"`
	TotalSuccesses  int64     `json:"totalSuccesses"`
	TotalRejected   int64     `json:"totalRejected"`
	CrisisBypasses  int64     `json:"crisisBypasses"`
	LastFailureTime time.Time `json:"lastFailureTime"`
	Timestamp       time.Time `json:"timestamp"`
}

// GetMetrics returns a snapshot of the breaker counters
func (cb *CircuitBreaker) GetMetrics() Metrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Metrics{
		Name:            cb.name,
		State:           cb.state.String(),
		WindowFailures:  len(cb.failureTimes),
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		TotalRejected:   cb.totalRejected,
		CrisisBypasses:  cb.crisisBypasses,
		LastFailureTime: cb.lastFailureTime,
		Timestamp:       cb.clk.Now(),
	}
}
