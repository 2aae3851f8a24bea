package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownState indicates an unreachable breaker state
	ErrUnknownState = errors.New("circuit breaker: unknown state")

	// ErrMaxRetriesExceeded indicates the retry budget was exhausted
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")

	// ErrNonRetryable indicates the failure class forbids retrying
	ErrNonRetryable = errors.New("retry: error is not retryable")
)

// CircuitBreakerError is returned when a call is short-circuited
type CircuitBreakerError struct {
	State            State
	Op               string
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		return fmt.Sprintf("circuit breaker open: %s blocked (failures=%d/%d)",
			e.Op, e.Failures, e.FailureThreshold)
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker half-open: %s limited", e.Op)
	default:
		return fmt.Sprintf("circuit breaker error: %s in state %v", e.Op, e.State)
	}
}

// IsRetryable marks short-circuits as retryable once the breaker probes again.
func (e *CircuitBreakerError) IsRetryable() bool {
	return time.Now().After(e.NextRetry)
}

// RetryError wraps the last failure after the retry budget is exhausted
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}
