package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindred-app/resilsync/classify"
	"github.com/kindred-app/resilsync/contracts"
)

func retryableCls() classify.Classification {
	return classify.Classification{
		Category:  contracts.CategoryNetwork,
		Severity:  contracts.SeverityMedium,
		Retryable: true,
	}
}

func terminalCls() classify.Classification {
	return classify.Classification{
		Category:  contracts.CategorySecurity,
		Severity:  contracts.SeverityHigh,
		Retryable: false,
	}
}

func TestBackoffPolicyDecide(t *testing.T) {
	policy := NewBackoffPolicy(WithJitterMax(0))

	t.Run("retryable failure within budget retries", func(t *testing.T) {
		d := policy.Decide(retryableCls(), 1, 3, false)
		assert.True(t, d.ShouldRetry)
		assert.Equal(t, 500*time.Millisecond, d.Delay)
	})

	t.Run("non-retryable failure never retries", func(t *testing.T) {
		d := policy.Decide(terminalCls(), 1, 3, false)
		assert.False(t, d.ShouldRetry)
		assert.False(t, d.CrisisShortcut)
		assert.ErrorIs(t, d.Reason, ErrNonRetryable)
	})

	t.Run("exhausted budget stops retrying", func(t *testing.T) {
		d := policy.Decide(retryableCls(), 3, 3, false)
		assert.False(t, d.ShouldRetry)
		assert.ErrorIs(t, d.Reason, ErrMaxRetriesExceeded)
	})

	t.Run("positive decisions carry no reason", func(t *testing.T) {
		d := policy.Decide(retryableCls(), 1, 3, false)
		assert.NoError(t, d.Reason)
	})

	t.Run("crisis override shortcuts after one attempt", func(t *testing.T) {
		d := policy.Decide(retryableCls(), 1, 3, true)
		assert.False(t, d.ShouldRetry)
		assert.True(t, d.CrisisShortcut)
	})

	t.Run("crisis with override disabled follows the schedule", func(t *testing.T) {
		p := NewBackoffPolicy(WithJitterMax(0), WithCrisisOverride(false))
		d := p.Decide(retryableCls(), 1, 3, true)
		assert.True(t, d.ShouldRetry)
		assert.False(t, d.CrisisShortcut)
	})

	t.Run("non-retryable crisis does not shortcut", func(t *testing.T) {
		d := policy.Decide(terminalCls(), 1, 3, true)
		assert.False(t, d.ShouldRetry)
		assert.False(t, d.CrisisShortcut)
	})
}

func TestBackoffPolicyNextDelay(t *testing.T) {
	t.Run("grows exponentially without jitter", func(t *testing.T) {
		policy := NewBackoffPolicy(
			WithInitialDelay(100*time.Millisecond),
			WithMultiplier(2.0),
			WithMaxDelay(time.Minute),
			WithJitterMax(0),
		)

		assert.Equal(t, 100*time.Millisecond, policy.NextDelay(1))
		assert.Equal(t, 200*time.Millisecond, policy.NextDelay(2))
		assert.Equal(t, 400*time.Millisecond, policy.NextDelay(3))
		assert.Equal(t, 800*time.Millisecond, policy.NextDelay(4))
	})

	t.Run("caps at max delay", func(t *testing.T) {
		policy := NewBackoffPolicy(
			WithInitialDelay(time.Second),
			WithMultiplier(10.0),
			WithMaxDelay(5*time.Second),
			WithJitterMax(0),
		)

		assert.Equal(t, 5*time.Second, policy.NextDelay(2))
		assert.Equal(t, 5*time.Second, policy.NextDelay(10))
	})

	t.Run("jitter stays within its bound", func(t *testing.T) {
		policy := NewBackoffPolicy(
			WithInitialDelay(time.Second),
			WithJitterMax(100*time.Millisecond),
		)

		for i := 0; i < 50; i++ {
			d := policy.NextDelay(1)
			assert.GreaterOrEqual(t, d, time.Second)
			assert.Less(t, d, time.Second+100*time.Millisecond)
		}
	})

	t.Run("deterministic with pinned randomness", func(t *testing.T) {
		policy := NewBackoffPolicy(
			WithInitialDelay(time.Second),
			WithJitterMax(200*time.Millisecond),
			WithRandSource(func() float64 { return 0.5 }),
		)

		assert.Equal(t, time.Second+100*time.Millisecond, policy.NextDelay(1))
	})

	t.Run("attempt below one clamps to one", func(t *testing.T) {
		policy := NewBackoffPolicy(WithInitialDelay(time.Second), WithJitterMax(0))
		assert.Equal(t, time.Second, policy.NextDelay(0))
	})
}

func TestRetryErrors(t *testing.T) {
	t.Run("retry error unwraps to the last failure", func(t *testing.T) {
		conflict := &contracts.VersionConflictError{EntityID: "e1"}
		err := &RetryError{
			Op:          "sync",
			Attempts:    3,
			MaxAttempts: 3,
			LastError:   conflict,
			Duration:    2 * time.Second,
		}

		var inner *contracts.VersionConflictError
		require.ErrorAs(t, err, &inner)
		assert.Equal(t, "e1", inner.EntityID)
		assert.Contains(t, err.Error(), "3/3 attempts")
	})

	t.Run("breaker error reports state", func(t *testing.T) {
		err := &CircuitBreakerError{
			State:            StateOpen,
			Op:               "allow",
			Failures:         5,
			FailureThreshold: 5,
			NextRetry:        time.Now().Add(time.Minute),
		}

		assert.Contains(t, err.Error(), "circuit breaker open")
		assert.False(t, err.IsRetryable())

		err.NextRetry = time.Now().Add(-time.Minute)
		assert.True(t, err.IsRetryable())
	})
}
