package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealClockSleep(t *testing.T) {
	c := New()

	t.Run("non-positive duration returns immediately", func(t *testing.T) {
		assert.NoError(t, c.Sleep(context.Background(), 0))
	})

	t.Run("cancelled context interrupts the wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := c.Sleep(ctx, time.Minute)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	f := NewFake(start)

	assert.Equal(t, start, f.Now())

	f.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), f.Now())

	require.NoError(t, f.Sleep(context.Background(), 30*time.Minute))
	assert.Equal(t, start.Add(90*time.Minute), f.Now())
	assert.Equal(t, 1, f.SleepCount())
	assert.Equal(t, []time.Duration{30 * time.Minute}, f.Slept)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, f.Sleep(ctx, time.Minute))
	assert.Equal(t, 1, f.SleepCount())
}

func TestFakeClockAfter(t *testing.T) {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	t.Run("fires once advanced past the deadline", func(t *testing.T) {
		f := NewFake(start)
		ch := f.After(time.Minute)

		select {
		case <-ch:
			t.Fatal("timer fired before the clock moved")
		default:
		}

		f.Advance(30 * time.Second)
		select {
		case <-ch:
			t.Fatal("timer fired early")
		default:
		}

		f.Advance(30 * time.Second)
		select {
		case at := <-ch:
			assert.Equal(t, start.Add(time.Minute), at)
		default:
			t.Fatal("timer did not fire at the deadline")
		}
	})

	t.Run("non-positive duration fires immediately", func(t *testing.T) {
		f := NewFake(start)
		select {
		case <-f.After(0):
		default:
			t.Fatal("zero-duration timer did not fire")
		}
	})

	t.Run("sleep moves timers too", func(t *testing.T) {
		f := NewFake(start)
		ch := f.After(time.Minute)
		require.NoError(t, f.Sleep(context.Background(), 2*time.Minute))
		select {
		case <-ch:
		default:
			t.Fatal("timer did not fire during sleep")
		}
	})
}

func TestRealClockAfter(t *testing.T) {
	select {
	case <-New().After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}
