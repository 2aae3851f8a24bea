// Package clock abstracts time for backoff delays and breaker windows so
// timing behavior can be tested without wall-clock waits.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock provides the time operations the engine depends on.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
	// After returns a channel that delivers the current time once d has
	// elapsed.
	After(d time.Duration) <-chan time.Time
}

// New returns a wall-clock implementation.
func New() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fake is a manually advanced clock for deterministic tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	Slept   []time.Duration
	sleepCh chan struct{}
	timers  []*fakeTimer
}

type fakeTimer struct {
	at time.Time
	ch chan time.Time
}

// NewFake creates a fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, sleepCh: make(chan struct{}, 128)}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward, firing any timers that come due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.fireLocked()
	f.mu.Unlock()
}

// After returns a channel fired by a later Advance (or Sleep) that moves the
// fake time past the deadline.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.timers = append(f.timers, &fakeTimer{at: f.now.Add(d), ch: ch})
	return ch
}

// fireLocked delivers due timers. Caller holds f.mu.
func (f *Fake) fireLocked() {
	remaining := f.timers[:0]
	for _, t := range f.timers {
		if t.at.After(f.now) {
			remaining = append(remaining, t)
			continue
		}
		t.ch <- f.now
	}
	f.timers = remaining
}

// Sleep records the requested duration, advances the clock by it, and
// returns immediately so retry loops run without real waits.
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.Slept = append(f.Slept, d)
	f.now = f.now.Add(d)
	f.fireLocked()
	f.mu.Unlock()
	select {
	case f.sleepCh <- struct{}{}:
	default:
	}
	return nil
}

// SleepCount returns how many sleeps were requested.
func (f *Fake) SleepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Slept)
}
