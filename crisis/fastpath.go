// Package crisis implements the guaranteed-success execution route for
// safety-critical operations. The fast-path races one best-effort remote
// attempt against a tight deadline and returns success either way: its
// contract is "the user is not blocked", not "the remote call succeeded".
// Circuit breaker state is never consulted here.
package crisis

import (
	"context"
	"log/slog"
	"time"

	"github.com/kindred-app/resilsync/contracts"
	"github.com/kindred-app/resilsync/internal/clock"
	"github.com/kindred-app/resilsync/queue"
)

// Enqueuer is the slice of the persistence queue the fast-path needs for
// opportunistic, best-effort persistence of crisis payloads.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *contracts.SyncRequest, lastCategory contracts.Category) (queue.EnqueueResult, error)
}

// FastPath handles crisis emergencies with a bounded local response.
//
// The remote attempt runs in its own goroutine detached from the caller's
// cancellation. Handle returns at the earlier of remote completion or the
// crisis deadline; a late or failed attempt still triggers the best-effort
// enqueue so no data is silently lost.
type FastPath struct {
	deadline  time.Duration
	resources []contracts.CrisisResource
	enqueuer  Enqueuer
	logger    *slog.Logger
	clk       clock.Clock
}

// Option configures the fast-path.
type Option func(*FastPath)

// WithDeadline bounds the end-to-end local response time.
func WithDeadline(d time.Duration) Option {
	return func(f *FastPath) { f.deadline = d }
}

// WithResources replaces the locally cached safety resource bundle.
func WithResources(resources []contracts.CrisisResource) Option {
	return func(f *FastPath) { f.resources = resources }
}

// WithEnqueuer wires the persistence queue for opportunistic enqueue.
func WithEnqueuer(e Enqueuer) Option {
	return func(f *FastPath) { f.enqueuer = e }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *FastPath) { f.logger = logger }
}

// WithClock substitutes the clock used for the deadline and elapsed
// measurements.
func WithClock(clk clock.Clock) Option {
	return func(f *FastPath) { f.clk = clk }
}

// DefaultResources returns the built-in safety bundle, available purely
// from local state regardless of network status.
func DefaultResources() []contracts.CrisisResource {
	return []contracts.CrisisResource{
		{Name: "Suicide & Crisis Lifeline", Kind: "hotline", Contact: "988", Description: "24/7 phone and chat support"},
		{Name: "Crisis Text Line", Kind: "textline", Contact: "741741", Description: "Text HOME for 24/7 support"},
		{Name: "Emergency Services", Kind: "emergency", Contact: "911"},
		{Name: "Personal Safety Plan", Kind: "safety_plan", Description: "Locally cached coping steps and contacts"},
	}
}

// NewFastPath creates a crisis fast-path.
func NewFastPath(options ...Option) *FastPath {
	f := &FastPath{
		deadline:  200 * time.Millisecond,
		resources: DefaultResources(),
		logger:    slog.Default(),
		clk:       clock.New(),
	}

	for _, opt := range options {
		opt(f)
	}

	return f
}

// Handle executes the crisis emergency. The result always reports success;
// RemoteConfirmed and FallbackTriggered tell the two outcomes apart.
func (f *FastPath) Handle(ctx context.Context, emergency *contracts.CrisisContext, remote contracts.RemoteSyncInvoker) *contracts.CrisisResult {
	start := f.clk.Now()

	result := &contracts.CrisisResult{
		Success:            true,
		CrisisOverrideUsed: true,
		Resources:          f.resources,
	}

	req := &contracts.SyncRequest{
		OperationID: emergency.EmergencyID,
		Priority:    contracts.PriorityCriticalSafety,
		Payload:     emergency.Payload,
		CrisisMode:  true,
		MaxRetries:  1,
		SubmittedAt: emergency.TriggeredAt,
	}

	f.logger.Info("crisis emergency received",
		"emergencyId", emergency.EmergencyID,
		"userId", emergency.UserID,
		"deviceId", emergency.DeviceID,
	)

	done := make(chan error, 1)
	// Detached from the caller: the attempt and any resulting enqueue must
	// complete even if the caller stops waiting.
	attemptCtx := context.WithoutCancel(ctx)
	go func() {
		_, err := remote.Invoke(attemptCtx, req)
		if err != nil {
			f.persistBestEffort(attemptCtx, req)
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			result.RemoteConfirmed = true
			f.logger.Info("crisis sync confirmed by remote", "emergencyId", emergency.EmergencyID)
		} else {
			result.FallbackTriggered = true
			result.QueuedForLater = f.enqueuer != nil
			f.logger.Warn("crisis remote attempt failed, serving local resources",
				"emergencyId", emergency.EmergencyID,
			)
		}
	case <-f.clk.After(f.deadline):
		// Deadline wins the race; the attempt keeps running in the
		// background and persists itself on failure.
		result.FallbackTriggered = true
		result.QueuedForLater = f.enqueuer != nil
		f.logger.Warn("crisis deadline reached before remote completion",
			"emergencyId", emergency.EmergencyID,
			"deadline", f.deadline.String(),
		)
	}

	result.Elapsed = f.clk.Now().Sub(start)
	return result
}

// persistBestEffort enqueues the crisis payload for eventual reconciliation.
// A queue or encryption failure here is logged and dropped: nothing may
// gate the emergency response, which has already been decided.
func (f *FastPath) persistBestEffort(ctx context.Context, req *contracts.SyncRequest) {
	if f.enqueuer == nil {
		return
	}

	if _, err := f.enqueuer.Enqueue(ctx, req, contracts.CategoryNetwork); err != nil {
		f.logger.Error("crisis payload could not be queued",
			"emergencyId", req.OperationID,
			"error", err,
		)
	}
}
