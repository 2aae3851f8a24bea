// Package syncer contains the resilience orchestrator: the pipeline that
// takes a sync request through circuit breaker gating, the remote attempt,
// failure classification, backoff retries, and persistence on exhaustion.
// Crisis requests bypass the pipeline entirely and are handed to the crisis
// fast-path.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/kindred-app/resilsync/classify"
	"github.com/kindred-app/resilsync/conflict"
	"github.com/kindred-app/resilsync/contracts"
	"github.com/kindred-app/resilsync/crisis"
	"github.com/kindred-app/resilsync/internal/clock"
	"github.com/kindred-app/resilsync/internal/journal"
	"github.com/kindred-app/resilsync/internal/reliability"
	"github.com/kindred-app/resilsync/queue"
)

// Orchestrator wires the resilience components together per request.
// It owns the circuit breaker and persistence queue for its lifetime.
type Orchestrator struct {
	classifier *classify.Classifier
	policy     *reliability.BackoffPolicy
	breaker    *reliability.CircuitBreaker
	queue      *queue.PersistenceQueue
	resolver   *conflict.Resolver
	fastPath   *crisis.FastPath
	journal    *journal.AuditJournal
	clk        clock.Clock
	logger     *slog.Logger

	attemptTimeout     time.Duration
	defaultMaxAttempts int
	maxQueueSize       int

	mu                 sync.Mutex
	totalSyncs         int64
	totalSuccesses     int64
	totalFallbacks     int64
	totalFailures      int64
	totalCrisis        int64
	conflictsResolved  int64
	failuresByCategory map[contracts.Category]int64
}

// Config carries the orchestrator's collaborators and tuning. All values
// are explicit; New applies defaults only for absent optional pieces.
type Config struct {
	Classifier *classify.Classifier
	Policy     *reliability.BackoffPolicy
	Breaker    *reliability.CircuitBreaker
	Queue      *queue.PersistenceQueue
	Resolver   *conflict.Resolver
	FastPath   *crisis.FastPath
	Journal    *journal.AuditJournal
	Clock      clock.Clock
	Logger     *slog.Logger

	// AttemptTimeout bounds each remote attempt; expiry classifies as a
	// timeout failure.
	AttemptTimeout time.Duration
	// DefaultMaxAttempts applies when a request does not set MaxRetries.
	DefaultMaxAttempts int
	// MaxQueueSize mirrors the queue's bound for health pressure reporting.
	MaxQueueSize int
}

// New creates an orchestrator from config.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		classifier:         cfg.Classifier,
		policy:             cfg.Policy,
		breaker:            cfg.Breaker,
		queue:              cfg.Queue,
		resolver:           cfg.Resolver,
		fastPath:           cfg.FastPath,
		journal:            cfg.Journal,
		clk:                cfg.Clock,
		logger:             cfg.Logger,
		attemptTimeout:     cfg.AttemptTimeout,
		defaultMaxAttempts: cfg.DefaultMaxAttempts,
		maxQueueSize:       cfg.MaxQueueSize,
		failuresByCategory: make(map[contracts.Category]int64),
	}

	if o.classifier == nil {
		o.classifier = classify.NewClassifier()
	}
	if o.policy == nil {
		o.policy = reliability.NewBackoffPolicy()
	}
	if o.breaker == nil {
		o.breaker = reliability.NewCircuitBreaker()
	}
	if o.resolver == nil {
		o.resolver = conflict.NewResolver()
	}
	if o.journal == nil {
		o.journal = journal.NewAuditJournal()
	}
	if o.clk == nil {
		o.clk = clock.New()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.fastPath == nil {
		o.fastPath = crisis.NewFastPath(crisis.WithLogger(o.logger), crisis.WithClock(o.clk))
	}
	if o.attemptTimeout <= 0 {
		o.attemptTimeout = 10 * time.Second
	}
	if o.defaultMaxAttempts <= 0 {
		o.defaultMaxAttempts = 3
	}

	return o
}

// Breaker exposes the owned circuit breaker for listener registration.
func (o *Orchestrator) Breaker() *reliability.CircuitBreaker { return o.breaker }

// Journal exposes the audit journal.
func (o *Orchestrator) Journal() *journal.AuditJournal { return o.journal }

// ExecuteResilientSync runs one request through the resilience pipeline.
// Recoverable failures never surface as hard errors: the result reports
// fallback and queueing instead. Crisis requests route to the fast-path.
func (o *Orchestrator) ExecuteResilientSync(ctx context.Context, req *contracts.SyncRequest, remote contracts.RemoteSyncInvoker) *contracts.SyncResult {
	if req.IsCrisis() {
		return o.executeCrisis(ctx, req, remote)
	}

	o.mu.Lock()
	o.totalSyncs++
	o.mu.Unlock()

	start := o.clk.Now()
	maxAttempts := req.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = o.defaultMaxAttempts
	}

	result := &contracts.SyncResult{}
	working := *req

	var lastCls classify.Classification
	var lastErr error

	for attempt := 1; ; attempt++ {
		result.Metrics.TotalAttempts = attempt

		if err := o.breaker.Allow(false); err != nil {
			// Short-circuited: skip the attempt and defer the work.
			result.Metrics.TotalAttempts = attempt - 1
			o.logger.Info("circuit open, deferring operation",
				"operationId", req.OperationID,
			)
			return o.finishWithFallback(ctx, &working, result, o.classifier.Classify(err), err, start)
		}

		remoteResult, err := o.attemptOnce(ctx, &working, remote)
		if err == nil {
			o.breaker.RecordSuccess()
			result.Success = true
			result.Remote = remoteResult
			result.Metrics.TotalTime = o.clk.Now().Sub(start)
			o.recordOutcome(journal.EventSyncSuccess, &working, "", attempt)
			o.mu.Lock()
			o.totalSuccesses++
			o.mu.Unlock()
			return result
		}

		var conflictErr *contracts.VersionConflictError
		if errors.As(err, &conflictErr) {
			resolved, resolveErr := o.resolveInline(&working, conflictErr)
			if resolveErr == nil && resolved {
				result.ConflictResolved = true
				// The remote answered; reconciliation is local work, not a
				// dependency failure.
				o.breaker.RecordSuccess()
				continue
			}
			// Unresolvable conflict surfaces immediately.
			lastCls = o.classifier.Classify(err)
			lastErr = err
			return o.finishWithFailure(&working, result, lastCls, lastErr, start)
		}

		o.breaker.RecordFailure()
		lastCls = o.classifier.Classify(err)
		lastErr = err

		o.mu.Lock()
		o.failuresByCategory[lastCls.Category]++
		o.mu.Unlock()

		if !lastCls.Retryable {
			// Security and data failures are never retried.
			return o.finishWithFailure(&working, result, lastCls, lastErr, start)
		}

		decision := o.policy.Decide(lastCls, attempt, maxAttempts, false)
		if !decision.ShouldRetry {
			if errors.Is(decision.Reason, reliability.ErrMaxRetriesExceeded) {
				lastErr = &reliability.RetryError{
					Op:          req.OperationID,
					Attempts:    attempt,
					MaxAttempts: maxAttempts,
					LastError:   lastErr,
					Duration:    o.clk.Now().Sub(start),
				}
			}
			return o.finishWithFallback(ctx, &working, result, lastCls, lastErr, start)
		}

		o.logger.Debug("retrying after backoff",
			"operationId", req.OperationID,
			"attempt", attempt,
			"delay", decision.Delay.String(),
			"category", string(lastCls.Category),
		)

		if err := o.clk.Sleep(ctx, decision.Delay); err != nil {
			// Caller abandoned the wait. The data still must not be lost:
			// finish the persistence side-effect on a detached context.
			return o.finishWithFallback(context.WithoutCancel(ctx), &working, result, lastCls, lastErr, start)
		}
		working.RetryCount = attempt
	}
}

// executeCrisis routes a crisis request to the fast-path and adapts its
// result to the sync result shape.
func (o *Orchestrator) executeCrisis(ctx context.Context, req *contracts.SyncRequest, remote contracts.RemoteSyncInvoker) *contracts.SyncResult {
	o.mu.Lock()
	o.totalCrisis++
	o.mu.Unlock()

	emergency := &contracts.CrisisContext{
		EmergencyID: req.OperationID,
		Payload:     req.Payload,
		TriggeredAt: req.SubmittedAt,
	}

	crisisResult := o.fastPath.Handle(ctx, emergency, remote)
	o.recordOutcome(journal.EventCrisisHandled, req, outcomeOf(crisisResult), 1)

	return &contracts.SyncResult{
		Success:           true,
		FallbackTriggered: crisisResult.FallbackTriggered,
		QueuedForLater:    crisisResult.QueuedForLater,
		Metrics: contracts.PerformanceMetrics{
			TotalAttempts: 1,
			TotalTime:     crisisResult.Elapsed,
		},
	}
}

// HandleCrisisEmergency handles an emergency directly, returning the full
// crisis result shape.
func (o *Orchestrator) HandleCrisisEmergency(ctx context.Context, emergency *contracts.CrisisContext, remote contracts.RemoteSyncInvoker) *contracts.CrisisResult {
	o.mu.Lock()
	o.totalCrisis++
	o.mu.Unlock()

	result := o.fastPath.Handle(ctx, emergency, remote)
	o.journal.Record(&journal.Entry{
		Event:       journal.EventCrisisHandled,
		OperationID: emergency.EmergencyID,
		EntityID:    emergency.Payload.EntityID,
		Outcome:     outcomeOf(result),
	})
	return result
}

// attemptOnce performs a single bounded remote attempt.
func (o *Orchestrator) attemptOnce(ctx context.Context, req *contracts.SyncRequest, remote contracts.RemoteSyncInvoker) (*contracts.RemoteResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, o.attemptTimeout)
	defer cancel()

	o.recordOutcome(journal.EventSyncAttempt, req, "", req.RetryCount+1)
	return remote.Invoke(attemptCtx, req)
}

// resolveInline reconciles a version conflict into the working request so
// the next attempt submits the resolution. Returns false when the strategy
// rejects resolution.
func (o *Orchestrator) resolveInline(working *contracts.SyncRequest, conflictErr *contracts.VersionConflictError) (bool, error) {
	rec, err := o.resolver.Resolve(working.Payload, conflictErr.Remote, conflict.Strategy(working.ConflictStrategy))
	o.journal.Record(&journal.Entry{
		Event:       journal.EventConflictResolved,
		OperationID: working.OperationID,
		EntityID:    rec.EntityID,
		Outcome:     rec.Winner,
		Detail: map[string]string{
			"strategy":      string(rec.Strategy),
			"dataIntegrity": string(rec.DataIntegrity),
		},
	})
	if err != nil || rec.Resolution == nil {
		return false, err
	}

	o.mu.Lock()
	o.conflictsResolved++
	o.mu.Unlock()

	working.Payload = *rec.Resolution
	return true, nil
}

// ResolveConflict is the public pass-through to the conflict resolver with
// audit-trail attachment.
func (o *Orchestrator) ResolveConflict(local, remote contracts.SyncPayload, strategy conflict.Strategy) (conflict.Record, error) {
	rec, err := o.resolver.Resolve(local, remote, strategy)

	o.journal.Record(&journal.Entry{
		Event:    journal.EventConflictResolved,
		EntityID: rec.EntityID,
		Outcome:  rec.Winner,
		Detail: map[string]string{
			"strategy":      string(rec.Strategy),
			"dataIntegrity": string(rec.DataIntegrity),
			"resolved":      boolString(rec.Resolved),
		},
	})

	if err == nil && rec.Resolved {
		o.mu.Lock()
		o.conflictsResolved++
		o.mu.Unlock()
	}

	return rec, err
}

// RecoverPersistedOperations drains the queue, resubmitting each operation
// through a single-attempt pass of the pipeline. Priority order is
// preserved even under partial failure.
func (o *Orchestrator) RecoverPersistedOperations(ctx context.Context, remote contracts.RemoteSyncInvoker) queue.RecoveryResult {
	if o.queue == nil {
		return queue.RecoveryResult{}
	}

	result := o.queue.Recover(ctx, func(ctx context.Context, req *contracts.SyncRequest) error {
		if err := o.breaker.Allow(req.IsCrisis()); err != nil {
			return err
		}

		working := *req
		_, err := o.attemptOnce(ctx, &working, remote)

		var conflictErr *contracts.VersionConflictError
		if errors.As(err, &conflictErr) {
			resolved, resolveErr := o.resolveInline(&working, conflictErr)
			if resolveErr != nil || !resolved {
				o.breaker.RecordSuccess()
				return err
			}
			_, err = o.attemptOnce(ctx, &working, remote)
		}

		if err != nil {
			o.breaker.RecordFailure()
			return err
		}
		o.breaker.RecordSuccess()
		return nil
	})

	o.journal.Record(&journal.Entry{
		Event:   journal.EventRecovery,
		Outcome: "completed",
		Detail: map[string]string{
			"recovered": intString(result.Recovered),
			"failed":    intString(result.Failed),
			"expired":   intString(result.Expired),
		},
	})

	o.logger.Info("recovery pass completed",
		"recovered", result.Recovered,
		"failed", result.Failed,
		"expired", result.Expired,
	)

	return result
}

// finishWithFallback persists the request and reports a successful fallback:
// the caller is told the data is safely queued, not that it synced. The cause
// carries the failure chain (a RetryError after budget exhaustion) and
// surfaces only when persistence itself fails.
func (o *Orchestrator) finishWithFallback(ctx context.Context, req *contracts.SyncRequest, result *contracts.SyncResult, cls classify.Classification, cause error, start time.Time) *contracts.SyncResult {
	result.Metrics.TotalTime = o.clk.Now().Sub(start)

	if o.queue == nil {
		if cause == nil {
			cause = errors.New("no persistence queue configured")
		}
		return o.failureResult(req, result, cls, cause)
	}

	enq, err := o.queue.Enqueue(ctx, req, cls.Category)
	if err != nil {
		// Recovery storage also failed; this does surface.
		return o.failureResult(req, result, o.classifier.Classify(err), err)
	}

	result.Success = true
	result.FallbackTriggered = true
	result.QueuedForLater = enq.QueuedForLater
	result.RetryRecommended = true

	o.recordOutcome(journal.EventSyncFallback, req, string(cls.Category), result.Metrics.TotalAttempts)
	o.mu.Lock()
	o.totalFallbacks++
	o.mu.Unlock()

	return result
}

// finishWithFailure surfaces a terminal failure with scrubbed context.
func (o *Orchestrator) finishWithFailure(req *contracts.SyncRequest, result *contracts.SyncResult, cls classify.Classification, err error, start time.Time) *contracts.SyncResult {
	result.Metrics.TotalTime = o.clk.Now().Sub(start)
	return o.failureResult(req, result, cls, err)
}

func (o *Orchestrator) failureResult(req *contracts.SyncRequest, result *contracts.SyncResult, cls classify.Classification, err error) *contracts.SyncResult {
	result.Success = false
	result.RetryRecommended = cls.Retryable
	result.Error = &contracts.SyncError{
		Category:            cls.Category,
		Severity:            cls.Severity,
		Message:             scrubMessage(err),
		OperationID:         req.OperationID,
		CrisisMode:          req.CrisisMode,
		Timestamp:           o.clk.Now(),
		RecoverySuggestions: classify.RecoverySuggestions(cls),
		Context: map[string]string{
			"priority": req.Priority.String(),
			"attempts": intString(result.Metrics.TotalAttempts),
		},
	}

	o.recordOutcome(journal.EventSyncFailure, req, string(cls.Category), result.Metrics.TotalAttempts)
	o.mu.Lock()
	o.totalFailures++
	o.mu.Unlock()

	o.logger.Error("sync failed",
		"operationId", req.OperationID,
		"category", string(cls.Category),
		"severity", string(cls.Severity),
	)

	return result
}

func (o *Orchestrator) recordOutcome(event journal.EventType, req *contracts.SyncRequest, category string, attempts int) {
	o.journal.Record(&journal.Entry{
		Event:       event,
		OperationID: req.OperationID,
		EntityID:    req.Payload.EntityID,
		Category:    category,
		Attempts:    attempts,
	})
}

func outcomeOf(r *contracts.CrisisResult) string {
	if r.RemoteConfirmed {
		return "remote_confirmed"
	}
	return "local_fallback"
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func intString(n int) string {
	return strconv.Itoa(n)
}
