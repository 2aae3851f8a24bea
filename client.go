// Copyright 2025 Resilsync Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package resilsync provides a resilient synchronization engine for
// safety-sensitive client data. It executes sync operations against an
// unreliable remote service behind a circuit breaker, a classifying retry
// policy, and an encrypted durable queue, while guaranteeing that
// crisis operations are never blocked by backend health.
package resilsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kindred-app/resilsync/classify"
	"github.com/kindred-app/resilsync/conflict"
	"github.com/kindred-app/resilsync/contracts"
	"github.com/kindred-app/resilsync/crisis"
	"github.com/kindred-app/resilsync/crypto"
	"github.com/kindred-app/resilsync/health"
	"github.com/kindred-app/resilsync/internal/clock"
	"github.com/kindred-app/resilsync/internal/reliability"
	"github.com/kindred-app/resilsync/queue"
	"github.com/kindred-app/resilsync/storage"
	"github.com/kindred-app/resilsync/syncer"
)

// RetryConfig tunes the backoff schedule.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterMax         time.Duration
	// RetryableErrors and NonRetryableErrors extend the classification
	// table with caller-supplied message patterns.
	RetryableErrors    []string
	NonRetryableErrors []string
	CrisisOverride     bool
}

// DefaultRetryConfig returns production retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterMax:         250 * time.Millisecond,
		CrisisOverride:    true,
	}
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
	SuccessThreshold int
	MonitoringWindow time.Duration
	CrisisExempt     bool
}

// DefaultBreakerConfig returns production breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 3,
		SuccessThreshold: 3,
		MonitoringWindow: time.Minute,
		CrisisExempt:     true,
	}
}

// QueueConfig tunes the persistence queue.
type QueueConfig struct {
	EnablePersistence bool
	MaxQueueSize      int
	EncryptionEnabled bool
	MaxRetention      time.Duration
}

// DefaultQueueConfig returns production queue defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		EnablePersistence: true,
		MaxQueueSize:      1000,
		EncryptionEnabled: true,
		MaxRetention:      72 * time.Hour,
	}
}

// Engine is the main entry point. It owns the circuit breaker and the
// persistence queue for its lifetime; create it once and hold a reference.
// Multiple isolated instances are fine, which tests rely on.
type Engine struct {
	orchestrator *syncer.Orchestrator
	queue        *queue.PersistenceQueue
	store        storage.Store
	ownsStore    bool
	logger       *slog.Logger
}

type engineConfig struct {
	logger          *slog.Logger
	retry           RetryConfig
	breaker         BreakerConfig
	queueCfg        QueueConfig
	store           storage.Store
	storePath       string
	encryptor       crypto.Encryptor
	encryptionKey   []byte
	clk             clock.Clock
	crisisDeadline  time.Duration
	crisisResources []contracts.CrisisResource
	attemptTimeout  time.Duration
	defaultStrategy conflict.Strategy
	extraRules      []classify.Rule
}

// Option configures the engine.
type Option func(*engineConfig)

// WithLogger sets the logger for all components.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *engineConfig) { cfg.logger = logger }
}

// WithRetryConfig replaces the retry configuration.
func WithRetryConfig(rc RetryConfig) Option {
	return func(cfg *engineConfig) { cfg.retry = rc }
}

// WithBreakerConfig replaces the circuit breaker configuration.
func WithBreakerConfig(bc BreakerConfig) Option {
	return func(cfg *engineConfig) { cfg.breaker = bc }
}

// WithQueueConfig replaces the queue configuration.
func WithQueueConfig(qc QueueConfig) Option {
	return func(cfg *engineConfig) { cfg.queueCfg = qc }
}

// WithStore injects the durable store. The caller keeps ownership and must
// close it.
func WithStore(store storage.Store) Option {
	return func(cfg *engineConfig) { cfg.store = store }
}

// WithSQLiteStore opens a SQLite-backed store at path, owned and closed by
// the engine.
func WithSQLiteStore(path string) Option {
	return func(cfg *engineConfig) { cfg.storePath = path }
}

// WithEncryptor injects the payload encryptor.
func WithEncryptor(enc crypto.Encryptor) Option {
	return func(cfg *engineConfig) { cfg.encryptor = enc }
}

// WithEncryptionKey builds an AES-256-GCM encryptor from a master key.
func WithEncryptionKey(key []byte) Option {
	return func(cfg *engineConfig) { cfg.encryptionKey = key }
}

// WithClock substitutes the clock for deterministic tests.
func WithClock(clk clock.Clock) Option {
	return func(cfg *engineConfig) { cfg.clk = clk }
}

// WithCrisisDeadline bounds the crisis fast-path local response time.
func WithCrisisDeadline(d time.Duration) Option {
	return func(cfg *engineConfig) { cfg.crisisDeadline = d }
}

// WithCrisisResources replaces the locally cached safety resource bundle.
func WithCrisisResources(resources []contracts.CrisisResource) Option {
	return func(cfg *engineConfig) { cfg.crisisResources = resources }
}

// WithAttemptTimeout bounds each remote attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) { cfg.attemptTimeout = d }
}

// WithDefaultConflictStrategy sets the strategy used when a request names
// none.
func WithDefaultConflictStrategy(s conflict.Strategy) Option {
	return func(cfg *engineConfig) { cfg.defaultStrategy = s }
}

// WithClassificationRules prepends rules to the classification table.
func WithClassificationRules(rules ...classify.Rule) Option {
	return func(cfg *engineConfig) { cfg.extraRules = append(cfg.extraRules, rules...) }
}

// NewEngine creates a fully wired engine.
func NewEngine(options ...Option) (*Engine, error) {
	cfg := &engineConfig{
		logger:          slog.Default(),
		retry:           DefaultRetryConfig(),
		breaker:         DefaultBreakerConfig(),
		queueCfg:        DefaultQueueConfig(),
		clk:             clock.New(),
		crisisDeadline:  200 * time.Millisecond,
		defaultStrategy: conflict.StrategyClientWins,
	}

	for _, opt := range options {
		opt(cfg)
	}

	store := cfg.store
	ownsStore := false
	if store == nil && cfg.storePath != "" {
		var err error
		store, err = storage.NewSQLiteStore(cfg.storePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open durable store: %w", err)
		}
		ownsStore = true
	}
	if store == nil && cfg.queueCfg.EnablePersistence {
		store = storage.NewMemoryStore()
		ownsStore = true
	}

	encryptor := cfg.encryptor
	if encryptor == nil && cfg.queueCfg.EncryptionEnabled {
		if len(cfg.encryptionKey) == 0 {
			return nil, fmt.Errorf("encryption enabled: %w", crypto.ErrKeyRequired)
		}
		var err error
		encryptor, err = crypto.NewAESEncryptor(cfg.encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
	}

	classifier := classify.NewClassifier(classify.WithRules(buildRules(cfg.retry)...))

	policy := reliability.NewBackoffPolicy(
		reliability.WithInitialDelay(cfg.retry.InitialDelay),
		reliability.WithMaxDelay(cfg.retry.MaxDelay),
		reliability.WithMultiplier(cfg.retry.BackoffMultiplier),
		reliability.WithJitterMax(cfg.retry.JitterMax),
		reliability.WithCrisisOverride(cfg.retry.CrisisOverride),
	)

	breaker := reliability.NewCircuitBreaker(
		reliability.WithFailureThreshold(cfg.breaker.FailureThreshold),
		reliability.WithRecoveryTimeout(cfg.breaker.RecoveryTimeout),
		reliability.WithHalfOpenMaxCalls(cfg.breaker.HalfOpenMaxCalls),
		reliability.WithSuccessThreshold(cfg.breaker.SuccessThreshold),
		reliability.WithMonitoringWindow(cfg.breaker.MonitoringWindow),
		reliability.WithCrisisExempt(cfg.breaker.CrisisExempt),
		reliability.WithBreakerClock(cfg.clk),
	)

	queueOpts := []queue.Option{
		queue.WithMaxQueueSize(cfg.queueCfg.MaxQueueSize),
		queue.WithMaxRetention(cfg.queueCfg.MaxRetention),
		queue.WithLogger(cfg.logger),
		queue.WithClock(cfg.clk),
	}
	if cfg.queueCfg.EnablePersistence {
		queueOpts = append(queueOpts, queue.WithStore(store))
	}
	if cfg.queueCfg.EncryptionEnabled {
		queueOpts = append(queueOpts, queue.WithEncryptor(encryptor))
	}

	persistQueue, err := queue.NewPersistenceQueue(queueOpts...)
	if err != nil {
		if ownsStore && store != nil {
			store.Close()
		}
		return nil, fmt.Errorf("failed to create persistence queue: %w", err)
	}

	crisisOpts := []crisis.Option{
		crisis.WithDeadline(cfg.crisisDeadline),
		crisis.WithEnqueuer(persistQueue),
		crisis.WithLogger(cfg.logger),
		crisis.WithClock(cfg.clk),
	}
	if cfg.crisisResources != nil {
		crisisOpts = append(crisisOpts, crisis.WithResources(cfg.crisisResources))
	}

	orchestrator := syncer.New(syncer.Config{
		Classifier:         classifier,
		Policy:             policy,
		Breaker:            breaker,
		Queue:              persistQueue,
		Resolver:           conflict.NewResolver(conflict.WithDefaultStrategy(cfg.defaultStrategy)),
		FastPath:           crisis.NewFastPath(crisisOpts...),
		Clock:              cfg.clk,
		Logger:             cfg.logger,
		AttemptTimeout:     cfg.attemptTimeout,
		DefaultMaxAttempts: cfg.retry.MaxAttempts,
		MaxQueueSize:       cfg.queueCfg.MaxQueueSize,
	})

	return &Engine{
		orchestrator: orchestrator,
		queue:        persistQueue,
		store:        store,
		ownsStore:    ownsStore,
		logger:       cfg.logger,
	}, nil
}

// buildRules converts caller-supplied error patterns into classification
// rules layered over the default table.
func buildRules(rc RetryConfig) []classify.Rule {
	var rules []classify.Rule
	for _, pattern := range rc.NonRetryableErrors {
		rules = append(rules, classify.Rule{
			Pattern:  pattern,
			Category: contracts.CategoryService,
			Severity: contracts.SeverityHigh,
		})
	}
	for _, pattern := range rc.RetryableErrors {
		rules = append(rules, classify.Rule{
			Pattern:   pattern,
			Category:  contracts.CategoryService,
			Severity:  contracts.SeverityMedium,
			Retryable: true,
		})
	}
	return rules
}

// ExecuteResilientSync runs one sync request through the resilience
// pipeline. Crisis requests route to the crisis fast-path.
func (e *Engine) ExecuteResilientSync(ctx context.Context, req *contracts.SyncRequest, remote contracts.RemoteSyncInvoker) *contracts.SyncResult {
	return e.orchestrator.ExecuteResilientSync(ctx, req, remote)
}

// HandleCrisisEmergency handles a safety-critical emergency. The result
// always reports success within the crisis deadline.
func (e *Engine) HandleCrisisEmergency(ctx context.Context, emergency *contracts.CrisisContext, remote contracts.RemoteSyncInvoker) *contracts.CrisisResult {
	return e.orchestrator.HandleCrisisEmergency(ctx, emergency, remote)
}

// RecoverPersistedOperations drains the queue and resubmits each pending
// operation through the pipeline, in priority-then-FIFO order.
func (e *Engine) RecoverPersistedOperations(ctx context.Context, remote contracts.RemoteSyncInvoker) queue.RecoveryResult {
	return e.orchestrator.RecoverPersistedOperations(ctx, remote)
}

// ResolveConflict reconciles two versions of an entity under a strategy,
// recording the outcome in the audit trail.
func (e *Engine) ResolveConflict(local, remote contracts.SyncPayload, strategy conflict.Strategy) (conflict.Record, error) {
	return e.orchestrator.ResolveConflict(local, remote, strategy)
}

// Statistics returns a read-only aggregate snapshot for monitoring.
func (e *Engine) Statistics() syncer.Statistics {
	return e.orchestrator.GetResilienceStatistics()
}

// HealthStatus rolls breaker state, queue depth, and error rates up into a
// degradation level.
func (e *Engine) HealthStatus(ctx context.Context) health.Report {
	return e.orchestrator.GetHealthStatus(ctx)
}

// Queue exposes the persistence queue for health checks and monitoring.
func (e *Engine) Queue() *queue.PersistenceQueue {
	return e.queue
}

// Close shuts the engine down. Pending durable operations stay in the
// store for the next process lifetime.
func (e *Engine) Close() error {
	if err := e.queue.Close(); err != nil {
		return err
	}
	if e.ownsStore && e.store != nil {
		return e.store.Close()
	}
	return nil
}
