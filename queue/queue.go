// Package queue implements the encrypted persistence queue: a durable,
// priority-then-FIFO store of sync operations that could not complete
// immediately. Payloads are encrypted before they touch the durable store
// and decrypted only on recovery. Log and error surfaces derived from queue
// contents carry identifiers and categories, never payload content.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kindred-app/resilsync/contracts"
	"github.com/kindred-app/resilsync/crypto"
	"github.com/kindred-app/resilsync/internal/clock"
	"github.com/kindred-app/resilsync/storage"
)

var (
	// ErrQueueFull indicates the queue rejected the operation because no
	// lower-priority entry could make room for it
	ErrQueueFull = errors.New("queue: full, operation rejected")

	// ErrQueueClosed indicates the queue was shut down
	ErrQueueClosed = errors.New("queue: closed")
)

// QueuedOperation is a sync request held for later recovery, plus its
// retry lineage.
type QueuedOperation struct {
	Request      contracts.SyncRequest
	EnqueuedAt   time.Time
	Attempts     int
	LastCategory contracts.Category

	seq uint64
}

// ExpiryListener observes operations dropped at max retention age. Expiry
// is data loss by policy and must be observable, never silent.
type ExpiryListener interface {
	OnExpired(op *QueuedOperation, age time.Duration)
}

// ExpiryFunc adapts a function to the ExpiryListener interface.
type ExpiryFunc func(op *QueuedOperation, age time.Duration)

func (f ExpiryFunc) OnExpired(op *QueuedOperation, age time.Duration) { f(op, age) }

// EnqueueResult reports the outcome of an enqueue.
type EnqueueResult struct {
	Success        bool `json:"success"`
	QueuedForLater bool `json:"queuedForLater"`
	Evicted        bool `json:"evicted"`
}

// RecoveryResult summarizes one recovery pass.
type RecoveryResult struct {
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Depth               int            `json:"depth"`
	ByPriority          map[string]int `json:"byPriority"`
	TotalEnqueued       int64          `json:"totalEnqueued"`
	TotalRecovered      int64          `json:"totalRecovered"`
	TotalExpired        int64          `json:"totalExpired"`
	TotalEvicted        int64          `json:"totalEvicted"`
	TotalRejected       int64          `json:"totalRejected"`
	EncryptionFailures  int64          `json:"encryptionFailures"`
	PersistenceFailures int64          `json:"persistenceFailures"`
}

// PersistenceQueue holds deferred operations ordered by priority then
// enqueue time. All state transitions serialize through a single mutex so
// concurrent enqueues cannot race past the capacity check.
type PersistenceQueue struct {
	mu      sync.Mutex
	items   opHeap
	byID    map[string]*QueuedOperation
	nextSeq uint64
	closed  bool

	maxQueueSize      int
	maxRetention      time.Duration
	enablePersistence bool
	encryptionEnabled bool

	store     storage.Store
	encryptor crypto.Encryptor
	clk       clock.Clock
	logger    *slog.Logger
	expiry    ExpiryListener

	totalEnqueued       int64
	totalRecovered      int64
	totalExpired        int64
	totalEvicted        int64
	totalRejected       int64
	encryptionFailures  int64
	persistenceFailures int64
}

// Option configures the persistence queue.
type Option func(*PersistenceQueue)

// WithMaxQueueSize bounds the number of pending operations.
func WithMaxQueueSize(size int) Option {
	return func(q *PersistenceQueue) { q.maxQueueSize = size }
}

// WithMaxRetention sets the age beyond which pending operations expire.
func WithMaxRetention(d time.Duration) Option {
	return func(q *PersistenceQueue) { q.maxRetention = d }
}

// WithStore sets the durable store backing the queue.
func WithStore(store storage.Store) Option {
	return func(q *PersistenceQueue) {
		q.store = store
		q.enablePersistence = store != nil
	}
}

// WithEncryptor sets the payload encryptor.
func WithEncryptor(enc crypto.Encryptor) Option {
	return func(q *PersistenceQueue) {
		q.encryptor = enc
		q.encryptionEnabled = enc != nil
	}
}

// WithLogger sets the logger. Queue logs carry identifiers only.
func WithLogger(logger *slog.Logger) Option {
	return func(q *PersistenceQueue) { q.logger = logger }
}

// WithClock substitutes the clock for retention tests.
func WithClock(clk clock.Clock) Option {
	return func(q *PersistenceQueue) { q.clk = clk }
}

// WithExpiryListener registers the expiry observer.
func WithExpiryListener(l ExpiryListener) Option {
	return func(q *PersistenceQueue) { q.expiry = l }
}

// NewPersistenceQueue creates a queue. If a durable store is configured,
// surviving entries are loaded back into the in-memory index so recovery
// can resume after restart.
func NewPersistenceQueue(options ...Option) (*PersistenceQueue, error) {
	q := &PersistenceQueue{
		byID:         make(map[string]*QueuedOperation),
		maxQueueSize: 1000,
		maxRetention: 72 * time.Hour,
		clk:          clock.New(),
		logger:       slog.Default(),
	}

	for _, opt := range options {
		opt(q)
	}

	heap.Init(&q.items)

	if q.enablePersistence {
		if err := q.loadPersisted(context.Background()); err != nil {
			return nil, err
		}
	}

	return q, nil
}

// loadPersisted rebuilds the in-memory index from the durable store.
func (q *PersistenceQueue) loadPersisted(ctx context.Context) error {
	keys, err := q.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load persisted operations: %w", err)
	}

	loaded := make([]*QueuedOperation, 0, len(keys))
	for _, key := range keys {
		data, err := q.store.Get(ctx, key)
		if err != nil {
			q.logger.Warn("skipping unreadable persisted operation", "operationId", key, "error", err)
			continue
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			q.logger.Warn("skipping corrupt persisted operation", "operationId", key)
			continue
		}

		op, err := q.reconstruct(env)
		if err != nil {
			q.logger.Warn("skipping undecryptable persisted operation", "operationId", key)
			continue
		}

		loaded = append(loaded, op)
	}

	// Store listing order is lexical by operation id. Sequence numbers must
	// follow original enqueue order or FIFO within a priority tier would not
	// survive a restart.
	sort.Slice(loaded, func(i, j int) bool {
		if !loaded[i].EnqueuedAt.Equal(loaded[j].EnqueuedAt) {
			return loaded[i].EnqueuedAt.Before(loaded[j].EnqueuedAt)
		}
		return loaded[i].Request.OperationID < loaded[j].Request.OperationID
	})
	for _, op := range loaded {
		q.push(op)
	}

	if len(q.byID) > 0 {
		q.logger.Info("recovered persisted queue", "depth", len(q.byID))
	}
	return nil
}

// reconstruct turns a durable envelope back into a queued operation.
func (q *PersistenceQueue) reconstruct(env *envelope) (*QueuedOperation, error) {
	raw := env.Ciphertext
	if env.Encrypted {
		if q.encryptor == nil {
			return nil, fmt.Errorf("decryption_error: no encryptor configured for %s", env.OperationID)
		}
		var err error
		raw, err = q.encryptor.Decrypt(env.Ciphertext, env.OperationID)
		if err != nil {
			return nil, err
		}
	}

	payload, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}

	return &QueuedOperation{
		Request: contracts.SyncRequest{
			OperationID:      env.OperationID,
			Priority:         contracts.Priority(env.Priority),
			Payload:          payload,
			ConflictStrategy: env.ConflictStrategy,
			CrisisMode:       env.CrisisMode,
			RetryCount:       env.Attempts,
			MaxRetries:       env.MaxRetries,
			SubmittedAt:      env.SubmittedAt,
		},
		EnqueuedAt:   env.EnqueuedAt,
		Attempts:     env.Attempts,
		LastCategory: contracts.Category(env.LastCategory),
	}, nil
}

// Enqueue persists a request for later recovery. An encryption failure is a
// security error and is returned to the caller; the operation is not stored
// in that case. Capacity pressure is priority-aware: a full queue evicts its
// lowest-priority entry to admit a strictly higher-priority one, and rejects
// the newcomer otherwise.
func (q *PersistenceQueue) Enqueue(ctx context.Context, req *contracts.SyncRequest, lastCategory contracts.Category) (EnqueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return EnqueueResult{}, ErrQueueClosed
	}

	q.expireLocked(ctx)

	evicted := false
	if len(q.byID) >= q.maxQueueSize {
		victim := q.lowestPriority()
		if victim == nil || victim.Request.Priority >= req.Priority {
			q.totalRejected++
			q.logger.Warn("queue full, operation rejected",
				"operationId", req.OperationID,
				"priority", req.Priority.String(),
			)
			return EnqueueResult{}, ErrQueueFull
		}
		q.removeLocked(ctx, victim)
		q.totalEvicted++
		evicted = true
		q.logger.Warn("evicted lower-priority operation under backpressure",
			"evictedOperationId", victim.Request.OperationID,
			"evictedPriority", victim.Request.Priority.String(),
			"admittedPriority", req.Priority.String(),
		)
	}

	op := &QueuedOperation{
		Request:      *req,
		EnqueuedAt:   q.clk.Now(),
		Attempts:     req.RetryCount,
		LastCategory: lastCategory,
	}
	op.Request.Payload = req.Payload.Clone()

	if err := q.persistLocked(ctx, op); err != nil {
		return EnqueueResult{}, err
	}

	q.push(op)
	q.totalEnqueued++

	q.logger.Info("operation queued for later recovery",
		"operationId", req.OperationID,
		"priority", req.Priority.String(),
		"lastCategory", string(lastCategory),
		"depth", len(q.byID),
	)

	return EnqueueResult{Success: true, QueuedForLater: true, Evicted: evicted}, nil
}

// persistLocked writes the encrypted envelope for op. Caller holds q.mu.
func (q *PersistenceQueue) persistLocked(ctx context.Context, op *QueuedOperation) error {
	if !q.enablePersistence {
		return nil
	}

	raw, err := encodePayload(op.Request.Payload)
	if err != nil {
		return err
	}

	blob := raw
	if q.encryptionEnabled {
		blob, err = q.encryptor.Encrypt(raw, op.Request.OperationID)
		if err != nil {
			q.encryptionFailures++
			q.logger.Error("payload encryption failed",
				"operationId", op.Request.OperationID,
				"category", string(contracts.CategorySecurity),
			)
			return fmt.Errorf("encryption_error for operation %s: %w", op.Request.OperationID, err)
		}
	}

	env := &envelope{
		OperationID:      op.Request.OperationID,
		Priority:         int(op.Request.Priority),
		ConflictStrategy: op.Request.ConflictStrategy,
		CrisisMode:       op.Request.CrisisMode,
		MaxRetries:       op.Request.MaxRetries,
		SubmittedAt:      op.Request.SubmittedAt,
		EnqueuedAt:       op.EnqueuedAt,
		Attempts:         op.Attempts,
		LastCategory:     string(op.LastCategory),
		Encrypted:        q.encryptionEnabled,
		Ciphertext:       blob,
	}

	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	if err := q.store.Put(ctx, op.Request.OperationID, data); err != nil {
		q.persistenceFailures++
		return fmt.Errorf("persist operation %s: %w", op.Request.OperationID, err)
	}
	return nil
}

// Drain pops up to budget operations in priority-then-FIFO order for the
// orchestrator to resubmit. Drained entries are removed from the queue and
// its durable store; callers own them from here.
func (q *PersistenceQueue) Drain(ctx context.Context, budget int) []*QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || budget <= 0 {
		return nil
	}

	q.expireLocked(ctx)

	var drained []*QueuedOperation
	for len(drained) < budget && q.items.Len() > 0 {
		op := heap.Pop(&q.items).(*QueuedOperation)
		delete(q.byID, op.Request.OperationID)
		if q.enablePersistence {
			if err := q.store.Delete(ctx, op.Request.OperationID); err != nil {
				q.logger.Warn("failed to delete drained operation from store",
					"operationId", op.Request.OperationID, "error", err)
			}
		}
		drained = append(drained, op)
	}
	return drained
}

// Pending returns a snapshot of queued operations in priority-then-FIFO
// order without removing them. The entries are copies; mutating them does
// not affect the queue.
func (q *PersistenceQueue) Pending() []QueuedOperation {
	q.mu.Lock()
	snapshot := make([]QueuedOperation, 0, q.items.Len())
	for _, op := range q.items {
		snapshot = append(snapshot, *op)
	}
	q.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return opLess(&snapshot[i], &snapshot[j])
	})
	return snapshot
}

// ResubmitFunc runs one recovered request through the normal pipeline.
type ResubmitFunc func(ctx context.Context, req *contracts.SyncRequest) error

// Recover resubmits every pending operation in priority order. Successful
// operations leave the queue; failed ones are re-enqueued with incremented
// lineage unless they have outlived the retention window, in which case
// they expire observably.
func (q *PersistenceQueue) Recover(ctx context.Context, resubmit ResubmitFunc) RecoveryResult {
	var result RecoveryResult

	// Snapshot under lock, resubmit outside it: recovery must not block
	// enqueues (or the crisis path) behind remote calls. Request and lineage
	// copies are taken under the lock too, since a concurrent recovery pass
	// may mutate them.
	q.mu.Lock()
	result.Expired = q.expireLocked(ctx)
	pending := make([]*QueuedOperation, 0, q.items.Len())
	pending = append(pending, q.items...)
	sort.Slice(pending, func(i, j int) bool {
		return opLess(pending[i], pending[j])
	})
	reqs := make([]contracts.SyncRequest, len(pending))
	for i, op := range pending {
		reqs[i] = op.Request
		reqs[i].RetryCount = op.Attempts
	}
	q.mu.Unlock()

	for i, op := range pending {
		select {
		case <-ctx.Done():
			return result
		default:
		}

		req := reqs[i]

		err := resubmit(ctx, &req)

		q.mu.Lock()
		current, ok := q.byID[req.OperationID]
		if !ok || current != op {
			// Drained or evicted concurrently; nothing to update.
			q.mu.Unlock()
			continue
		}
		if err == nil {
			q.removeLocked(ctx, op)
			q.totalRecovered++
			result.Recovered++
			q.logger.Info("operation recovered", "operationId", req.OperationID)
		} else {
			op.Attempts++
			if persistErr := q.persistLocked(ctx, op); persistErr != nil {
				q.logger.Warn("failed to persist recovery lineage",
					"operationId", req.OperationID, "error", persistErr)
			}
			result.Failed++
			q.logger.Warn("recovery attempt failed",
				"operationId", req.OperationID,
				"attempts", op.Attempts,
			)
		}
		q.mu.Unlock()
	}

	return result
}

// expireLocked drops operations older than maxRetention and reports them.
// Caller holds q.mu.
func (q *PersistenceQueue) expireLocked(ctx context.Context) int {
	if q.maxRetention <= 0 {
		return 0
	}

	now := q.clk.Now()
	expired := 0
	for _, op := range q.byID {
		age := now.Sub(op.EnqueuedAt)
		if age <= q.maxRetention {
			continue
		}
		q.removeLocked(ctx, op)
		q.totalExpired++
		expired++
		q.logger.Warn("operation expired past retention",
			"operationId", op.Request.OperationID,
			"priority", op.Request.Priority.String(),
			"age", age.String(),
		)
		if q.expiry != nil {
			go q.expiry.OnExpired(op, age)
		}
	}
	return expired
}

// removeLocked removes op from the index, heap, and store. Caller holds q.mu.
func (q *PersistenceQueue) removeLocked(ctx context.Context, op *QueuedOperation) {
	delete(q.byID, op.Request.OperationID)
	for i, item := range q.items {
		if item == op {
			heap.Remove(&q.items, i)
			break
		}
	}
	if q.enablePersistence {
		if err := q.store.Delete(ctx, op.Request.OperationID); err != nil {
			q.logger.Warn("failed to delete operation from store",
				"operationId", op.Request.OperationID, "error", err)
		}
	}
}

// lowestPriority returns the pending entry that would be sacrificed first:
// lowest priority, oldest within that priority. Caller holds q.mu.
func (q *PersistenceQueue) lowestPriority() *QueuedOperation {
	var victim *QueuedOperation
	for _, op := range q.byID {
		if victim == nil {
			victim = op
			continue
		}
		if op.Request.Priority < victim.Request.Priority ||
			(op.Request.Priority == victim.Request.Priority && op.seq < victim.seq) {
			victim = op
		}
	}
	return victim
}

// push inserts op into the heap and index. Caller holds q.mu (or is init).
func (q *PersistenceQueue) push(op *QueuedOperation) {
	q.nextSeq++
	op.seq = q.nextSeq
	heap.Push(&q.items, op)
	q.byID[op.Request.OperationID] = op
}

// Len returns the current queue depth.
func (q *PersistenceQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// GetStats returns a snapshot of queue counters.
func (q *PersistenceQueue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	byPriority := make(map[string]int)
	for _, op := range q.byID {
		byPriority[op.Request.Priority.String()]++
	}

	return Stats{
		Depth:               len(q.byID),
		ByPriority:          byPriority,
		TotalEnqueued:       q.totalEnqueued,
		TotalRecovered:      q.totalRecovered,
		TotalExpired:        q.totalExpired,
		TotalEvicted:        q.totalEvicted,
		TotalRejected:       q.totalRejected,
		EncryptionFailures:  q.encryptionFailures,
		PersistenceFailures: q.persistenceFailures,
	}
}

// Close stops the queue. Pending durable entries stay in the store for the
// next process lifetime.
func (q *PersistenceQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// opHeap orders operations by priority descending, then enqueue sequence
// ascending (FIFO within a priority tier).
type opHeap []*QueuedOperation

func (h opHeap) Len() int { return len(h) }

func (h opHeap) Less(i, j int) bool {
	if h[i].Request.Priority != h[j].Request.Priority {
		return h[i].Request.Priority > h[j].Request.Priority
	}
	return h[i].seq < h[j].seq
}

func (h opHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *opHeap) Push(x any) { *h = append(*h, x.(*QueuedOperation)) }

func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// opLess orders snapshots priority-then-FIFO, same as the heap.
func opLess(a, b *QueuedOperation) bool {
	if a.Request.Priority != b.Request.Priority {
		return a.Request.Priority > b.Request.Priority
	}
	return a.seq < b.seq
}
