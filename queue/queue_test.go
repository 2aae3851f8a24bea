package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindred-app/resilsync/contracts"
	"github.com/kindred-app/resilsync/crypto"
	"github.com/kindred-app/resilsync/internal/clock"
	"github.com/kindred-app/resilsync/storage"
)

func newRequest(priority contracts.Priority) *contracts.SyncRequest {
	return contracts.NewSyncRequest(priority, contracts.SyncPayload{
		EntityID:   "entity-" + priority.String(),
		EntityType: "mood_entry",
		Version:    1,
		Fields:     map[string]any{"score": 5},
	})
}

func TestEnqueueAndDrainOrder(t *testing.T) {
	q, err := NewPersistenceQueue()
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()

	low := newRequest(contracts.PriorityLowBackground)
	critical := newRequest(contracts.PriorityCriticalSafety)
	medium := newRequest(contracts.PriorityMediumUser)

	for _, req := range []*contracts.SyncRequest{low, critical, medium} {
		res, err := q.Enqueue(ctx, req, contracts.CategoryNetwork)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.True(t, res.QueuedForLater)
	}

	drained := q.Drain(ctx, 10)
	require.Len(t, drained, 3)
	assert.Equal(t, critical.OperationID, drained[0].Request.OperationID)
	assert.Equal(t, medium.OperationID, drained[1].Request.OperationID)
	assert.Equal(t, low.OperationID, drained[2].Request.OperationID)
	assert.Equal(t, 0, q.Len())
}

func TestFIFOWithinPriority(t *testing.T) {
	q, err := NewPersistenceQueue()
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()

	first := newRequest(contracts.PriorityMediumUser)
	second := newRequest(contracts.PriorityMediumUser)
	third := newRequest(contracts.PriorityMediumUser)

	for _, req := range []*contracts.SyncRequest{first, second, third} {
		_, err := q.Enqueue(ctx, req, contracts.CategoryNetwork)
		require.NoError(t, err)
	}

	drained := q.Drain(ctx, 3)
	require.Len(t, drained, 3)
	assert.Equal(t, first.OperationID, drained[0].Request.OperationID)
	assert.Equal(t, second.OperationID, drained[1].Request.OperationID)
	assert.Equal(t, third.OperationID, drained[2].Request.OperationID)
}

func TestPendingSnapshot(t *testing.T) {
	q, err := NewPersistenceQueue()
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()

	low := newRequest(contracts.PriorityLowBackground)
	high := newRequest(contracts.PriorityHighClinical)
	for _, req := range []*contracts.SyncRequest{low, high} {
		_, err := q.Enqueue(ctx, req, contracts.CategoryService)
		require.NoError(t, err)
	}

	pending := q.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, high.OperationID, pending[0].Request.OperationID)
	assert.Equal(t, low.OperationID, pending[1].Request.OperationID)

	// Snapshot entries are copies.
	pending[0].Attempts = 99
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 0, q.Pending()[0].Attempts)
}

func TestBackpressure(t *testing.T) {
	t.Run("higher priority evicts the lowest entry", func(t *testing.T) {
		q, err := NewPersistenceQueue(WithMaxQueueSize(2))
		require.NoError(t, err)
		defer q.Close()

		ctx := context.Background()

		low := newRequest(contracts.PriorityLowBackground)
		medium := newRequest(contracts.PriorityMediumUser)
		_, err = q.Enqueue(ctx, low, contracts.CategoryNetwork)
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, medium, contracts.CategoryNetwork)
		require.NoError(t, err)

		high := newRequest(contracts.PriorityHighClinical)
		res, err := q.Enqueue(ctx, high, contracts.CategoryNetwork)
		require.NoError(t, err)
		assert.True(t, res.Evicted)
		assert.Equal(t, 2, q.Len())

		drained := q.Drain(ctx, 2)
		assert.Equal(t, high.OperationID, drained[0].Request.OperationID)
		assert.Equal(t, medium.OperationID, drained[1].Request.OperationID)
		assert.Equal(t, int64(1), q.GetStats().TotalEvicted)
	})

	t.Run("equal priority is rejected, not evicted", func(t *testing.T) {
		q, err := NewPersistenceQueue(WithMaxQueueSize(1))
		require.NoError(t, err)
		defer q.Close()

		ctx := context.Background()

		first := newRequest(contracts.PriorityMediumUser)
		_, err = q.Enqueue(ctx, first, contracts.CategoryNetwork)
		require.NoError(t, err)

		second := newRequest(contracts.PriorityMediumUser)
		_, err = q.Enqueue(ctx, second, contracts.CategoryNetwork)
		assert.ErrorIs(t, err, ErrQueueFull)
		assert.Equal(t, 1, q.Len())
		assert.Equal(t, int64(1), q.GetStats().TotalRejected)
	})

	t.Run("lower priority is rejected", func(t *testing.T) {
		q, err := NewPersistenceQueue(WithMaxQueueSize(1))
		require.NoError(t, err)
		defer q.Close()

		ctx := context.Background()

		_, err = q.Enqueue(ctx, newRequest(contracts.PriorityHighClinical), contracts.CategoryNetwork)
		require.NoError(t, err)

		_, err = q.Enqueue(ctx, newRequest(contracts.PriorityLowBackground), contracts.CategoryNetwork)
		assert.ErrorIs(t, err, ErrQueueFull)
	})
}

func TestRetentionExpiry(t *testing.T) {
	fake := clock.NewFake(time.Now())

	var mu sync.Mutex
	var expiredIDs []string
	notified := make(chan struct{}, 8)

	q, err := NewPersistenceQueue(
		WithMaxRetention(time.Hour),
		WithClock(fake),
		WithExpiryListener(ExpiryFunc(func(op *QueuedOperation, age time.Duration) {
			mu.Lock()
			expiredIDs = append(expiredIDs, op.Request.OperationID)
			mu.Unlock()
			notified <- struct{}{}
		})),
	)
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()

	stale := newRequest(contracts.PriorityLowBackground)
	_, err = q.Enqueue(ctx, stale, contracts.CategoryNetwork)
	require.NoError(t, err)

	fake.Advance(2 * time.Hour)

	fresh := newRequest(contracts.PriorityLowBackground)
	_, err = q.Enqueue(ctx, fresh, contracts.CategoryNetwork)
	require.NoError(t, err)

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("expiry listener was not notified")
	}

	assert.Equal(t, 1, q.Len())
	assert.Equal(t, int64(1), q.GetStats().TotalExpired)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{stale.OperationID}, expiredIDs)
}

func TestEncryptedPersistence(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	enc, err := crypto.NewAESEncryptor([]byte("queue-master-key"))
	require.NoError(t, err)

	q, err := NewPersistenceQueue(WithStore(store), WithEncryptor(enc))
	require.NoError(t, err)

	req := newRequest(contracts.PriorityHighClinical)
	req.Payload.Fields = map[string]any{"phq9_score": int64(17)}
	_, err = q.Enqueue(ctx, req, contracts.CategoryService)
	require.NoError(t, err)

	t.Run("store never sees plaintext", func(t *testing.T) {
		blob, err := store.Get(ctx, req.OperationID)
		require.NoError(t, err)
		assert.NotContains(t, string(blob), "phq9_score")
	})

	t.Run("operations survive restart", func(t *testing.T) {
		require.NoError(t, q.Close())

		reopened, err := NewPersistenceQueue(WithStore(store), WithEncryptor(enc))
		require.NoError(t, err)
		defer reopened.Close()

		drained := reopened.Drain(ctx, 1)
		require.Len(t, drained, 1)
		got := drained[0]
		assert.Equal(t, req.OperationID, got.Request.OperationID)
		assert.Equal(t, contracts.PriorityHighClinical, got.Request.Priority)
		assert.Equal(t, contracts.CategoryService, got.LastCategory)
		assert.EqualValues(t, 17, got.Request.Payload.Fields["phq9_score"])
	})

	t.Run("restart without the key skips entries instead of leaking", func(t *testing.T) {
		other := storage.NewMemoryStore()
		sealed, err := NewPersistenceQueue(WithStore(other), WithEncryptor(enc))
		require.NoError(t, err)
		_, err = sealed.Enqueue(ctx, newRequest(contracts.PriorityMediumUser), contracts.CategoryNetwork)
		require.NoError(t, err)
		require.NoError(t, sealed.Close())

		keyless, err := NewPersistenceQueue(WithStore(other))
		require.NoError(t, err)
		defer keyless.Close()
		assert.Equal(t, 0, keyless.Len())
	})
}

func TestRestartPreservesFIFOWithinPriority(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	fake := clock.NewFake(time.Now())

	q, err := NewPersistenceQueue(WithStore(store), WithClock(fake))
	require.NoError(t, err)

	// Ids chosen so lexical store order reverses the enqueue order.
	first := newRequest(contracts.PriorityMediumUser)
	first.OperationID = "zz-enqueued-first"
	second := newRequest(contracts.PriorityMediumUser)
	second.OperationID = "aa-enqueued-second"

	_, err = q.Enqueue(ctx, first, contracts.CategoryNetwork)
	require.NoError(t, err)
	fake.Advance(time.Second)
	_, err = q.Enqueue(ctx, second, contracts.CategoryNetwork)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	reopened, err := NewPersistenceQueue(WithStore(store), WithClock(fake))
	require.NoError(t, err)
	defer reopened.Close()

	drained := reopened.Drain(ctx, 2)
	require.Len(t, drained, 2)
	assert.Equal(t, first.OperationID, drained[0].Request.OperationID)
	assert.Equal(t, second.OperationID, drained[1].Request.OperationID)
}

func TestPendingDuringRecovery(t *testing.T) {
	ctx := context.Background()
	q, err := NewPersistenceQueue()
	require.NoError(t, err)
	defer q.Close()

	for i := 0; i < 8; i++ {
		_, err := q.Enqueue(ctx, newRequest(contracts.PriorityMediumUser), contracts.CategoryNetwork)
		require.NoError(t, err)
	}

	// Failing resubmits mutate lineage under the lock while snapshots are
	// taken concurrently.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			for _, op := range q.Pending() {
				_ = op.Attempts
			}
		}
	}()

	result := q.Recover(ctx, func(ctx context.Context, req *contracts.SyncRequest) error {
		return errors.New("still unreachable")
	})
	<-done

	assert.Equal(t, 8, result.Failed)
	assert.Equal(t, 8, q.Len())
}

type failingEncryptor struct{}

func (failingEncryptor) Encrypt([]byte, string) ([]byte, error) {
	return nil, errors.New("encryption_error: hsm offline")
}

func (failingEncryptor) Decrypt([]byte, string) ([]byte, error) {
	return nil, errors.New("decryption_error: hsm offline")
}

func TestEncryptionFailureIsReported(t *testing.T) {
	q, err := NewPersistenceQueue(
		WithStore(storage.NewMemoryStore()),
		WithEncryptor(failingEncryptor{}),
	)
	require.NoError(t, err)
	defer q.Close()

	req := newRequest(contracts.PriorityMediumUser)
	_, err = q.Enqueue(context.Background(), req, contracts.CategoryNetwork)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "encryption_error")
	assert.Contains(t, err.Error(), req.OperationID)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, int64(1), q.GetStats().EncryptionFailures)
}

func TestRecover(t *testing.T) {
	ctx := context.Background()

	t.Run("successful resubmits leave the queue", func(t *testing.T) {
		q, err := NewPersistenceQueue()
		require.NoError(t, err)
		defer q.Close()

		low := newRequest(contracts.PriorityLowBackground)
		high := newRequest(contracts.PriorityHighClinical)
		for _, req := range []*contracts.SyncRequest{low, high} {
			_, err := q.Enqueue(ctx, req, contracts.CategoryNetwork)
			require.NoError(t, err)
		}

		var order []string
		result := q.Recover(ctx, func(ctx context.Context, req *contracts.SyncRequest) error {
			order = append(order, req.OperationID)
			return nil
		})

		assert.Equal(t, 2, result.Recovered)
		assert.Equal(t, 0, result.Failed)
		assert.Equal(t, []string{high.OperationID, low.OperationID}, order)
		assert.Equal(t, 0, q.Len())
	})

	t.Run("failed resubmits stay queued with lineage", func(t *testing.T) {
		q, err := NewPersistenceQueue()
		require.NoError(t, err)
		defer q.Close()

		req := newRequest(contracts.PriorityMediumUser)
		_, err = q.Enqueue(ctx, req, contracts.CategoryNetwork)
		require.NoError(t, err)

		result := q.Recover(ctx, func(ctx context.Context, req *contracts.SyncRequest) error {
			return errors.New("still unreachable")
		})

		assert.Equal(t, 0, result.Recovered)
		assert.Equal(t, 1, result.Failed)
		assert.Equal(t, 1, q.Len())
		assert.Equal(t, 1, q.Pending()[0].Attempts)
	})

	t.Run("cancelled context stops the pass", func(t *testing.T) {
		q, err := NewPersistenceQueue()
		require.NoError(t, err)
		defer q.Close()

		for i := 0; i < 3; i++ {
			_, err := q.Enqueue(ctx, newRequest(contracts.PriorityMediumUser), contracts.CategoryNetwork)
			require.NoError(t, err)
		}

		cancelCtx, cancel := context.WithCancel(ctx)
		calls := 0
		result := q.Recover(cancelCtx, func(ctx context.Context, req *contracts.SyncRequest) error {
			calls++
			cancel()
			return nil
		})

		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, result.Recovered)
		assert.Equal(t, 2, q.Len())
	})
}

func TestClosedQueueRejectsEnqueue(t *testing.T) {
	q, err := NewPersistenceQueue()
	require.NoError(t, err)
	require.NoError(t, q.Close())

	_, err = q.Enqueue(context.Background(), newRequest(contracts.PriorityMediumUser), contracts.CategoryNetwork)
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.Nil(t, q.Drain(context.Background(), 1))
}

func TestEnqueueClonesPayload(t *testing.T) {
	q, err := NewPersistenceQueue()
	require.NoError(t, err)
	defer q.Close()

	req := newRequest(contracts.PriorityMediumUser)
	_, err = q.Enqueue(context.Background(), req, contracts.CategoryNetwork)
	require.NoError(t, err)

	req.Payload.Fields["score"] = 99

	drained := q.Drain(context.Background(), 1)
	require.Len(t, drained, 1)
	assert.Equal(t, 5, drained[0].Request.Payload.Fields["score"])
}

func TestGetStatsByPriority(t *testing.T) {
	q, err := NewPersistenceQueue()
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()
	_, err = q.Enqueue(ctx, newRequest(contracts.PriorityLowBackground), contracts.CategoryNetwork)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, newRequest(contracts.PriorityHighClinical), contracts.CategoryNetwork)
	require.NoError(t, err)

	stats := q.GetStats()
	assert.Equal(t, 2, stats.Depth)
	assert.Equal(t, 1, stats.ByPriority["low_background"])
	assert.Equal(t, 1, stats.ByPriority["high_clinical"])
	assert.Equal(t, int64(2), stats.TotalEnqueued)
}

func BenchmarkEnqueueDrain(b *testing.B) {
	q, _ := NewPersistenceQueue(WithMaxQueueSize(b.N + 1))
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := newRequest(contracts.Priority(i % 4))
		_, _ = q.Enqueue(ctx, req, contracts.CategoryNetwork)
	}
	q.Drain(ctx, b.N)
}
