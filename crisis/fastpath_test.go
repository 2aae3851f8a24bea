package crisis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindred-app/resilsync/contracts"
	"github.com/kindred-app/resilsync/internal/clock"
	"github.com/kindred-app/resilsync/queue"
)

func newEmergency() *contracts.CrisisContext {
	return contracts.NewCrisisContext("user-1", "device-1", contracts.SyncPayload{
		EntityID:   "safety-plan-1",
		EntityType: "safety_plan",
		Version:    1,
		Fields:     map[string]any{"step": "call support person"},
	})
}

func TestHandleRemoteSucceeds(t *testing.T) {
	fp := NewFastPath()

	remote := contracts.RemoteSyncFunc(func(ctx context.Context, req *contracts.SyncRequest) (*contracts.RemoteResult, error) {
		return &contracts.RemoteResult{Applied: true}, nil
	})

	result := fp.Handle(context.Background(), newEmergency(), remote)

	assert.True(t, result.Success)
	assert.True(t, result.CrisisOverrideUsed)
	assert.True(t, result.RemoteConfirmed)
	assert.False(t, result.FallbackTriggered)
	assert.NotEmpty(t, result.Resources)
}

func TestHandleRemoteFails(t *testing.T) {
	q, err := queue.NewPersistenceQueue()
	require.NoError(t, err)
	defer q.Close()

	fp := NewFastPath(WithEnqueuer(q))

	remote := contracts.RemoteSyncFunc(func(ctx context.Context, req *contracts.SyncRequest) (*contracts.RemoteResult, error) {
		return nil, errors.New("network_error: unreachable")
	})

	emergency := newEmergency()
	result := fp.Handle(context.Background(), emergency, remote)

	assert.True(t, result.Success, "crisis handling never reports failure")
	assert.True(t, result.FallbackTriggered)
	assert.True(t, result.QueuedForLater)
	assert.False(t, result.RemoteConfirmed)

	// The failed attempt was persisted under the emergency ID.
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 10*time.Millisecond)
	pending := q.Pending()
	assert.Equal(t, emergency.EmergencyID, pending[0].Request.OperationID)
	assert.Equal(t, contracts.PriorityCriticalSafety, pending[0].Request.Priority)
	assert.True(t, pending[0].Request.CrisisMode)
}

func TestHandleDeadlineWinsRace(t *testing.T) {
	fp := NewFastPath(WithDeadline(30 * time.Millisecond))

	release := make(chan struct{})
	remote := contracts.RemoteSyncFunc(func(ctx context.Context, req *contracts.SyncRequest) (*contracts.RemoteResult, error) {
		<-release
		return &contracts.RemoteResult{Applied: true}, nil
	})

	start := time.Now()
	result := fp.Handle(context.Background(), newEmergency(), remote)
	elapsed := time.Since(start)
	close(release)

	assert.True(t, result.Success)
	assert.True(t, result.FallbackTriggered)
	assert.False(t, result.RemoteConfirmed)
	assert.Less(t, elapsed, 500*time.Millisecond, "deadline bounds the response")
	assert.NotEmpty(t, result.Resources, "local resources served from cache")
}

func TestHandleDeadlineOnFakeClock(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	fp := NewFastPath(WithClock(fake))

	release := make(chan struct{})
	defer close(release)
	remote := contracts.RemoteSyncFunc(func(ctx context.Context, req *contracts.SyncRequest) (*contracts.RemoteResult, error) {
		<-release
		return &contracts.RemoteResult{Applied: true}, nil
	})

	results := make(chan *contracts.CrisisResult, 1)
	go func() { results <- fp.Handle(context.Background(), newEmergency(), remote) }()

	// No wall-clock wait: the deadline fires only when the fake clock moves.
	var result *contracts.CrisisResult
	require.Eventually(t, func() bool {
		fake.Advance(100 * time.Millisecond)
		select {
		case result = <-results:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	assert.True(t, result.Success)
	assert.True(t, result.FallbackTriggered)
	assert.False(t, result.RemoteConfirmed)
}

func TestHandleSurvivesCallerCancellation(t *testing.T) {
	q, err := queue.NewPersistenceQueue()
	require.NoError(t, err)
	defer q.Close()

	fp := NewFastPath(WithDeadline(20*time.Millisecond), WithEnqueuer(q))

	invoked := make(chan struct{})
	remote := contracts.RemoteSyncFunc(func(ctx context.Context, req *contracts.SyncRequest) (*contracts.RemoteResult, error) {
		<-invoked
		// The detached context must not carry the caller's cancellation.
		assert.NoError(t, ctx.Err())
		return nil, errors.New("timeout")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := fp.Handle(ctx, newEmergency(), remote)
	close(invoked)

	assert.True(t, result.Success)
	assert.True(t, result.FallbackTriggered)

	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHandleWithoutEnqueuer(t *testing.T) {
	fp := NewFastPath()

	remote := contracts.RemoteSyncFunc(func(ctx context.Context, req *contracts.SyncRequest) (*contracts.RemoteResult, error) {
		return nil, errors.New("service_unavailable")
	})

	result := fp.Handle(context.Background(), newEmergency(), remote)

	assert.True(t, result.Success)
	assert.True(t, result.FallbackTriggered)
	assert.False(t, result.QueuedForLater, "nothing to queue into")
}

func TestDefaultResources(t *testing.T) {
	resources := DefaultResources()
	require.NotEmpty(t, resources)

	contacts := make(map[string]string)
	for _, r := range resources {
		contacts[r.Kind] = r.Contact
	}
	assert.Equal(t, "988", contacts["hotline"])
	assert.Equal(t, "741741", contacts["textline"])
	assert.Equal(t, "911", contacts["emergency"])
}

func TestWithResourcesOverride(t *testing.T) {
	custom := []contracts.CrisisResource{{Name: "Local Clinic", Kind: "clinic", Contact: "+1-555-0100"}}
	fp := NewFastPath(WithResources(custom))

	remote := contracts.RemoteSyncFunc(func(ctx context.Context, req *contracts.SyncRequest) (*contracts.RemoteResult, error) {
		return &contracts.RemoteResult{Applied: true}, nil
	})

	result := fp.Handle(context.Background(), newEmergency(), remote)
	assert.Equal(t, custom, result.Resources)
}
