package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriority(t *testing.T) {
	t.Run("orders safety above everything else", func(t *testing.T) {
		assert.True(t, PriorityCriticalSafety > PriorityHighClinical)
		assert.True(t, PriorityHighClinical > PriorityMediumUser)
		assert.True(t, PriorityMediumUser > PriorityLowBackground)
	})

	t.Run("string round trip", func(t *testing.T) {
		for _, p := range []Priority{
			PriorityLowBackground,
			PriorityMediumUser,
			PriorityHighClinical,
			PriorityCriticalSafety,
		} {
			assert.Equal(t, p, ParsePriority(p.String()))
		}
	})

	t.Run("unknown names parse as low", func(t *testing.T) {
		assert.Equal(t, PriorityLowBackground, ParsePriority("nonsense"))
	})

	t.Run("unknown value prints unknown", func(t *testing.T) {
		assert.Equal(t, "unknown", Priority(99).String())
	})
}

func TestNewSyncRequest(t *testing.T) {
	payload := SyncPayload{EntityID: "mood-1", EntityType: "mood_entry", Version: 3}
	req := NewSyncRequest(PriorityMediumUser, payload)

	require.NotEmpty(t, req.OperationID)
	assert.Equal(t, PriorityMediumUser, req.Priority)
	assert.Equal(t, payload, req.Payload)
	assert.Equal(t, 3, req.MaxRetries)
	assert.WithinDuration(t, time.Now().UTC(), req.SubmittedAt, time.Second)

	other := NewSyncRequest(PriorityMediumUser, payload)
	assert.NotEqual(t, req.OperationID, other.OperationID)
}

func TestIsCrisis(t *testing.T) {
	t.Run("explicit crisis mode", func(t *testing.T) {
		req := NewSyncRequest(PriorityLowBackground, SyncPayload{})
		req.CrisisMode = true
		assert.True(t, req.IsCrisis())
	})

	t.Run("critical safety priority implies crisis", func(t *testing.T) {
		req := NewSyncRequest(PriorityCriticalSafety, SyncPayload{})
		assert.True(t, req.IsCrisis())
	})

	t.Run("ordinary request is not crisis", func(t *testing.T) {
		req := NewSyncRequest(PriorityHighClinical, SyncPayload{})
		assert.False(t, req.IsCrisis())
	})
}

func TestSyncPayloadClone(t *testing.T) {
	original := SyncPayload{
		EntityID: "entry-1",
		Version:  2,
		Fields:   map[string]any{"note": "original"},
	}

	clone := original.Clone()
	clone.Fields["note"] = "changed"
	clone.Version = 9

	assert.Equal(t, "original", original.Fields["note"])
	assert.Equal(t, int64(2), original.Version)
}

func TestVersionConflictError(t *testing.T) {
	err := &VersionConflictError{EntityID: "entry-1", LocalVersion: 2, RemoteVersion: 5}

	assert.False(t, err.IsRetryable())
	assert.Contains(t, err.Error(), "entry-1")
	assert.Contains(t, err.Error(), "local v2")
	assert.Contains(t, err.Error(), "remote v5")
}
