package contracts

import (
	"time"

	"github.com/google/uuid"
)

// CrisisContext identifies a safety-critical emergency operation. It always
// produces a result; persistence of its payload is opportunistic and never
// gates the emergency response.
type CrisisContext struct {
	EmergencyID string      `json:"emergencyId" msgpack:"emergencyId"`
	UserID      string      `json:"userId" msgpack:"userId"`
	DeviceID    string      `json:"deviceId" msgpack:"deviceId"`
	Payload     SyncPayload `json:"payload" msgpack:"payload"`
	TriggeredAt time.Time   `json:"triggeredAt" msgpack:"triggeredAt"`
}

// NewCrisisContext creates a crisis context with a generated emergency ID.
func NewCrisisContext(userID, deviceID string, payload SyncPayload) *CrisisContext {
	return &CrisisContext{
		EmergencyID: uuid.New().String(),
		UserID:      userID,
		DeviceID:    deviceID,
		Payload:     payload,
		TriggeredAt: time.Now().UTC(),
	}
}

// CrisisResource is a locally available safety resource, served independent
// of network state.
type CrisisResource struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Contact     string `json:"contact,omitempty"`
	Description string `json:"description,omitempty"`
}

// CrisisResult is the outcome of the crisis fast-path. Success is always
// true: the contract is "the user is not blocked", not "the remote call
// succeeded". RemoteConfirmed distinguishes the two.
type CrisisResult struct {
	Success            bool             `json:"success"`
	CrisisOverrideUsed bool             `json:"crisisOverrideUsed"`
	FallbackTriggered  bool             `json:"fallbackTriggered"`
	RemoteConfirmed    bool             `json:"remoteConfirmed"`
	QueuedForLater     bool             `json:"queuedForLater"`
	Resources          []CrisisResource `json:"crisisResources"`
	Elapsed            time.Duration    `json:"elapsed"`
}
