package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders sync operations by importance. Higher values drain first
// from the persistence queue and may be exempt from circuit breaker gating.
type Priority int

const (
	PriorityLowBackground Priority = iota
	PriorityMediumUser
	PriorityHighClinical
	PriorityCriticalSafety
)

func (p Priority) String() string {
	switch p {
	case PriorityLowBackground:
		return "low_background"
	case PriorityMediumUser:
		return "medium_user"
	case PriorityHighClinical:
		return "high_clinical"
	case PriorityCriticalSafety:
		return "critical_safety"
	default:
		return "unknown"
	}
}

// ParsePriority maps a priority name back to its enum value.
// Unknown names map to PriorityLowBackground.
func ParsePriority(s string) Priority {
	switch s {
	case "critical_safety":
		return PriorityCriticalSafety
	case "high_clinical":
		return PriorityHighClinical
	case "medium_user":
		return PriorityMediumUser
	default:
		return PriorityLowBackground
	}
}

// SyncPayload carries the entity data for one sync operation together with
// the versioning fields used for conflict detection. Fields content is
// treated as sensitive and must never appear in logs or error surfaces.
type SyncPayload struct {
	EntityID     string         `json:"entityId" msgpack:"entityId"`
	EntityType   string         `json:"entityType" msgpack:"entityType"`
	Version      int64          `json:"version" msgpack:"version"`
	Checksum     string         `json:"checksum" msgpack:"checksum"`
	LastModified time.Time      `json:"lastModified" msgpack:"lastModified"`
	Fields       map[string]any `json:"fields" msgpack:"fields"`
}

// Clone returns a deep copy of the payload so resolvers and queues can work
// on it without mutating the caller's value.
func (p SyncPayload) Clone() SyncPayload {
	out := p
	if p.Fields != nil {
		out.Fields = make(map[string]any, len(p.Fields))
		for k, v := range p.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// SyncRequest is one imperative unit of sync work. OperationID identifies an
// idempotent attempt chain: the same ID may be submitted twice because
// recovery can resubmit persisted operations.
type SyncRequest struct {
	OperationID      string      `json:"operationId" msgpack:"operationId"`
	Priority         Priority    `json:"priority" msgpack:"priority"`
	Payload          SyncPayload `json:"payload" msgpack:"payload"`
	ConflictStrategy string      `json:"conflictStrategy,omitempty" msgpack:"conflictStrategy"`
	CrisisMode       bool        `json:"crisisMode" msgpack:"crisisMode"`
	RetryCount       int         `json:"retryCount" msgpack:"retryCount"`
	MaxRetries       int         `json:"maxRetries" msgpack:"maxRetries"`
	SubmittedAt      time.Time   `json:"submittedAt" msgpack:"submittedAt"`
}

// NewSyncRequest creates a request with a generated operation ID.
func NewSyncRequest(priority Priority, payload SyncPayload) *SyncRequest {
	return &SyncRequest{
		OperationID: uuid.New().String(),
		Priority:    priority,
		Payload:     payload,
		MaxRetries:  3,
		SubmittedAt: time.Now().UTC(),
	}
}

// IsCrisis reports whether the request must be routed to the crisis
// fast-path instead of the normal resilience pipeline.
func (r *SyncRequest) IsCrisis() bool {
	return r.CrisisMode || r.Priority == PriorityCriticalSafety
}
