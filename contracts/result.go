package contracts

import (
	"fmt"
	"time"
)

// Category groups failures by their origin.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryService    Category = "service"
	CategorySecurity   Category = "security"
	CategoryData       Category = "data"
	CategoryValidation Category = "validation"
)

// Severity grades how serious a failure is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RemoteResult is the response of the injected remote sync operation.
type RemoteResult struct {
	Applied       bool           `json:"applied"`
	RemoteVersion int64          `json:"remoteVersion,omitempty"`
	ServerTime    time.Time      `json:"serverTime,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// VersionConflictError is returned by the remote operation when the entity
// was modified by another device since this request's base version. It
// carries the remote copy so the conflict resolver can reconcile.
type VersionConflictError struct {
	EntityID      string
	LocalVersion  int64
	RemoteVersion int64
	Remote        SyncPayload
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on entity %s: local v%d, remote v%d",
		e.EntityID, e.LocalVersion, e.RemoteVersion)
}

// IsRetryable marks conflicts as non-retryable: retrying without
// reconciliation would hit the same conflict again.
func (e *VersionConflictError) IsRetryable() bool { return false }

// PerformanceMetrics summarizes the work spent on one request.
type PerformanceMetrics struct {
	TotalAttempts int           `json:"totalAttempts"`
	TotalTime     time.Duration `json:"totalTime"`
}

// SyncError is the caller-facing failure description. It must never contain
// payload content, only identifiers, categories and non-sensitive context.
type SyncError struct {
	Category            Category          `json:"category"`
	Severity            Severity          `json:"severity"`
	Message             string            `json:"message"`
	OperationID         string            `json:"operationId"`
	CrisisMode          bool              `json:"crisisMode"`
	Timestamp           time.Time         `json:"timestamp"`
	RecoverySuggestions []string          `json:"recoverySuggestions,omitempty"`
	Context             map[string]string `json:"context,omitempty"`
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s failed: %s/%s: %s", e.OperationID, e.Category, e.Severity, e.Message)
}

// SyncResult is the structured outcome of ExecuteResilientSync. A recoverable
// failure never surfaces as a hard error: Success stays true with
// FallbackTriggered set when the operation was safely queued instead of
// synced.
type SyncResult struct {
	Success           bool               `json:"success"`
	FallbackTriggered bool               `json:"fallbackTriggered"`
	RetryRecommended  bool               `json:"retryRecommended"`
	QueuedForLater    bool               `json:"queuedForLater"`
	ConflictResolved  bool               `json:"conflictResolved"`
	Remote            *RemoteResult      `json:"remote,omitempty"`
	Metrics           PerformanceMetrics `json:"performanceMetrics"`
	Error             *SyncError         `json:"error,omitempty"`
}
