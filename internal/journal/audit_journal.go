// Package journal keeps an in-memory audit trail of sync attempts, conflict
// resolutions, and queue expiries. Entries carry identifiers, categories,
// and outcomes only; payload content is never recorded because payloads may
// contain protected personal data.
package journal

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit entries.
type EventType string

const (
	EventSyncAttempt      EventType = "sync_attempt"
	EventSyncSuccess      EventType = "sync_success"
	EventSyncFallback     EventType = "sync_fallback"
	EventSyncFailure      EventType = "sync_failure"
	EventCrisisHandled    EventType = "crisis_handled"
	EventConflictResolved EventType = "conflict_resolved"
	EventQueueExpiry      EventType = "queue_expiry"
	EventRecovery         EventType = "recovery"
)

// Entry is a single audit record.
type Entry struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Event       EventType         `json:"event"`
	OperationID string            `json:"operationId,omitempty"`
	EntityID    string            `json:"entityId,omitempty"`
	Category    string            `json:"category,omitempty"`
	Severity    string            `json:"severity,omitempty"`
	Outcome     string            `json:"outcome,omitempty"`
	Attempts    int               `json:"attempts,omitempty"`
	Detail      map[string]string `json:"detail,omitempty"`
}

// Stats summarizes the journal contents.
type Stats struct {
	TotalEntries   int64               `json:"totalEntries"`
	EntriesByEvent map[EventType]int64 `json:"entriesByEvent"`
	LastEntry      time.Time           `json:"lastEntry"`
}

// AuditJournal is a bounded in-memory ring of audit entries. When the cap
// is reached the oldest slice of entries is rotated out.
type AuditJournal struct {
	mu            sync.RWMutex
	entries       []*Entry
	byOperationID map[string][]*Entry
	maxEntries    int
	rotatePercent float64
}

// Option configures the journal.
type Option func(*AuditJournal)

// WithMaxEntries sets the entry cap.
func WithMaxEntries(max int) Option {
	return func(j *AuditJournal) { j.maxEntries = max }
}

// WithRotatePercent sets the share of entries dropped on rotation.
func WithRotatePercent(percent float64) Option {
	return func(j *AuditJournal) { j.rotatePercent = percent }
}

// NewAuditJournal creates a journal.
func NewAuditJournal(opts ...Option) *AuditJournal {
	j := &AuditJournal{
		entries:       make([]*Entry, 0),
		byOperationID: make(map[string][]*Entry),
		maxEntries:    10000,
		rotatePercent: 0.2,
	}

	for _, opt := range opts {
		opt(j)
	}

	return j
}

// Record appends an entry, assigning ID and timestamp when absent.
func (j *AuditJournal) Record(entry *Entry) {
	if entry == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) >= j.maxEntries {
		j.rotate()
	}

	j.entries = append(j.entries, entry)
	if entry.OperationID != "" {
		j.byOperationID[entry.OperationID] = append(j.byOperationID[entry.OperationID], entry)
	}
}

// GetByOperationID returns all entries for an operation, oldest first.
func (j *AuditJournal) GetByOperationID(operationID string) []*Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	entries := j.byOperationID[operationID]
	result := make([]*Entry, len(entries))
	for i, entry := range entries {
		entryCopy := *entry
		result[i] = &entryCopy
	}
	return result
}

// Recent returns up to limit of the newest entries, oldest first.
func (j *AuditJournal) Recent(limit int) []*Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	entries := j.entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	result := make([]*Entry, len(entries))
	for i, entry := range entries {
		entryCopy := *entry
		result[i] = &entryCopy
	}
	return result
}

// GetStats returns journal statistics.
func (j *AuditJournal) GetStats() Stats {
	j.mu.RLock()
	defer j.mu.RUnlock()

	stats := Stats{
		TotalEntries:   int64(len(j.entries)),
		EntriesByEvent: make(map[EventType]int64),
	}

	for _, entry := range j.entries {
		stats.EntriesByEvent[entry.Event]++
		if entry.Timestamp.After(stats.LastEntry) {
			stats.LastEntry = entry.Timestamp
		}
	}

	return stats
}

// rotate drops the oldest slice of entries. Caller holds j.mu.
func (j *AuditJournal) rotate() {
	removeCount := int(float64(j.maxEntries) * j.rotatePercent)
	if removeCount < 1 {
		removeCount = 1
	}
	if removeCount > len(j.entries) {
		removeCount = len(j.entries)
	}

	j.entries = j.entries[removeCount:]

	j.byOperationID = make(map[string][]*Entry)
	for _, entry := range j.entries {
		if entry.OperationID != "" {
			j.byOperationID[entry.OperationID] = append(j.byOperationID[entry.OperationID], entry)
		}
	}
}
