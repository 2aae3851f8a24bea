package syncer

import (
	"context"

	"github.com/kindred-app/resilsync/contracts"
	"github.com/kindred-app/resilsync/health"
	"github.com/kindred-app/resilsync/internal/journal"
	"github.com/kindred-app/resilsync/internal/reliability"
	"github.com/kindred-app/resilsync/queue"
)

// Statistics is the read-only aggregate view of the engine for monitoring.
// Building it never mutates engine state.
type Statistics struct {
	TotalSyncs         int64                        `json:"totalSyncs"`
	TotalSuccesses     int64                        `json:"totalSuccesses"`
	TotalFallbacks     int64                        `json:"totalFallbacks"`
	TotalFailures      int64                        `json:"totalFailures"`
	TotalCrisis        int64                        `json:"totalCrisis"`
	ConflictsResolved  int64                        `json:"conflictsResolved"`
	FailuresByCategory map[contracts.Category]int64 `json:"failuresByCategory"`
	Breaker            reliability.Metrics          `json:"circuitBreaker"`
	Queue              queue.Stats                  `json:"queue"`
	Journal            journal.Stats                `json:"journal"`
}

// GetResilienceStatistics returns a snapshot of engine counters.
func (o *Orchestrator) GetResilienceStatistics() Statistics {
	o.mu.Lock()
	byCategory := make(map[contracts.Category]int64, len(o.failuresByCategory))
	for k, v := range o.failuresByCategory {
		byCategory[k] = v
	}
	stats := Statistics{
		TotalSyncs:         o.totalSyncs,
		TotalSuccesses:     o.totalSuccesses,
		TotalFallbacks:     o.totalFallbacks,
		TotalFailures:      o.totalFailures,
		TotalCrisis:        o.totalCrisis,
		ConflictsResolved:  o.conflictsResolved,
		FailuresByCategory: byCategory,
	}
	o.mu.Unlock()

	stats.Breaker = o.breaker.GetMetrics()
	if o.queue != nil {
		stats.Queue = o.queue.GetStats()
	}
	stats.Journal = o.journal.GetStats()

	return stats
}

// GetHealthStatus rolls breaker and queue state up into a degradation
// level. The roll-up is derived from snapshots and mutates nothing.
func (o *Orchestrator) GetHealthStatus(ctx context.Context) health.Report {
	registry := health.NewRegistry()
	registry.Register(health.NewBreakerChecker(o.breaker))
	if o.queue != nil {
		registry.Register(health.NewQueueChecker(o.queue, o.maxQueueSize))
	}
	return registry.Check(ctx)
}
