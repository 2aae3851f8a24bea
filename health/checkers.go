package health

import (
	"context"
	"fmt"
	"time"

	"github.com/kindred-app/resilsync/internal/reliability"
	"github.com/kindred-app/resilsync/queue"
	"github.com/kindred-app/resilsync/storage"
)

// BreakerChecker reports the circuit breaker's view of remote health.
type BreakerChecker struct {
	breaker *reliability.CircuitBreaker
}

// NewBreakerChecker creates a breaker health checker.
func NewBreakerChecker(breaker *reliability.CircuitBreaker) *BreakerChecker {
	return &BreakerChecker{breaker: breaker}
}

func (c *BreakerChecker) Name() string {
	return "circuit_breaker"
}

func (c *BreakerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	metrics := c.breaker.GetMetrics()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"state":           metrics.State,
			"window_failures": metrics.WindowFailures,
			"total_rejected":  metrics.TotalRejected,
			"crisis_bypasses": metrics.CrisisBypasses,
		},
	}

	switch c.breaker.GetState() {
	case reliability.StateOpen:
		result.Status = StatusCritical
		result.Message = "remote dependency unavailable, calls short-circuited"
	case reliability.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = "probing remote dependency recovery"
	default:
		result.Status = StatusHealthy
		result.Message = "remote dependency healthy"
	}

	result.Duration = time.Since(start)
	return result
}

// QueueChecker reports persistence queue pressure.
type QueueChecker struct {
	queue        *queue.PersistenceQueue
	maxQueueSize int
}

// NewQueueChecker creates a queue health checker. maxQueueSize is used to
// compute fill pressure thresholds.
func NewQueueChecker(q *queue.PersistenceQueue, maxQueueSize int) *QueueChecker {
	return &QueueChecker{queue: q, maxQueueSize: maxQueueSize}
}

func (c *QueueChecker) Name() string {
	return "persistence_queue"
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.queue.GetStats()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"depth":          stats.Depth,
			"by_priority":    stats.ByPriority,
			"total_expired":  stats.TotalExpired,
			"total_rejected": stats.TotalRejected,
		},
	}

	switch {
	case c.maxQueueSize > 0 && stats.Depth >= c.maxQueueSize:
		result.Status = StatusCritical
		result.Message = "queue at capacity, low-priority work is being rejected"
	case c.maxQueueSize > 0 && stats.Depth*10 >= c.maxQueueSize*8:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue above 80%% capacity (%d/%d)", stats.Depth, c.maxQueueSize)
	case stats.Depth > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d operations pending recovery", stats.Depth)
	default:
		result.Status = StatusHealthy
		result.Message = "queue empty"
	}

	result.Duration = time.Since(start)
	return result
}

// StoreChecker verifies the durable store responds to a round trip.
type StoreChecker struct {
	store storage.Store
}

// NewStoreChecker creates a durable store health checker.
func NewStoreChecker(store storage.Store) *StoreChecker {
	return &StoreChecker{store: store}
}

func (c *StoreChecker) Name() string {
	return "durable_store"
}

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if _, err := c.store.List(ctx); err != nil {
		result.Status = StatusCritical
		result.Message = "durable store unreachable"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "durable store responding"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ComponentChecker allows checking custom components.
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components.
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{name: name, checker: checker}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
