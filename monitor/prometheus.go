// Package monitor exports engine statistics as Prometheus metrics so the
// sync engine's degradation is visible to external monitoring without
// mutating engine state.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kindred-app/resilsync/syncer"
)

// StatsSource provides read-only engine statistics. *resilsync.Engine
// satisfies it.
type StatsSource interface {
	Statistics() syncer.Statistics
}

// Collector implements prometheus.Collector over a StatsSource. Every
// scrape takes a fresh snapshot; nothing is cached or mutated.
type Collector struct {
	source StatsSource

	syncsTotal       *prometheus.Desc
	successesTotal   *prometheus.Desc
	fallbacksTotal   *prometheus.Desc
	failuresTotal    *prometheus.Desc
	crisisTotal      *prometheus.Desc
	conflictsTotal   *prometheus.Desc
	failuresByCat    *prometheus.Desc
	breakerState     *prometheus.Desc
	breakerRejected  *prometheus.Desc
	breakerBypasses  *prometheus.Desc
	queueDepth       *prometheus.Desc
	queueExpired     *prometheus.Desc
	queueEvicted     *prometheus.Desc
	queueEncFailures *prometheus.Desc
}

// NewCollector creates a Prometheus collector for the engine.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		syncsTotal: prometheus.NewDesc("resilsync_syncs_total",
			"Total sync operations submitted to the pipeline", nil, nil),
		successesTotal: prometheus.NewDesc("resilsync_successes_total",
			"Sync operations confirmed by the remote", nil, nil),
		fallbacksTotal: prometheus.NewDesc("resilsync_fallbacks_total",
			"Sync operations deferred to the persistence queue", nil, nil),
		failuresTotal: prometheus.NewDesc("resilsync_failures_total",
			"Sync operations that surfaced terminal failures", nil, nil),
		crisisTotal: prometheus.NewDesc("resilsync_crisis_total",
			"Crisis operations handled by the fast-path", nil, nil),
		conflictsTotal: prometheus.NewDesc("resilsync_conflicts_resolved_total",
			"Version conflicts reconciled", nil, nil),
		failuresByCat: prometheus.NewDesc("resilsync_failures_by_category_total",
			"Failures grouped by classification category", []string{"category"}, nil),
		breakerState: prometheus.NewDesc("resilsync_breaker_state",
			"Circuit breaker state (0=closed, 1=half-open, 2=open)", nil, nil),
		breakerRejected: prometheus.NewDesc("resilsync_breaker_rejected_total",
			"Calls short-circuited by the breaker", nil, nil),
		breakerBypasses: prometheus.NewDesc("resilsync_breaker_crisis_bypasses_total",
			"Crisis calls that bypassed breaker gating", nil, nil),
		queueDepth: prometheus.NewDesc("resilsync_queue_depth",
			"Operations pending recovery", nil, nil),
		queueExpired: prometheus.NewDesc("resilsync_queue_expired_total",
			"Operations dropped at max retention age", nil, nil),
		queueEvicted: prometheus.NewDesc("resilsync_queue_evicted_total",
			"Lower-priority operations evicted under backpressure", nil, nil),
		queueEncFailures: prometheus.NewDesc("resilsync_queue_encryption_failures_total",
			"Payload encryption failures during enqueue", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.syncsTotal
	ch <- c.successesTotal
	ch <- c.fallbacksTotal
	ch <- c.failuresTotal
	ch <- c.crisisTotal
	ch <- c.conflictsTotal
	ch <- c.failuresByCat
	ch <- c.breakerState
	ch <- c.breakerRejected
	ch <- c.breakerBypasses
	ch <- c.queueDepth
	ch <- c.queueExpired
	ch <- c.queueEvicted
	ch <- c.queueEncFailures
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Statistics()

	ch <- prometheus.MustNewConstMetric(c.syncsTotal, prometheus.CounterValue, float64(stats.TotalSyncs))
	ch <- prometheus.MustNewConstMetric(c.successesTotal, prometheus.CounterValue, float64(stats.TotalSuccesses))
	ch <- prometheus.MustNewConstMetric(c.fallbacksTotal, prometheus.CounterValue, float64(stats.TotalFallbacks))
	ch <- prometheus.MustNewConstMetric(c.failuresTotal, prometheus.CounterValue, float64(stats.TotalFailures))
	ch <- prometheus.MustNewConstMetric(c.crisisTotal, prometheus.CounterValue, float64(stats.TotalCrisis))
	ch <- prometheus.MustNewConstMetric(c.conflictsTotal, prometheus.CounterValue, float64(stats.ConflictsResolved))

	for category, count := range stats.FailuresByCategory {
		ch <- prometheus.MustNewConstMetric(c.failuresByCat, prometheus.CounterValue,
			float64(count), string(category))
	}

	ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue, breakerStateValue(stats.Breaker.State))
	ch <- prometheus.MustNewConstMetric(c.breakerRejected, prometheus.CounterValue, float64(stats.Breaker.TotalRejected))
	ch <- prometheus.MustNewConstMetric(c.breakerBypasses, prometheus.CounterValue, float64(stats.Breaker.CrisisBypasses))

	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(stats.Queue.Depth))
	ch <- prometheus.MustNewConstMetric(c.queueExpired, prometheus.CounterValue, float64(stats.Queue.TotalExpired))
	ch <- prometheus.MustNewConstMetric(c.queueEvicted, prometheus.CounterValue, float64(stats.Queue.TotalEvicted))
	ch <- prometheus.MustNewConstMetric(c.queueEncFailures, prometheus.CounterValue, float64(stats.Queue.EncryptionFailures))
}

func breakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	default:
		return 0
	}
}
