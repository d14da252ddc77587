package replicator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level gauges, registered once against the default registerer and
// labelled by session ID, mirroring router.Metrics' promauto.With usage
// (spec §3 domain stack table). A Replicator updates its own label set from
// runProcessInbox and beginAsyncTask/endAsyncTask; nothing here depends on
// cmd/syncd's registry.
var (
	changesProcessedMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "syncd",
		Subsystem: "replicator",
		Name:      "changes_processed",
		Help:      "Cumulative changes successfully transferred, by replication session.",
	}, []string{"session_id"})

	revisionsFailedMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "syncd",
		Subsystem: "replicator",
		Name:      "revisions_failed",
		Help:      "Cumulative revisions that failed to transfer, by replication session.",
	}, []string{"session_id"})

	asyncTaskCountMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "syncd",
		Subsystem: "replicator",
		Name:      "async_task_count",
		Help:      "In-flight async tasks (batch processing, checkpoint saves), by replication session.",
	}, []string{"session_id"})
)

// reportMetrics publishes the replicator's current counters under its
// session ID label. Called from runProcessInbox and the async-task hooks.
// The gauges live in the default Prometheus registry; the router's
// /_metrics endpoint serves its own registry and does not include them.
func (r *Replicator) reportMetrics() {
	r.mu.Lock()
	sessionID := r.sessionID
	changesProcessed := r.changesProcessed
	revisionsFailed := r.revisionsFailed
	asyncTasks := r.asyncTasks
	r.mu.Unlock()

	if sessionID == "" {
		return
	}
	changesProcessedMetric.WithLabelValues(sessionID).Set(float64(changesProcessed))
	revisionsFailedMetric.WithLabelValues(sessionID).Set(float64(revisionsFailed))
	asyncTaskCountMetric.WithLabelValues(sessionID).Set(float64(asyncTasks))
}
