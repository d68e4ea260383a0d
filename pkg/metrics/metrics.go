// Package metrics provides Prometheus metrics for the reconciliation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "reconciler"

var (
	// MergeActionsTotal tracks merge and unmerge actions by terminal state
	MergeActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "actions_total",
			Help:      "Total number of merge/unmerge actions by operation and resulting state",
		},
		[]string{"entity_type", "operation", "state"},
	)

	// MergeRejectedTotal tracks merge requests rejected before any mutation
	MergeRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "rejected_total",
			Help:      "Merge/unmerge requests rejected synchronously",
		},
		[]string{"entity_type", "reason"},
	)

	// MergeDuration tracks the destructive phase duration
	MergeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "duration_seconds",
			Help:      "Duration of the destructive phase of merge/unmerge actions",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"entity_type", "operation"},
	)

	// CursorPagesTotal tracks processed batch cursor pages
	CursorPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cursor",
			Name:      "pages_total",
			Help:      "Batch cursor pages by job and outcome",
		},
		[]string{"job", "outcome"},
	)

	// CursorItemsTotal tracks per-item outcomes inside cursor pages
	CursorItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cursor",
			Name:      "items_total",
			Help:      "Batch cursor items by job and outcome",
		},
		[]string{"job", "outcome"},
	)

	// RelationRowsUpdated tracks activity relation rows rewritten
	RelationRowsUpdated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "affiliation",
			Name:      "relation_rows_updated_total",
			Help:      "Activity relation rows whose organization changed",
		},
		[]string{"reason"},
	)

	// RetriesTotal tracks operation-level retries
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Retried operations by name",
		},
		[]string{"operation"},
	)

	// SyncEventsTotal tracks downstream sync notifications
	SyncEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_total",
			Help:      "Downstream sync notifications by entity type and status",
		},
		[]string{"entity_type", "status"},
	)

	// WorkflowUnitsInFlight tracks workflow units currently running
	WorkflowUnitsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "units_in_flight",
			Help:      "Number of workflow units currently running",
		},
	)

	// LockWaitDuration tracks how long callers waited for a distributed lock
	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a lock by lock kind and outcome",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"kind", "outcome"},
	)

	// WorkflowUnitsTotal tracks finished workflow units
	WorkflowUnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "units_total",
			Help:      "Finished workflow units by name and status",
		},
		[]string{"name", "status"},
	)
)

func RecordMergeAction(entityType, operation, state string) {
	MergeActionsTotal.WithLabelValues(entityType, operation, state).Inc()
}

func RecordMergeRejected(entityType, reason string) {
	MergeRejectedTotal.WithLabelValues(entityType, reason).Inc()
}

func RecordMergeDuration(entityType, operation string, seconds float64) {
	MergeDuration.WithLabelValues(entityType, operation).Observe(seconds)
}

func RecordCursorPage(job, outcome string) {
	CursorPagesTotal.WithLabelValues(job, outcome).Inc()
}

func RecordCursorItems(job string, succeeded, failed, skipped int) {
	CursorItemsTotal.WithLabelValues(job, "succeeded").Add(float64(succeeded))
	CursorItemsTotal.WithLabelValues(job, "failed").Add(float64(failed))
	CursorItemsTotal.WithLabelValues(job, "skipped").Add(float64(skipped))
}

func RecordRelationRows(reason string, rows int64) {
	RelationRowsUpdated.WithLabelValues(reason).Add(float64(rows))
}

func RecordRetry(operation string) {
	RetriesTotal.WithLabelValues(operation).Inc()
}

func RecordSyncEvent(entityType, status string) {
	SyncEventsTotal.WithLabelValues(entityType, status).Inc()
}

func RecordWorkflowUnit(name, status string) {
	WorkflowUnitsTotal.WithLabelValues(name, status).Inc()
}

func RecordLockWait(kind, outcome string, seconds float64) {
	LockWaitDuration.WithLabelValues(kind, outcome).Observe(seconds)
}
