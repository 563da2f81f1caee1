package engine

import "time"

// MetricsCollector provides observability hooks for sync passes.
type MetricsCollector interface {
	// RecordSyncDuration records how long a sync operation took
	RecordSyncDuration(op string, d time.Duration)

	// RecordSyncChanges records how many change records were synced
	RecordSyncChanges(pushed, pulled int)

	// RecordConflicts records conflict counts for one pass
	RecordConflicts(detected, autoResolved, manualReview int)

	// RecordSyncErrors records sync operation errors
	RecordSyncErrors(op, reason string)
}

// NoOpMetricsCollector is a stub implementation that discards metrics.
type NoOpMetricsCollector struct{}

func (*NoOpMetricsCollector) RecordSyncDuration(op string, d time.Duration)          {}
func (*NoOpMetricsCollector) RecordSyncChanges(pushed, pulled int)                   {}
func (*NoOpMetricsCollector) RecordConflicts(detected, autoResolved, manualReview int) {}
func (*NoOpMetricsCollector) RecordSyncErrors(op, reason string)                     {}
