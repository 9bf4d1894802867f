package messaging

import "time"

// MetricsCollector receives routing and dead letter metrics. Implementations
// must be safe for concurrent use.
type MetricsCollector interface {
	// RecordHandleOutcome records one routed delivery.
	RecordHandleOutcome(destination string, outcome Outcome, duration time.Duration)

	// RecordRetryScheduled records a republish to a retry destination.
	RecordRetryScheduled(level int, errorClass string)

	// RecordDeadLetter records an archived message.
	RecordDeadLetter(errorClass string)

	// RecordReplay records an operator-triggered replay.
	RecordReplay()

	// RecordDLQOccupancy records the current dead letter occupancy.
	RecordDLQOccupancy(count int)
}

// NoOpMetricsCollector discards all metrics.
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordHandleOutcome(destination string, outcome Outcome, duration time.Duration) {
}

func (NoOpMetricsCollector) RecordRetryScheduled(level int, errorClass string) {}

func (NoOpMetricsCollector) RecordDeadLetter(errorClass string) {}

func (NoOpMetricsCollector) RecordReplay() {}

func (NoOpMetricsCollector) RecordDLQOccupancy(count int) {}
