package metrics

import "l3flow/logger"

// DropMetric names the metric emitted when a message is discarded.
type DropMetric string

const (
	// DropMetricFeed is a decoded venue message that did not fit the feed queue.
	DropMetricFeed DropMetric = "feed_messages_dropped"
	// DropMetricStale is an event at or below the book's applied sequence.
	DropMetricStale DropMetric = "stale_events_dropped"
	// DropMetricPersist is an event rejected by a full persistence buffer.
	DropMetricPersist DropMetric = "persist_events_dropped"
	// DropMetricSubscriber is a message skipped for a lagging subscriber.
	DropMetricSubscriber DropMetric = "subscriber_messages_dropped"
)

// EmitDropMetric records one dropped message for venue/instrument at stage
// in both Prometheus and the structured metric stream.
func EmitDropMetric(log *logger.Log, metric DropMetric, venue, instrument, stage string) {
	EmitDropMetrics(log, metric, venue, instrument, stage, 1)
}

// EmitDropMetrics is EmitDropMetric for n messages discarded together.
func EmitDropMetrics(log *logger.Log, metric DropMetric, venue, instrument, stage string, n int) {
	if n <= 0 {
		return
	}
	eventsDropped.WithLabelValues(venue, instrument, stage).Add(float64(n))
	logger.Count(logger.CounterDropped, int64(n))

	fields := logger.Fields{}
	if venue != "" {
		fields["venue"] = venue
	}
	if instrument != "" {
		fields["instrument"] = instrument
	}
	if stage != "" {
		fields["stage"] = stage
	}
	EmitMetric(log, "drops", string(metric), n, "counter", fields)
}
