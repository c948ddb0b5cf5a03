package metrics

import "l3flow/logger"

// WriterStats is a point-in-time view of one persistence sink.
type WriterStats struct {
	Sink           string
	BatchesWritten int64
	EventsWritten  int64
	ErrorsCount    int64
	Spooled        int64
	Pending        int
	Capacity       int
}

// ReportWriter emits writer metrics for component and logs a summary line,
// at warn level when the sink has seen errors.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	if log == nil {
		log = logger.GetLogger()
	}
	errorRate := float64(0)
	if stats.BatchesWritten+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.BatchesWritten+stats.ErrorsCount)
	}
	dims := logger.Fields{"sink": stats.Sink}

	EmitMetric(log, component, "batches_written", stats.BatchesWritten, "counter", dims)
	EmitMetric(log, component, "events_written", stats.EventsWritten, "counter", dims)
	EmitMetric(log, component, "errors_count", stats.ErrorsCount, "counter", dims)
	EmitMetric(log, component, "error_rate", errorRate, "gauge", logger.Fields{"sink": stats.Sink, "unit": "percent"})
	EmitMetric(log, component, "persist_queue_depth", stats.Pending, "gauge", dims)
	BufferDepth("persist_"+stats.Sink, stats.Pending)

	entry := log.WithComponent(component).WithFields(logger.Fields{
		"sink":            stats.Sink,
		"batches_written": stats.BatchesWritten,
		"events_written":  stats.EventsWritten,
		"errors_count":    stats.ErrorsCount,
		"error_rate":      errorRate,
		"spooled":         stats.Spooled,
		"pending":         stats.Pending,
		"capacity":        stats.Capacity,
	})
	if stats.ErrorsCount > 0 {
		entry.Warn(component + " metrics")
		return
	}
	entry.Info(component + " metrics")
}
