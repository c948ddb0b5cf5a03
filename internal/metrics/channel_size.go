package metrics

import (
	"context"
	"time"

	"l3flow/logger"
)

// QueueDepth is the occupancy of one buffered queue.
type QueueDepth struct {
	Name     string
	Length   int
	Capacity int
}

// QueueSource lists the queues to sample.
type QueueSource func() []QueueDepth

// StartQueueMetrics samples source every interval until ctx is done. A
// non-positive interval means once per second.
func StartQueueMetrics(ctx context.Context, interval time.Duration, source QueueSource) {
	if !IsFeatureEnabled(FeatureQueueSize) || source == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, q := range source() {
					BufferDepth(q.Name, q.Length)
					EmitMetric(log, "queues", q.Name+"_queue_depth", q.Length, "gauge", logger.Fields{
						"queue":    q.Name,
						"capacity": q.Capacity,
					})
				}
			}
		}
	}()
}
