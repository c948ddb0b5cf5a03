// Package metrics registers the Prometheus collectors for the order book
// pipeline and fans structured metric events out to CloudWatch and any
// registered handler.
//
// Exposes them on <address>/metrics using the Prometheus HTTP handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"l3flow/logger"
)

var (
	once     sync.Once
	registry = prometheus.NewRegistry()

	streamLabels = []string{"venue", "instrument"}

	eventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "l3flow_events_received_total",
		Help: "Order events decoded from venue feeds",
	}, streamLabels)
	eventsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "l3flow_events_applied_total",
		Help: "Order events applied to the live book",
	}, streamLabels)
	eventsPersisted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "l3flow_events_persisted_total",
		Help: "Order events written to durable storage",
	}, []string{"venue", "instrument", "sink"})
	eventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "l3flow_events_dropped_total",
		Help: "Messages dropped by stage",
	}, []string{"venue", "instrument", "stage"})
	sequenceGaps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "l3flow_sequence_gaps_total",
		Help: "Sequence gaps detected",
	}, streamLabels)
	resyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "l3flow_resyncs_total",
		Help: "Resync attempts by outcome",
	}, []string{"venue", "instrument", "outcome"})
	reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "l3flow_reconnects_total",
		Help: "Venue reconnections",
	}, streamLabels)
	phantomDones = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "l3flow_phantom_dones_total",
		Help: "Done events for orders not in the book",
	}, streamLabels)
	snapshotsTaken = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "l3flow_snapshots_total",
		Help: "Book snapshots captured",
	}, streamLabels)
	bookOrders = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "l3flow_book_orders",
		Help: "Resting orders in the live book",
	}, []string{"venue", "instrument", "side"})
	bufferDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "l3flow_buffer_depth",
		Help: "Pending items per queue",
	}, []string{"queue"})
	subscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "l3flow_subscribers",
		Help: "Live stream subscribers per instrument",
	}, []string{"instrument"})
	flushSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "l3flow_flush_seconds",
		Help:    "Batch flush latency per sink",
		Buckets: prometheus.DefBuckets,
	}, []string{"sink", "outcome"})
)

func init() {
	registry.MustRegister(
		eventsReceived, eventsApplied, eventsPersisted, eventsDropped,
		sequenceGaps, resyncs, reconnects, phantomDones, snapshotsTaken,
		bookOrders, bufferDepth, subscribers, flushSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Init starts the standalone metrics listener once. An empty address only
// keeps the collectors in-process (the dashboard can still serve them).
func Init(address string) {
	once.Do(func() {
		if address == "" {
			return
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", Handler())
		go func() {
			if err := http.ListenAndServe(address, mux); err != nil && err != http.ErrServerClosed {
				logger.GetLogger().WithComponent("metrics").WithError(err).Error("metrics server failed")
			}
		}()
	})
}

func EventReceived(venue, instrument string) {
	eventsReceived.WithLabelValues(venue, instrument).Inc()
}

func EventApplied(venue, instrument string) {
	eventsApplied.WithLabelValues(venue, instrument).Inc()
}

func EventsPersisted(venue, instrument, sink string, n int) {
	eventsPersisted.WithLabelValues(venue, instrument, sink).Add(float64(n))
}

func GapDetected(venue, instrument string) {
	sequenceGaps.WithLabelValues(venue, instrument).Inc()
}

func Resync(venue, instrument string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	resyncs.WithLabelValues(venue, instrument, outcome).Inc()
}

func Reconnect(venue, instrument string) {
	reconnects.WithLabelValues(venue, instrument).Inc()
}

func PhantomDone(venue, instrument string, n int) {
	phantomDones.WithLabelValues(venue, instrument).Add(float64(n))
}

func SnapshotTaken(venue, instrument string) {
	snapshotsTaken.WithLabelValues(venue, instrument).Inc()
}

func BookSize(venue, instrument string, bids, asks int) {
	bookOrders.WithLabelValues(venue, instrument, "bid").Set(float64(bids))
	bookOrders.WithLabelValues(venue, instrument, "ask").Set(float64(asks))
}

// ForgetStream removes the per-stream gauges once a stream stops.
func ForgetStream(venue, instrument string) {
	bookOrders.DeleteLabelValues(venue, instrument, "bid")
	bookOrders.DeleteLabelValues(venue, instrument, "ask")
}

func BufferDepth(queue string, n int) {
	bufferDepth.WithLabelValues(queue).Set(float64(n))
}

func Subscribers(instrument string, n int) {
	subscribers.WithLabelValues(instrument).Set(float64(n))
}

func ObserveFlush(sink string, seconds float64, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	flushSeconds.WithLabelValues(sink, outcome).Observe(seconds)
}
