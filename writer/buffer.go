package writer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appconfig "l3flow/config"
	"l3flow/internal/faults"
	"l3flow/internal/metrics"
	"l3flow/logger"
	"l3flow/models"
)

// BufferStats is a point-in-time view of a Buffer.
type BufferStats struct {
	Pending   int
	Batches   int64
	Persisted int64
	Dropped   int64
	Spooled   int64
	Replayed  int64
	Errors    int64
	Degraded  bool
}

// Buffer batches the events of one stream for the primary store. Add never
// blocks; a background flusher writes a batch whenever batch.size events are
// pending or batch.timeout elapses. A batch that keeps failing after the
// retry budget marks the buffer degraded and is spilled to the spool, to be
// replayed after the next successful write.
type Buffer struct {
	venue      string
	instrument string
	cfg        appconfig.WriterConfig
	primary    EventSink
	secondary  []EventSink
	spool      *Spool
	onPersist  func(n int)

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log

	pending []models.OrderEvent
	kick    chan struct{}
	done    chan struct{}
	flushMu sync.Mutex

	degraded   atomic.Bool
	needReplay atomic.Bool
	batches    atomic.Int64
	persisted  atomic.Int64
	dropped    atomic.Int64
	spooled    atomic.Int64
	replayed   atomic.Int64
	errors     atomic.Int64
}

// BufferOption customises a Buffer.
type BufferOption func(*Buffer)

// WithSecondary adds best-effort sinks that receive every batch the primary
// store acknowledged.
func WithSecondary(sinks ...EventSink) BufferOption {
	return func(b *Buffer) { b.secondary = append(b.secondary, sinks...) }
}

// WithSpool enables spilling to a local journal while degraded.
func WithSpool(s *Spool) BufferOption {
	return func(b *Buffer) {
		b.spool = s
		b.needReplay.Store(s != nil)
	}
}

// WithPersistHook is called with the size of every acknowledged batch.
func WithPersistHook(fn func(n int)) BufferOption {
	return func(b *Buffer) { b.onPersist = fn }
}

func NewBuffer(venue, instrument string, cfg appconfig.WriterConfig, primary EventSink, opts ...BufferOption) *Buffer {
	b := &Buffer{
		venue:      venue,
		instrument: instrument,
		cfg:        cfg,
		primary:    primary,
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	if b.cfg.Batch.Size <= 0 {
		b.cfg.Batch.Size = 1000
	}
	if b.cfg.Batch.Timeout <= 0 {
		b.cfg.Batch.Timeout = time.Second
	}
	if b.cfg.Retry.MaxAttempts <= 0 {
		b.cfg.Retry.MaxAttempts = 1
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Buffer) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("persistence buffer already running")
	}
	b.running = true
	b.ctx = ctx
	b.mu.Unlock()

	b.wg.Add(1)
	go b.flushLoop()

	b.log.WithComponent("persistence_buffer").WithStream(b.venue, b.instrument).WithFields(logger.Fields{
		"sink":       b.primary.Name(),
		"batch_size": b.cfg.Batch.Size,
		"timeout":    b.cfg.Batch.Timeout.String(),
		"max_size":   b.cfg.Buffer.MaxSize,
	}).Info("persistence buffer started")
	return nil
}

// Add queues evt. It returns false when the buffer is full and the event
// was dropped.
func (b *Buffer) Add(evt models.OrderEvent) bool {
	b.mu.Lock()
	if b.cfg.Buffer.MaxSize > 0 && len(b.pending) >= b.cfg.Buffer.MaxSize {
		b.mu.Unlock()
		b.dropped.Add(1)
		metrics.EmitDropMetric(b.log, metrics.DropMetricPersist, b.venue, b.instrument, "persist")
		return false
	}
	b.pending = append(b.pending, evt)
	full := len(b.pending) >= b.cfg.Batch.Size
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return true
}

func (b *Buffer) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.Batch.Timeout)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.done:
			return
		case <-b.kick:
			b.flushFull(b.ctx)
		case <-ticker.C:
			b.flushAll(b.ctx)
		}
	}
}

// take removes up to n events from the front of the queue.
func (b *Buffer) take(n int) []models.OrderEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.pending) {
		n = len(b.pending)
	}
	if n == 0 {
		return nil
	}
	batch := make([]models.OrderEvent, n)
	copy(batch, b.pending[:n])
	b.pending = append(b.pending[:0], b.pending[n:]...)
	return batch
}

// requeue puts a batch interrupted by cancellation back at the front.
func (b *Buffer) requeue(batch []models.OrderEvent) {
	b.mu.Lock()
	b.pending = append(batch, b.pending...)
	b.mu.Unlock()
}

func (b *Buffer) flushFull(ctx context.Context) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	for b.Pending() >= b.cfg.Batch.Size {
		if !b.writeBatch(ctx, b.take(b.cfg.Batch.Size)) {
			return
		}
	}
}

func (b *Buffer) flushAll(ctx context.Context) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	for {
		batch := b.take(b.cfg.Batch.Size)
		if len(batch) == 0 {
			return
		}
		if !b.writeBatch(ctx, batch) {
			return
		}
	}
}

// Flush writes everything pending now.
func (b *Buffer) Flush(ctx context.Context) {
	b.flushAll(ctx)
}

// writeBatch returns false when ctx ended before the batch was settled; the
// batch is then back in the queue.
func (b *Buffer) writeBatch(ctx context.Context, batch []models.OrderEvent) bool {
	if len(batch) == 0 {
		return true
	}

	if b.degraded.Load() {
		// one attempt per batch while degraded
		if err := b.write(ctx, batch); err != nil {
			if ctx.Err() != nil {
				b.requeue(batch)
				return false
			}
			b.spill(batch, err)
			return true
		}
		b.recovered(ctx)
		return true
	}

	var err error
	for attempt := 1; attempt <= b.cfg.Retry.MaxAttempts; attempt++ {
		if err = b.write(ctx, batch); err == nil {
			if b.needReplay.Load() {
				b.replay(ctx)
			}
			return true
		}
		if attempt == b.cfg.Retry.MaxAttempts {
			break
		}
		delay := b.cfg.Retry.Delay(attempt)
		b.log.WithComponent("persistence_buffer").WithStream(b.venue, b.instrument).WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
			"batch":   len(batch),
		}).Warn("flush failed, retrying")
		select {
		case <-ctx.Done():
			b.requeue(batch)
			return false
		case <-time.After(delay):
		}
	}
	if ctx.Err() != nil {
		b.requeue(batch)
		return false
	}

	b.degrade(err)
	b.spill(batch, err)
	return true
}

// write sends one batch to the primary store and, on success, to the
// secondary sinks.
func (b *Buffer) write(ctx context.Context, batch []models.OrderEvent) error {
	start := time.Now()
	err := b.primary.WriteEvents(ctx, batch)
	metrics.ObserveFlush(b.primary.Name(), time.Since(start).Seconds(), err == nil)
	if err != nil {
		b.errors.Add(1)
		return faults.Wrap(faults.StorageUnavailable, b.primary.Name()+".write", err)
	}

	n := len(batch)
	b.batches.Add(1)
	metrics.EventsPersisted(b.venue, b.instrument, b.primary.Name(), n)
	logger.Count(logger.CounterEventsPersisted, int64(n))
	if b.onPersist != nil {
		b.onPersist(n)
	}
	b.persisted.Add(int64(n))
	logger.LogPerformanceEntry(b.log.WithStream(b.venue, b.instrument), "persistence_buffer", "flush", time.Since(start), logger.Fields{
		"sink":  b.primary.Name(),
		"batch": n,
	})

	for _, s := range b.secondary {
		if err := s.WriteEvents(ctx, batch); err != nil {
			b.log.WithComponent("persistence_buffer").WithStream(b.venue, b.instrument).WithError(err).WithFields(logger.Fields{
				"sink":  s.Name(),
				"batch": n,
			}).Warn("secondary sink write failed")
			continue
		}
		metrics.EventsPersisted(b.venue, b.instrument, s.Name(), n)
	}
	return nil
}

func (b *Buffer) degrade(err error) {
	if b.degraded.Swap(true) {
		return
	}
	b.log.WithComponent("persistence_buffer").WithStream(b.venue, b.instrument).WithError(err).WithFields(logger.Fields{
		"attempts": b.cfg.Retry.MaxAttempts,
		"spool":    b.spool != nil,
	}).Error("primary store unavailable, buffer degraded")
}

func (b *Buffer) recovered(ctx context.Context) {
	if b.degraded.Swap(false) {
		b.log.WithComponent("persistence_buffer").WithStream(b.venue, b.instrument).Info("primary store recovered")
	}
	b.replay(ctx)
}

func (b *Buffer) spill(batch []models.OrderEvent, cause error) {
	if b.spool == nil {
		b.dropped.Add(int64(len(batch)))
		metrics.EmitDropMetrics(b.log, metrics.DropMetricPersist, b.venue, b.instrument, "persist", len(batch))
		b.log.WithComponent("persistence_buffer").WithStream(b.venue, b.instrument).WithError(cause).WithFields(logger.Fields{
			"batch": len(batch),
		}).Error("batch discarded, no spool configured")
		return
	}
	if err := b.spool.Put(batch); err != nil {
		b.dropped.Add(int64(len(batch)))
		metrics.EmitDropMetrics(b.log, metrics.DropMetricPersist, b.venue, b.instrument, "spool", len(batch))
		b.log.WithComponent("persistence_buffer").WithStream(b.venue, b.instrument).WithError(err).WithFields(logger.Fields{
			"batch": len(batch),
		}).Error("spool write failed, batch discarded")
		return
	}
	b.spooled.Add(int64(len(batch)))
	b.needReplay.Store(true)
	logger.Count(logger.CounterSpooled, int64(len(batch)))
	b.log.WithComponent("persistence_buffer").WithStream(b.venue, b.instrument).WithFields(logger.Fields{
		"batch":    len(batch),
		"first":    batch[0].Sequence,
		"last":     batch[len(batch)-1].Sequence,
		"degraded": b.degraded.Load(),
	}).Warn("batch spilled to spool")
}

func (b *Buffer) replay(ctx context.Context) {
	if b.spool == nil {
		return
	}
	n, err := b.spool.Replay(b.venue, b.instrument, func(events []models.OrderEvent) error {
		return b.write(ctx, events)
	})
	b.replayed.Add(int64(n))
	if err != nil {
		b.log.WithComponent("persistence_buffer").WithStream(b.venue, b.instrument).WithError(err).WithFields(logger.Fields{
			"replayed": n,
		}).Warn("spool replay interrupted")
		return
	}
	b.needReplay.Store(false)
	if n > 0 {
		b.log.WithComponent("persistence_buffer").WithStream(b.venue, b.instrument).WithFields(logger.Fields{
			"replayed": n,
		}).Info("spool replayed")
	}
}

// Close stops the flusher and writes what is left within ctx. Whatever is
// still pending when ctx ends is spilled, or dropped without a spool.
func (b *Buffer) Close(ctx context.Context) {
	b.mu.Lock()
	wasRunning := b.running
	b.running = false
	b.mu.Unlock()
	if wasRunning {
		close(b.done)
		b.wg.Wait()
	}

	b.flushAll(ctx)
	if rest := b.take(b.Pending()); len(rest) > 0 {
		b.spill(rest, ctx.Err())
	}
	metrics.ReportWriter(b.log, "persistence_buffer", b.writerStats())
	b.log.WithComponent("persistence_buffer").WithStream(b.venue, b.instrument).WithFields(logger.Fields{
		"persisted": b.persisted.Load(),
		"spooled":   b.spooled.Load(),
		"dropped":   b.dropped.Load(),
	}).Info("persistence buffer closed")
}

func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Buffer) Degraded() bool { return b.degraded.Load() }

func (b *Buffer) Stats() BufferStats {
	return BufferStats{
		Pending:   b.Pending(),
		Batches:   b.batches.Load(),
		Persisted: b.persisted.Load(),
		Dropped:   b.dropped.Load(),
		Spooled:   b.spooled.Load(),
		Replayed:  b.replayed.Load(),
		Errors:    b.errors.Load(),
		Degraded:  b.degraded.Load(),
	}
}

func (b *Buffer) writerStats() metrics.WriterStats {
	return metrics.WriterStats{
		Sink:           b.primary.Name(),
		BatchesWritten: b.batches.Load(),
		EventsWritten:  b.persisted.Load(),
		ErrorsCount:    b.errors.Load(),
		Spooled:        b.spooled.Load(),
		Pending:        b.Pending(),
		Capacity:       b.cfg.Buffer.MaxSize,
	}
}

// Report emits the buffer's writer metrics.
func (b *Buffer) Report() {
	metrics.ReportWriter(b.log, "persistence_buffer", b.writerStats())
}
