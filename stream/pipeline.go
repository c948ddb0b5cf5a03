package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appconfig "l3flow/config"
	"l3flow/internal/channel"
	"l3flow/internal/faults"
	"l3flow/internal/metrics"
	"l3flow/logger"
	"l3flow/models"
	"l3flow/processor"
	"l3flow/reader"
	"l3flow/writer"
)

const publishTimeout = 5 * time.Second

type fetchResult struct {
	snap *models.VenueSnapshot
	err  error
}

// pipeline runs one (venue, instrument) stream. The read loop owns the
// venue connection, the apply loop is the only writer of the book, and the
// snapshot manager and persistence buffer run their own goroutines.
type pipeline struct {
	venue      string
	instrument string
	req        models.StartRequest
	cfg        *appconfig.Config
	adapter    reader.Adapter
	publishers []writer.SnapshotPublisher
	dist       *channel.Distributor
	store      writer.Store

	book      *processor.Book
	sequencer *processor.Sequencer
	snapshots *processor.SnapshotManager
	buffer    *writer.Buffer

	feed     chan models.FeedMessage
	fetched  chan fetchResult
	fetching atomic.Bool
	received atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
	done   chan struct{}
	log    *logger.Log

	mu             sync.RWMutex
	status         models.StreamStatus
	finished       bool
	protocolErrors int64
	reconnects     int64
	lastEventAt    time.Time
	lastError      string
}

type pipelineDeps struct {
	store      writer.Store
	secondary  []writer.EventSink
	spool      *writer.Spool
	publishers []writer.SnapshotPublisher
	dist       *channel.Distributor
}

// newPipeline builds a pipeline bound to parent. Nothing runs until start.
func newPipeline(parent context.Context, cfg *appconfig.Config, adapter reader.Adapter, instrument string, req models.StartRequest, deps pipelineDeps) *pipeline {
	venue := adapter.Venue()
	book := processor.NewBook(venue, instrument)
	ctx, cancel := context.WithCancel(parent)
	p := &pipeline{
		venue:      venue,
		instrument: instrument,
		req:        req,
		cfg:        cfg,
		adapter:    adapter,
		dist:       deps.dist,
		book:       book,
		sequencer:  processor.NewSequencer(book, cfg.Sequencer.GapBufferSize, cfg.Sequencer.ResyncAttempts),
		feed:       make(chan models.FeedMessage, cfg.Channels.FeedBuffer),
		fetched:    make(chan fetchResult, 1),
		wg:         &sync.WaitGroup{},
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        logger.GetLogger(),
	}

	var snapStore processor.SnapshotStore
	if req.Persist && deps.store != nil {
		snapStore = deps.store
		p.store = deps.store
		p.publishers = deps.publishers
		opts := []writer.BufferOption{writer.WithSecondary(deps.secondary...)}
		if deps.spool != nil {
			opts = append(opts, writer.WithSpool(deps.spool))
		}
		p.buffer = writer.NewBuffer(venue, instrument, cfg.Writer, deps.store, opts...)
	}
	p.snapshots = processor.NewSnapshotManager(book, snapStore, req.SnapshotInterval, req.SnapshotEvery, p.onSnapshot)

	p.status = models.StreamStatus{
		Venue:            venue,
		Instrument:       instrument,
		State:            models.StreamStarting,
		Persist:          p.buffer != nil,
		SnapshotInterval: req.SnapshotInterval,
	}
	return p
}

func (p *pipeline) entry() *logger.Entry {
	return p.log.WithComponent("pipeline").WithStream(p.venue, p.instrument)
}

// start recovers the book from the newest persisted snapshot, if any, and
// launches the goroutines. ctx only bounds recovery. A pipeline whose start
// fails is released before start returns.
func (p *pipeline) start(ctx context.Context) error {
	if err := p.ctx.Err(); err != nil {
		p.abort(err)
		return err
	}

	snap, err := p.snapshots.Recover(ctx)
	if err != nil {
		// not fatal: the venue snapshot anchors the book instead
		p.recordError(err)
		p.entry().WithError(err).Warn("snapshot recovery failed")
	}
	if snap != nil {
		p.sequencer.Anchor(snap)
	}
	if r, ok := p.adapter.(reader.Resumer); ok {
		if seq := p.resumeSequence(ctx, snap); seq > 0 {
			r.Resume(seq)
		}
	}

	if p.buffer != nil {
		if err := p.buffer.Start(p.ctx); err != nil {
			p.abort(err)
			return err
		}
	}
	if err := p.snapshots.Start(p.ctx); err != nil {
		if p.buffer != nil {
			p.buffer.Close(p.ctx)
		}
		p.abort(err)
		return err
	}

	p.mu.Lock()
	p.status.StartedAt = time.Now().UTC()
	p.mu.Unlock()

	p.wg.Add(2)
	go p.readLoop()
	go p.applyLoop()
	go p.supervise()

	fields := logger.Fields{
		"persist":  p.buffer != nil,
		"interval": p.req.SnapshotInterval.String(),
	}
	if snap != nil {
		fields["recovered_sequence"] = snap.Sequence
	}
	p.entry().WithFields(fields).Info("pipeline started")
	return nil
}

// resumeSequence is where self-numbering adapters continue: above both the
// recovered snapshot and every persisted event.
func (p *pipeline) resumeSequence(ctx context.Context, snap *models.Snapshot) int64 {
	var seq int64
	if snap != nil {
		seq = snap.Sequence
	}
	if p.store == nil {
		return seq
	}
	max, err := p.store.MaxSequence(ctx, p.venue, p.instrument)
	if err != nil {
		p.recordError(err)
		p.entry().WithError(err).Warn("failed to load highest persisted sequence")
		return seq
	}
	if max > seq {
		seq = max
	}
	return seq
}

// abort releases a pipeline whose start failed.
func (p *pipeline) abort(err error) {
	p.cancel()
	p.mu.Lock()
	p.status.State = models.StreamFailed
	p.status.StoppedAt = time.Now().UTC()
	p.status.LastError = err.Error()
	p.lastError = err.Error()
	p.finished = true
	p.book = nil
	p.mu.Unlock()
	close(p.done)
}

// readLoop keeps the venue connection up. A connection that delivered
// messages resets the attempt budget; reader.retry.max_attempts failed
// connects in a row fail the stream.
func (p *pipeline) readLoop() {
	defer p.wg.Done()
	attempts := 0
	for {
		before := p.received.Load()
		err := p.adapter.Connect(p.ctx, p.instrument, p.feed)
		if p.ctx.Err() != nil {
			return
		}
		if err == nil {
			err = faults.Disconnected("pipeline.connect", errors.New("connection closed"))
		}
		if p.received.Load() > before {
			attempts = 0
		}
		attempts++

		if faults.Is(err, faults.ProtocolViolation) {
			p.mu.Lock()
			p.protocolErrors++
			p.mu.Unlock()
		}
		p.recordError(err)

		if limit := p.cfg.Reader.Retry.MaxAttempts; limit > 0 && attempts > limit {
			p.fail(fmt.Errorf("reconnect budget of %d attempts exhausted: %w", limit, err))
			return
		}

		delay := p.cfg.Reader.Retry.Delay(attempts)
		p.entry().WithError(err).WithFields(logger.Fields{
			"attempt": attempts,
			"delay":   delay.String(),
		}).Warn("venue connection lost, reconnecting")

		select {
		case <-p.ctx.Done():
			return
		case <-time.After(delay):
		}

		// the next venue snapshot re-anchors the book
		p.sequencer.Reset()
		p.mu.Lock()
		p.reconnects++
		p.mu.Unlock()
		metrics.Reconnect(p.venue, p.instrument)
		logger.Count(logger.CounterReconnects, 1)
	}
}

func (p *pipeline) applyLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.feed:
			p.handleMessage(msg)
		case res := <-p.fetched:
			p.fetching.Store(false)
			p.handleFetch(res)
		}
	}
}

func (p *pipeline) handleMessage(msg models.FeedMessage) {
	p.received.Add(1)
	switch {
	case msg.Err != nil:
		p.mu.Lock()
		p.protocolErrors++
		p.mu.Unlock()
		p.recordError(msg.Err)
		p.entry().WithError(msg.Err).Debug("dropping undecodable message")
	case msg.Snapshot != nil:
		p.applySnapshot(msg.Snapshot)
	case msg.Event != nil:
		metrics.EventReceived(p.venue, p.instrument)
		logger.Count(logger.CounterEventsRead, 1)
		res, err := p.sequencer.Handle(msg.Event)
		if err != nil {
			return
		}
		p.process(res)
	}
}

// process forwards what the sequencer released, in sequence order.
func (p *pipeline) process(res processor.Result) {
	for _, evt := range res.Applied {
		if p.buffer != nil {
			p.buffer.Add(*evt)
		}
		p.dist.PublishEvent(evt)
		metrics.EventApplied(p.venue, p.instrument)
	}
	if n := len(res.Applied); n > 0 {
		p.snapshots.Observe(n)
		p.mu.Lock()
		p.lastEventAt = time.Now().UTC()
		p.mu.Unlock()
	}
	if res.PhantomDones > 0 {
		metrics.PhantomDone(p.venue, p.instrument, res.PhantomDones)
	}
	if res.Stale > 0 || res.Duplicates > 0 {
		metrics.EmitDropMetrics(p.log, metrics.DropMetricStale, p.venue, p.instrument, "sequencer", res.Stale+res.Duplicates)
	}
	for _, err := range res.Rejected {
		p.recordError(err)
	}
	if res.NeedSnapshot {
		if p.sequencer.State() != processor.Uninitialized {
			metrics.GapDetected(p.venue, p.instrument)
			logger.Count(logger.CounterGaps, 1)
		}
		p.requestSnapshot(0)
	}
}

// requestSnapshot fetches a venue snapshot off the apply loop. At most one
// fetch is in flight.
func (p *pipeline) requestSnapshot(delay time.Duration) {
	if !p.fetching.CompareAndSwap(false, true) {
		return
	}
	p.sequencer.BeginResync()
	logger.Count(logger.CounterSnapshotFetches, 1)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if delay > 0 {
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Sequencer.ResyncTimeout)
		defer cancel()
		snap, err := p.adapter.Snapshot(ctx, p.instrument)
		select {
		case p.fetched <- fetchResult{snap: snap, err: err}:
		case <-p.ctx.Done():
		}
	}()
}

func (p *pipeline) handleFetch(res fetchResult) {
	if res.err == nil {
		p.applySnapshot(res.snap)
		return
	}
	metrics.Resync(p.venue, p.instrument, false)
	p.recordError(res.err)
	if err := p.sequencer.ResyncFailed(res.err); err != nil {
		p.fail(err)
		return
	}
	delay := p.cfg.Reader.Retry.Delay(p.sequencer.Attempts())
	p.entry().WithError(res.err).WithFields(logger.Fields{
		"attempt": p.sequencer.Attempts(),
		"delay":   delay.String(),
	}).Warn("snapshot fetch failed, retrying")
	p.requestSnapshot(delay)
}

func (p *pipeline) applySnapshot(vs *models.VenueSnapshot) {
	before := p.sequencer.Stats().Resyncs
	res, err := p.sequencer.HandleSnapshot(vs)
	if err != nil {
		return
	}
	if p.sequencer.Stats().Resyncs > before {
		metrics.Resync(p.venue, p.instrument, true)
	}
	if p.book.Anchored() && p.book.LastSequence() == vs.Sequence {
		p.dist.PublishSnapshot(p.book.Capture())
	}
	p.process(res)
}

// onSnapshot runs on the snapshot manager goroutine for every snapshot it
// takes.
func (p *pipeline) onSnapshot(snap *models.Snapshot) {
	metrics.SnapshotTaken(p.venue, p.instrument)
	metrics.BookSize(p.venue, p.instrument, snap.Stats.BidOrders, snap.Stats.AskOrders)
	p.dist.PublishStatistics(p.venue, p.instrument, snap.Sequence, snap.Stats)

	if len(p.publishers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for _, pub := range p.publishers {
		if err := pub.PublishSnapshot(ctx, snap); err != nil {
			p.entry().WithError(err).WithField("sequence", snap.Sequence).Warn("snapshot publish failed")
		}
	}
}

func (p *pipeline) recordError(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	p.lastError = err.Error()
	p.mu.Unlock()
}

// fail marks the stream failed and stops it. Other streams are unaffected.
func (p *pipeline) fail(err error) {
	p.mu.Lock()
	if p.status.State != models.StreamFailed {
		p.status.State = models.StreamFailed
		p.lastError = err.Error()
	}
	p.mu.Unlock()
	p.entry().WithError(err).Error("stream failed")
	p.cancel()
}

// supervise waits for the goroutines after cancellation, then flushes and
// releases the pipeline.
func (p *pipeline) supervise() {
	<-p.ctx.Done()
	p.wg.Wait()
	p.snapshots.Stop()

	p.mu.RLock()
	failed := p.status.State == models.StreamFailed
	p.mu.RUnlock()

	grace, cancel := context.WithTimeout(context.Background(), p.cfg.Writer.GracePeriod)
	defer cancel()
	if !failed {
		// a final snapshot lets the next start recover close to here
		if _, err := p.snapshots.Take(grace); err != nil {
			p.entry().WithError(err).Warn("final snapshot failed")
		}
	}
	if p.buffer != nil {
		p.buffer.Close(grace)
	}

	final := p.snapshot()
	if !failed {
		final.State = models.StreamStopped
	}
	final.StoppedAt = time.Now().UTC()

	p.mu.Lock()
	p.status = final
	p.finished = true
	p.book = nil
	p.mu.Unlock()

	p.dist.CloseStream(p.venue, p.instrument)
	metrics.ForgetStream(p.venue, p.instrument)
	p.entry().WithFields(logger.Fields{
		"state":         final.State,
		"last_sequence": final.LastSequence,
		"applied":       final.EventsApplied,
		"persisted":     final.EventsPersisted,
	}).Info("pipeline stopped")
	close(p.done)
}

// stop cancels the pipeline and waits until it has been released or ctx
// ends.
func (p *pipeline) stop(ctx context.Context) error {
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// running reports whether the pipeline has not yet stopped or failed.
func (p *pipeline) running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.finished && p.status.State != models.StreamFailed
}

// capture freezes the live book, or returns nil when it is not anchored.
func (p *pipeline) capture() *models.Snapshot {
	p.mu.RLock()
	book := p.book
	finished := p.finished
	p.mu.RUnlock()
	if finished || book == nil || !book.Anchored() {
		return nil
	}
	return book.Capture()
}

// snapshot assembles the current status. After the pipeline is released it
// returns the frozen final status.
func (p *pipeline) snapshot() models.StreamStatus {
	p.mu.RLock()
	if p.finished {
		defer p.mu.RUnlock()
		return p.status
	}
	// the pointer is cleared on release; the book itself is safe to read
	book := p.book
	st := p.status
	st.ProtocolErrors = p.protocolErrors
	st.Reconnects = p.reconnects
	st.LastEventAt = p.lastEventAt
	st.LastError = p.lastError
	p.mu.RUnlock()

	seq := p.sequencer.Stats()
	st.SequencerState = p.sequencer.State().String()
	st.LastSequence = p.sequencer.LastSequence()
	st.EventsReceived = p.received.Load()
	st.EventsApplied = seq.Applied
	st.EventsDropped = seq.Duplicates + seq.Stale + seq.Overflows
	st.Gaps = seq.Gaps
	st.Resyncs = seq.Resyncs
	st.Rejected = seq.Rejected
	st.PhantomDones = book.PhantomDones()
	st.SnapshotsTaken = p.snapshots.Taken()

	degraded := false
	if p.buffer != nil {
		b := p.buffer.Stats()
		st.EventsPersisted = b.Persisted
		st.EventsDropped += b.Dropped
		degraded = b.Degraded
	}

	if st.State != models.StreamFailed {
		switch p.sequencer.State() {
		case processor.Synced:
			st.State = models.StreamActive
			if degraded {
				st.State = models.StreamDegraded
			}
		case processor.Uninitialized:
			if seq.Applied == 0 && !book.Anchored() {
				st.State = models.StreamStarting
			} else {
				st.State = models.StreamDegraded
			}
		default:
			st.State = models.StreamDegraded
		}
	}
	return st
}

func (p *pipeline) queues() []metrics.QueueDepth {
	q := []metrics.QueueDepth{{
		Name:     "feed_" + p.venue + "_" + p.instrument,
		Length:   len(p.feed),
		Capacity: cap(p.feed),
	}}
	if p.buffer != nil {
		q = append(q, metrics.QueueDepth{
			Name:     "persist_" + p.venue + "_" + p.instrument,
			Length:   p.buffer.Pending(),
			Capacity: p.cfg.Writer.Buffer.MaxSize,
		})
	}
	return q
}
