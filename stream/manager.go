package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	appconfig "l3flow/config"
	"l3flow/internal/channel"
	"l3flow/internal/metrics"
	"l3flow/internal/symbols"
	"l3flow/logger"
	"l3flow/models"
	"l3flow/processor"
	"l3flow/reader"
	"l3flow/writer"
)

var (
	ErrStreamNotFound   = errors.New("stream not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Option customises a Manager.
type Option func(*Manager)

// WithSecondarySinks adds best-effort sinks that receive every batch the
// primary store acknowledged, for persisted streams.
func WithSecondarySinks(sinks ...writer.EventSink) Option {
	return func(m *Manager) { m.deps.secondary = append(m.deps.secondary, sinks...) }
}

// WithSnapshotPublishers forwards every snapshot of persisted streams.
func WithSnapshotPublishers(pubs ...writer.SnapshotPublisher) Option {
	return func(m *Manager) { m.deps.publishers = append(m.deps.publishers, pubs...) }
}

// WithSpool enables the degraded-mode journal for persisted streams.
func WithSpool(s *writer.Spool) Option {
	return func(m *Manager) { m.deps.spool = s }
}

// Manager is the arena of stream pipelines, keyed by venue and instrument.
// Stopped and failed streams keep their final status until cleared.
type Manager struct {
	cfg     *appconfig.Config
	factory reader.Factory
	store   writer.Store
	dist    *channel.Distributor
	deps    pipelineDeps

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the arena map only. It is never held while a pipeline
	// starts or stops.
	mu        sync.RWMutex
	pipelines map[string]*pipeline
	closed    bool
	log       *logger.Log
}

// NewManager creates a manager. A nil store keeps history in memory only.
func NewManager(cfg *appconfig.Config, factory reader.Factory, store writer.Store, opts ...Option) *Manager {
	if store == nil {
		store = writer.NewMemoryStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		factory:   factory,
		store:     store,
		ctx:       ctx,
		cancel:    cancel,
		pipelines: make(map[string]*pipeline),
		log:       logger.GetLogger(),
	}
	m.dist = channel.NewDistributor(m.liveSnapshots, cfg.Channels.SubscriberBuffer)
	for _, opt := range opts {
		opt(m)
	}
	m.deps.store = store
	m.deps.dist = m.dist
	return m
}

func streamKey(venue, instrument string) string {
	return strings.ToLower(strings.TrimSpace(venue)) + "|" + symbols.Normalize(instrument)
}

// Start runs one pipeline per requested venue. A venue whose pipeline is
// already running is left alone and its current status returned. Unknown
// venues fail the whole request before anything starts. ctx bounds the
// recovery of persisted books only; pipelines live until stopped. A venue
// that fails to start does not prevent the others.
func (m *Manager) Start(ctx context.Context, req models.StartRequest) ([]models.StreamStatus, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	instrument := symbols.Normalize(req.Instrument)

	adapters := make([]reader.Adapter, 0, len(req.Venues))
	seen := make(map[string]bool, len(req.Venues))
	for _, venue := range req.Venues {
		if seen[venue] {
			continue
		}
		seen[venue] = true
		a, err := m.factory(venue)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}

	type slot struct {
		p, prev *pipeline
		fresh   bool
	}
	slots := make([]slot, 0, len(adapters))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("stream manager closed")
	}
	for _, a := range adapters {
		key := streamKey(a.Venue(), instrument)
		prev := m.pipelines[key]
		if prev != nil && prev.running() {
			slots = append(slots, slot{p: prev})
			continue
		}
		// the slot is taken before recovery so a concurrent Start sees it
		p := newPipeline(m.ctx, m.cfg, a, instrument, req, m.deps)
		m.pipelines[key] = p
		slots = append(slots, slot{p: p, prev: prev, fresh: true})
	}
	m.mu.Unlock()

	statuses := make([]models.StreamStatus, 0, len(slots))
	var errs []error
	for _, s := range slots {
		if s.fresh {
			if s.prev != nil {
				// a failed pipeline may still be flushing
				<-s.prev.done
			}
			if err := s.p.start(ctx); err != nil {
				m.release(s.p)
				errs = append(errs, fmt.Errorf("start %s %s: %w", s.p.venue, instrument, err))
				continue
			}
		}
		statuses = append(statuses, s.p.snapshot())
	}
	if len(errs) > 0 {
		return statuses, errors.Join(errs...)
	}

	m.log.WithComponent("stream_manager").WithFields(logger.Fields{
		"instrument": instrument,
		"venues":     req.Venues,
		"persist":    req.Persist,
	}).Info("streams started")
	return statuses, nil
}

// release drops a pipeline that never started from the arena.
func (m *Manager) release(p *pipeline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := streamKey(p.venue, p.instrument)
	if m.pipelines[key] == p {
		delete(m.pipelines, key)
	}
}

func (m *Manager) lookup(venue, instrument string) (*pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[streamKey(venue, instrument)]
	if !ok {
		return nil, ErrStreamNotFound
	}
	return p, nil
}

// Stop cancels the stream, flushes its buffer within the writer grace period
// and discards its book. The final status is retained.
func (m *Manager) Stop(ctx context.Context, venue, instrument string) error {
	p, err := m.lookup(venue, instrument)
	if err != nil {
		return err
	}
	return p.stop(ctx)
}

func (m *Manager) Status(venue, instrument string) (models.StreamStatus, error) {
	p, err := m.lookup(venue, instrument)
	if err != nil {
		return models.StreamStatus{}, err
	}
	return p.snapshot(), nil
}

// Statuses lists every known stream ordered by venue then instrument.
func (m *Manager) Statuses() []models.StreamStatus {
	all := m.all()
	out := make([]models.StreamStatus, 0, len(all))
	for _, p := range all {
		out = append(out, p.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].Instrument < out[j].Instrument
	})
	return out
}

func (m *Manager) all() []*pipeline {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		all = append(all, p)
	}
	return all
}

// Clear forgets the retained status of a stopped or failed stream.
func (m *Manager) Clear(venue, instrument string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := streamKey(venue, instrument)
	p, ok := m.pipelines[key]
	if !ok {
		return ErrStreamNotFound
	}
	select {
	case <-p.done:
	default:
		return fmt.Errorf("stream %s %s is still running", p.venue, p.instrument)
	}
	delete(m.pipelines, key)
	return nil
}

// Close stops every stream and ends all subscriptions.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	all := m.all()
	var wg sync.WaitGroup
	errs := make(chan error, len(all))
	for _, p := range all {
		wg.Add(1)
		go func(p *pipeline) {
			defer wg.Done()
			if err := p.stop(ctx); err != nil {
				errs <- fmt.Errorf("stop %s %s: %w", p.venue, p.instrument, err)
			}
		}(p)
	}
	wg.Wait()
	close(errs)
	m.cancel()
	m.dist.Close()

	var joined []error
	for err := range errs {
		joined = append(joined, err)
	}
	m.log.WithComponent("stream_manager").WithFields(logger.Fields{"errors": len(joined)}).Info("stream manager closed")
	return errors.Join(joined...)
}

// LatestSnapshot captures the live book of an active stream, falling back to
// the newest persisted snapshot.
func (m *Manager) LatestSnapshot(ctx context.Context, venue, instrument string) (*models.Snapshot, error) {
	if p, err := m.lookup(venue, instrument); err == nil {
		if snap := p.capture(); snap != nil {
			return snap, nil
		}
	}
	snap, err := m.store.LatestSnapshot(ctx, strings.ToLower(strings.TrimSpace(venue)), symbols.Normalize(instrument))
	if errors.Is(err, writer.ErrNotFound) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot %s %s: %w", venue, instrument, err)
	}
	return snap, nil
}

// QueryOrders pages through persisted events, newest first.
func (m *Manager) QueryOrders(ctx context.Context, q models.OrderQuery) ([]models.OrderEvent, error) {
	q.Normalize()
	q.Venue = strings.ToLower(strings.TrimSpace(q.Venue))
	q.Instrument = symbols.Normalize(q.Instrument)
	return m.store.QueryOrders(ctx, q)
}

// Statistics summarises what has been persisted for one stream.
func (m *Manager) Statistics(ctx context.Context, venue, instrument string) (models.StorageStats, error) {
	return m.store.Statistics(ctx, strings.ToLower(strings.TrimSpace(venue)), symbols.Normalize(instrument))
}

// Rebuild reconstructs the persisted book as of atSequence.
func (m *Manager) Rebuild(ctx context.Context, venue, instrument string, atSequence int64) (*models.Snapshot, error) {
	snap, err := processor.Rebuild(ctx, m.store, strings.ToLower(strings.TrimSpace(venue)), symbols.Normalize(instrument), atSequence)
	if errors.Is(err, writer.ErrNotFound) {
		return nil, ErrSnapshotNotFound
	}
	return snap, err
}

// Subscribe attaches a live subscriber to every venue of instrument.
func (m *Manager) Subscribe(instrument string) *channel.Subscription {
	return m.dist.Subscribe(instrument, m.cfg.Channels.SubscriberBuffer)
}

// Distributor exposes the fan-out for reporting.
func (m *Manager) Distributor() *channel.Distributor { return m.dist }

// liveSnapshots is the distributor's snapshot source. It copies the arena
// and captures outside the manager lock, so it never waits on a Start.
// Pipelines still recovering are not anchored and contribute nothing.
func (m *Manager) liveSnapshots(instrument string) []*models.Snapshot {
	var snaps []*models.Snapshot
	for _, p := range m.all() {
		if p.instrument != instrument {
			continue
		}
		if snap := p.capture(); snap != nil {
			snaps = append(snaps, snap)
		}
	}
	return snaps
}

// QueueDepths reports feed and persistence queue occupancy for every
// running stream.
func (m *Manager) QueueDepths() []metrics.QueueDepth {
	var out []metrics.QueueDepth
	for _, p := range m.all() {
		if p.running() {
			out = append(out, p.queues()...)
		}
	}
	return out
}

// ReportWriters emits writer metrics for every persisted running stream.
func (m *Manager) ReportWriters() {
	for _, p := range m.all() {
		if p.running() && p.buffer != nil {
			p.buffer.Report()
		}
	}
}
