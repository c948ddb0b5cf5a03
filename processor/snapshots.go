package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"l3flow/internal/faults"
	"l3flow/logger"
	"l3flow/models"
	"l3flow/writer"
)

// SnapshotStore persists and loads book snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *models.Snapshot) error
	LatestSnapshot(ctx context.Context, venue, instrument string) (*models.Snapshot, error)
}

// HistoryStore answers the queries needed to rebuild a past book.
type HistoryStore interface {
	SnapshotAtOrBefore(ctx context.Context, venue, instrument string, sequence int64) (*models.Snapshot, error)
	EventsAfter(ctx context.Context, venue, instrument string, after int64, limit int) ([]models.OrderEvent, error)
}

// SnapshotListener receives every snapshot the manager takes.
type SnapshotListener func(*models.Snapshot)

const (
	saveTimeout     = 5 * time.Second
	rebuildPageSize = 5000
	recoverTimeout  = 5 * time.Second
)

// SnapshotManager freezes the book on a time and/or event-count cadence,
// persists the copies and recovers the book from the newest one.
type SnapshotManager struct {
	venue      string
	instrument string
	book       *Book
	store      SnapshotStore
	interval   time.Duration
	every      int64
	listeners  []SnapshotListener

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	trigger   chan struct{}
	sinceLast atomic.Int64
	taken     atomic.Int64
	failures  atomic.Int64
	latest    atomic.Pointer[models.Snapshot]
}

// NewSnapshotManager creates a manager. store may be nil when the stream is
// not persisted; snapshots are then only kept in memory and published.
func NewSnapshotManager(book *Book, store SnapshotStore, interval time.Duration, every int, listeners ...SnapshotListener) *SnapshotManager {
	if interval <= 0 {
		interval = models.DefaultSnapshotInterval
	}
	return &SnapshotManager{
		venue:      book.venue,
		instrument: book.instrument,
		book:       book,
		store:      store,
		interval:   interval,
		every:      int64(every),
		listeners:  listeners,
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
		trigger:    make(chan struct{}, 1),
	}
}

func (m *SnapshotManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("snapshot manager already running")
	}
	m.running = true
	m.ctx = ctx
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop()

	m.log.WithComponent("snapshot_manager").WithStream(m.venue, m.instrument).WithFields(logger.Fields{
		"interval":     m.interval.String(),
		"every_events": m.every,
	}).Info("snapshot manager started")
	return nil
}

// Stop waits for the cadence goroutine; the caller cancels the context.
func (m *SnapshotManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *SnapshotManager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		case <-m.trigger:
		}
		if _, err := m.Take(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.WithComponent("snapshot_manager").WithStream(m.venue, m.instrument).WithError(err).Warn("snapshot failed")
		}
	}
}

// Observe counts applied events and wakes the loop when the event-count
// cadence is reached. It never blocks.
func (m *SnapshotManager) Observe(n int) {
	if m.every <= 0 || n <= 0 {
		return
	}
	if m.sinceLast.Add(int64(n)) >= m.every {
		select {
		case m.trigger <- struct{}{}:
		default:
		}
	}
}

// Take captures the book and persists the copy. An unanchored book yields
// no snapshot; an unchanged sequence returns the previous one.
func (m *SnapshotManager) Take(ctx context.Context) (*models.Snapshot, error) {
	if !m.book.Anchored() {
		return nil, nil
	}
	if prev := m.latest.Load(); prev != nil && prev.Sequence == m.book.LastSequence() {
		m.sinceLast.Store(0)
		return prev, nil
	}

	snap := m.book.Capture()
	m.sinceLast.Store(0)
	m.latest.Store(snap)
	m.taken.Add(1)
	logger.Count(logger.CounterSnapshotsTaken, 1)

	for _, l := range m.listeners {
		l(snap)
	}

	if m.store == nil {
		return snap, nil
	}
	saveCtx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()
	start := time.Now()
	if err := m.store.SaveSnapshot(saveCtx, snap); err != nil {
		m.failures.Add(1)
		return snap, faults.Wrap(faults.StorageUnavailable, "snapshot.save", err)
	}
	logger.LogPerformanceEntry(m.log.WithStream(m.venue, m.instrument), "snapshot_manager", "save_snapshot", time.Since(start), logger.Fields{
		"sequence": snap.Sequence,
		"orders":   snap.Stats.TotalOrders(),
	})
	return snap, nil
}

// Latest is the most recent snapshot taken by this manager.
func (m *SnapshotManager) Latest() *models.Snapshot {
	return m.latest.Load()
}

func (m *SnapshotManager) Taken() int64    { return m.taken.Load() }
func (m *SnapshotManager) Failures() int64 { return m.failures.Load() }

// Recover loads the newest persisted snapshot. It returns nil when there is
// none, in which case the sequencer must wait for a venue snapshot.
func (m *SnapshotManager) Recover(ctx context.Context) (*models.Snapshot, error) {
	if m.store == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, recoverTimeout)
	defer cancel()

	snap, err := m.store.LatestSnapshot(ctx, m.venue, m.instrument)
	if errors.Is(err, writer.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Wrap(faults.StorageUnavailable, "snapshot.recover", err)
	}
	m.latest.Store(snap)
	m.log.WithComponent("snapshot_manager").WithStream(m.venue, m.instrument).WithFields(logger.Fields{
		"sequence": snap.Sequence,
		"orders":   snap.Stats.TotalOrders(),
	}).Info("recovered snapshot")
	return snap, nil
}

// Rebuild reconstructs the book as of atSequence from the newest snapshot
// at or before it plus the persisted events that follow.
func Rebuild(ctx context.Context, store HistoryStore, venue, instrument string, atSequence int64) (*models.Snapshot, error) {
	base, err := store.SnapshotAtOrBefore(ctx, venue, instrument, atSequence)
	if err != nil {
		return nil, fmt.Errorf("rebuild %s %s: %w", venue, instrument, err)
	}

	book := NewBook(venue, instrument)
	book.Restore(base)
	last := base.Sequence

	for last < atSequence {
		events, err := store.EventsAfter(ctx, venue, instrument, last, rebuildPageSize)
		if err != nil {
			return nil, fmt.Errorf("rebuild %s %s: load events: %w", venue, instrument, err)
		}
		if len(events) == 0 {
			break
		}
		for i := range events {
			evt := &events[i]
			if evt.Sequence > atSequence {
				last = atSequence
				break
			}
			if _, err := book.Apply(evt); err != nil {
				if faults.Is(err, faults.SequenceGap) {
					return nil, fmt.Errorf("rebuild %s %s at %d: %w", venue, instrument, evt.Sequence, err)
				}
				book.Skip(evt.Sequence)
			}
			last = evt.Sequence
		}
	}
	return book.Capture(), nil
}
