package writer

import (
	"context"
	"errors"
	"sort"
	"sync"

	"l3flow/models"
)

var errInjected = errors.New("injected storage failure")

// Failure describes storage faults a MemoryStore should simulate. The next
// Calls writes fail; each failing write first commits Partial rows, the way
// a batch can be half applied before a connection drops.
type Failure struct {
	Calls   int
	Partial int
	Err     error
}

// MemoryStore keeps everything in process. Its unique key on events mirrors
// the (venue, instrument, order_id, sequence) constraint of the SQL store,
// and snapshots are unique on (venue, instrument, sequence).
type MemoryStore struct {
	name string

	mu        sync.RWMutex
	events    map[string][]models.OrderEvent
	keys      map[string]struct{}
	snapshots map[string][]*models.Snapshot
	failure   Failure
	writes    int
	closed    bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		name:      "memory",
		events:    make(map[string][]models.OrderEvent),
		keys:      make(map[string]struct{}),
		snapshots: make(map[string][]*models.Snapshot),
	}
}

func (m *MemoryStore) Name() string { return m.name }

// InjectFailure arms f, replacing any failure still pending.
func (m *MemoryStore) InjectFailure(f Failure) {
	if f.Err == nil {
		f.Err = errInjected
	}
	m.mu.Lock()
	m.failure = f
	m.mu.Unlock()
}

// Writes returns how many WriteEvents calls were made, failed ones included.
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

func (m *MemoryStore) WriteEvents(ctx context.Context, events []models.OrderEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++

	commit := len(events)
	var failErr error
	if m.failure.Calls > 0 {
		m.failure.Calls--
		failErr = m.failure.Err
		commit = m.failure.Partial
		if commit > len(events) {
			commit = len(events)
		}
	}

	for _, e := range events[:commit] {
		key := e.Key()
		if _, dup := m.keys[key]; dup {
			continue
		}
		m.keys[key] = struct{}{}
		sk := streamKey(e.Venue, e.Instrument)
		m.events[sk] = append(m.events[sk], e)
	}
	return failErr
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure.Calls > 0 {
		m.failure.Calls--
		return m.failure.Err
	}

	sk := streamKey(snap.Venue, snap.Instrument)
	list := m.snapshots[sk]
	i := sort.Search(len(list), func(i int) bool { return list[i].Sequence >= snap.Sequence })
	if i < len(list) && list[i].Sequence == snap.Sequence {
		return nil
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = snap
	m.snapshots[sk] = list
	return nil
}

func (m *MemoryStore) LatestSnapshot(ctx context.Context, venue, instrument string) (*models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.snapshots[streamKey(venue, instrument)]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[len(list)-1], nil
}

func (m *MemoryStore) SnapshotAtOrBefore(ctx context.Context, venue, instrument string, sequence int64) (*models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.snapshots[streamKey(venue, instrument)]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Sequence <= sequence {
			return list[i], nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) EventsAfter(ctx context.Context, venue, instrument string, after int64, limit int) ([]models.OrderEvent, error) {
	m.mu.RLock()
	var out []models.OrderEvent
	for _, e := range m.events[streamKey(venue, instrument)] {
		if e.Sequence > after {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MaxSequence(ctx context.Context, venue, instrument string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max int64
	for _, e := range m.events[streamKey(venue, instrument)] {
		if e.Sequence > max {
			max = e.Sequence
		}
	}
	return max, nil
}

func (m *MemoryStore) QueryOrders(ctx context.Context, q models.OrderQuery) ([]models.OrderEvent, error) {
	q.Normalize()
	m.mu.RLock()
	var out []models.OrderEvent
	for _, e := range m.events[streamKey(q.Venue, q.Instrument)] {
		if !q.Start.IsZero() && e.Timestamp.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && e.Timestamp.After(q.End) {
			continue
		}
		out = append(out, e)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Sequence > out[j].Sequence
	})
	if q.Offset >= len(out) {
		return nil, nil
	}
	out = out[q.Offset:]
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Statistics(ctx context.Context, venue, instrument string) (models.StorageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sk := streamKey(venue, instrument)
	stats := models.StorageStats{
		Venue:         venue,
		Instrument:    instrument,
		SnapshotCount: int64(len(m.snapshots[sk])),
	}
	orders := make(map[string]struct{})
	for _, e := range m.events[sk] {
		stats.EventCount++
		orders[e.OrderID] = struct{}{}
		if stats.FirstEventAt.IsZero() || e.Timestamp.Before(stats.FirstEventAt) {
			stats.FirstEventAt = e.Timestamp
		}
		if e.Timestamp.After(stats.LastEventAt) {
			stats.LastEventAt = e.Timestamp
		}
	}
	stats.DistinctOrders = int64(len(orders))
	return stats, nil
}

// Len returns the number of distinct events stored for a stream.
func (m *MemoryStore) Len(venue, instrument string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events[streamKey(venue, instrument)])
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
