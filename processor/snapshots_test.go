package processor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"l3flow/internal/faults"
	"l3flow/models"
	"l3flow/writer"
)

func seededBook(t *testing.T) *Book {
	t.Helper()
	b := NewBook("coinbase", "BTC-USD")
	b.Replace(venueSnapshot(10,
		[]models.SnapshotOrder{so("b1", "100", "1"), so("b2", "99.5", "2")},
		[]models.SnapshotOrder{so("a1", "101", "0.5")},
	))
	return b
}

func TestSnapshotManagerSkipsUnanchoredBook(t *testing.T) {
	m := NewSnapshotManager(NewBook("coinbase", "BTC-USD"), writer.NewMemoryStore(), time.Minute, 0)
	snap, err := m.Take(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Zero(t, m.Taken())
}

func TestSnapshotManagerTakePersistsAndPublishes(t *testing.T) {
	store := writer.NewMemoryStore()
	book := seededBook(t)
	var published atomic.Int64
	m := NewSnapshotManager(book, store, time.Minute, 0, func(*models.Snapshot) { published.Add(1) })

	snap, err := m.Take(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(10), snap.Sequence)
	assert.Equal(t, int64(1), published.Load())

	// nothing applied since: the previous snapshot is reused
	again, err := m.Take(context.Background())
	require.NoError(t, err)
	assert.Same(t, snap, again)
	assert.Equal(t, int64(1), m.Taken())

	_, err = book.Apply(open("b3", 11, models.SideBid, "98", "1"))
	require.NoError(t, err)
	next, err := m.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(11), next.Sequence)
	assert.Equal(t, 3, next.Stats.BidOrders)
	assert.Equal(t, 2, len(snap.Bids), "earlier snapshot must not change")

	stats, err := store.Statistics(context.Background(), "coinbase", "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.SnapshotCount)
}

func TestSnapshotManagerSaveFailure(t *testing.T) {
	store := writer.NewMemoryStore()
	store.InjectFailure(writer.Failure{Calls: 1})
	m := NewSnapshotManager(seededBook(t), store, time.Minute, 0)

	snap, err := m.Take(context.Background())
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.StorageUnavailable))
	assert.NotNil(t, snap, "capture still succeeds for live readers")
	assert.Equal(t, int64(1), m.Failures())
}

func TestSnapshotManagerRoundTrip(t *testing.T) {
	store := writer.NewMemoryStore()
	book := seededBook(t)
	for _, e := range []*models.OrderEvent{
		open("a2", 11, models.SideAsk, "101", "3"),
		change("b2", 12, "1.25"),
		done("b1", 13),
	} {
		_, err := book.Apply(e)
		require.NoError(t, err)
	}
	m := NewSnapshotManager(book, store, time.Minute, 0)
	taken, err := m.Take(context.Background())
	require.NoError(t, err)

	// discard the live book and recover into a fresh one
	fresh := NewBook("coinbase", "BTC-USD")
	rm := NewSnapshotManager(fresh, store, time.Minute, 0)
	recovered, err := rm.Recover(context.Background())
	require.NoError(t, err)
	require.NotNil(t, recovered)
	fresh.Restore(recovered)

	assert.Equal(t, int64(13), fresh.LastSequence())
	again := fresh.Capture()
	assert.Equal(t, taken.Bids, again.Bids)
	assert.Equal(t, taken.Asks, again.Asks)
	assert.Equal(t, taken.Stats.TotalOrders(), again.Stats.TotalOrders())
	assert.True(t, taken.Stats.BidVolume.Equal(again.Stats.BidVolume))
	assert.True(t, taken.Stats.AskVolume.Equal(again.Stats.AskVolume))
	assert.True(t, again.Stats.BestBid.Decimal.Equal(d("99.5")))
	assert.True(t, again.Stats.BestAsk.Decimal.Equal(d("101")))
}

func TestSnapshotManagerRecoverWithoutSnapshot(t *testing.T) {
	m := NewSnapshotManager(NewBook("coinbase", "BTC-USD"), writer.NewMemoryStore(), time.Minute, 0)
	snap, err := m.Recover(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)

	unpersisted := NewSnapshotManager(NewBook("coinbase", "BTC-USD"), nil, time.Minute, 0)
	snap, err = unpersisted.Recover(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSnapshotManagerEventCadence(t *testing.T) {
	book := seededBook(t)
	m := NewSnapshotManager(book, nil, time.Hour, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	assert.Error(t, m.Start(ctx))

	_, err := book.Apply(open("b3", 11, models.SideBid, "98", "1"))
	require.NoError(t, err)
	m.Observe(1)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, m.Taken())

	_, err = book.Apply(open("b4", 12, models.SideBid, "97", "1"))
	require.NoError(t, err)
	m.Observe(1)
	require.Eventually(t, func() bool { return m.Taken() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(12), m.Latest().Sequence)

	cancel()
	m.Stop()
}

func TestRebuildReplaysEventsAfterSnapshot(t *testing.T) {
	ctx := context.Background()
	store := writer.NewMemoryStore()
	require.NoError(t, store.SaveSnapshot(ctx, seededBook(t).Capture()))

	var events []models.OrderEvent
	for _, e := range []*models.OrderEvent{
		open("b3", 11, models.SideBid, "98", "1"),
		change("b1", 12, "0.5"),
		done("a1", 13),
		open("a2", 14, models.SideAsk, "102", "4"),
	} {
		events = append(events, *e)
	}
	require.NoError(t, store.WriteEvents(ctx, events))

	snap, err := Rebuild(ctx, store, "coinbase", "BTC-USD", 13)
	require.NoError(t, err)
	assert.Equal(t, int64(13), snap.Sequence)
	assert.Equal(t, 3, snap.Stats.BidOrders)
	assert.Equal(t, 0, snap.Stats.AskOrders)
	assert.True(t, snap.Stats.BidVolume.Equal(d("3.5")))

	full, err := Rebuild(ctx, store, "coinbase", "BTC-USD", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(14), full.Sequence)
	assert.Equal(t, 1, full.Stats.AskOrders)

	_, err = Rebuild(ctx, store, "coinbase", "BTC-USD", 5)
	assert.ErrorIs(t, err, writer.ErrNotFound)
}
