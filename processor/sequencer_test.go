package processor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"l3flow/internal/faults"
	"l3flow/models"
)

func syncedSequencer(t *testing.T, seq int64) *Sequencer {
	t.Helper()
	s := NewSequencer(NewBook("coinbase", "BTC-USD"), 8, 3)
	_, err := s.HandleSnapshot(venueSnapshot(seq, nil, nil))
	require.NoError(t, err)
	require.Equal(t, Synced, s.State())
	return s
}

func TestSequencerUninitializedRequestsSnapshot(t *testing.T) {
	s := NewSequencer(NewBook("coinbase", "BTC-USD"), 8, 3)

	res, err := s.Handle(open("1", 5, models.SideBid, "100", "1"))
	require.NoError(t, err)
	assert.True(t, res.NeedSnapshot)
	assert.True(t, res.Buffered)
	assert.Empty(t, res.Applied, "never build a book from an unanchored diff")

	res, err = s.Handle(open("2", 6, models.SideBid, "100", "1"))
	require.NoError(t, err)
	assert.False(t, res.NeedSnapshot, "snapshot already requested")

	res, err = s.HandleSnapshot(venueSnapshot(5, []models.SnapshotOrder{so("1", "100", "1")}, nil))
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, int64(6), res.Applied[0].Sequence)
	assert.Equal(t, Synced, s.State())
	assert.Equal(t, 2, s.Book().Len())
	assert.Equal(t, int64(0), s.Stats().Resyncs, "first anchor is not a resync")
}

func TestSequencerGapForcesResyncBeforeApply(t *testing.T) {
	s := syncedSequencer(t, 9)

	for _, e := range []*models.OrderEvent{
		open("a", 10, models.SideBid, "100", "1"),
		open("b", 11, models.SideAsk, "101", "1"),
	} {
		res, err := s.Handle(e)
		require.NoError(t, err)
		require.Len(t, res.Applied, 1)
	}

	res, err := s.Handle(open("c", 14, models.SideBid, "99", "1"))
	require.NoError(t, err)
	assert.True(t, res.NeedSnapshot)
	assert.Empty(t, res.Applied)
	assert.Equal(t, GapDetected, s.State())
	_, _, found := s.Book().Order("c")
	assert.False(t, found, "event after a gap must not be applied")
	assert.Equal(t, int64(1), s.Stats().Gaps)

	s.BeginResync()
	assert.Equal(t, Resyncing, s.State())

	res, err = s.Handle(open("d", 15, models.SideBid, "98", "1"))
	require.NoError(t, err)
	assert.True(t, res.Buffered)
	assert.False(t, res.NeedSnapshot)

	res, err = s.HandleSnapshot(venueSnapshot(13,
		[]models.SnapshotOrder{so("a", "100", "1")},
		[]models.SnapshotOrder{so("b", "101", "1")},
	))
	require.NoError(t, err)
	require.Len(t, res.Applied, 2)
	assert.Equal(t, int64(14), res.Applied[0].Sequence)
	assert.Equal(t, int64(15), res.Applied[1].Sequence)
	assert.Equal(t, Synced, s.State())
	assert.Equal(t, int64(15), s.LastSequence())
	assert.Equal(t, int64(1), s.Stats().Resyncs)
	assert.Equal(t, 4, s.Book().Len())
}

func TestSequencerDuplicateAndStale(t *testing.T) {
	s := syncedSequencer(t, 0)
	_, err := s.Handle(open("1", 1, models.SideBid, "100", "2"))
	require.NoError(t, err)
	_, err = s.Handle(open("2", 2, models.SideBid, "100", "3"))
	require.NoError(t, err)
	before := s.Book().Stats()

	res, err := s.Handle(open("2", 2, models.SideBid, "100", "3"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicates)
	res, err = s.Handle(change("1", 1, "1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stale)

	after := s.Book().Stats()
	assert.True(t, before.BidVolume.Equal(after.BidVolume))
	assert.Equal(t, before.BidOrders, after.BidOrders)
	assert.Equal(t, int64(2), s.LastSequence())
}

func TestSequencerUnknownOrderIsGap(t *testing.T) {
	s := syncedSequencer(t, 0)
	res, err := s.Handle(change("ghost", 1, "1"))
	require.NoError(t, err)
	assert.True(t, res.NeedSnapshot)
	assert.Equal(t, GapDetected, s.State())
	assert.Equal(t, 1, s.Pending())
}

func TestSequencerRejectedEventAdvances(t *testing.T) {
	s := syncedSequencer(t, 0)
	_, err := s.Handle(open("1", 1, models.SideBid, "100", "2"))
	require.NoError(t, err)

	res, err := s.Handle(change("1", 2, "-5"))
	require.NoError(t, err)
	require.Len(t, res.Rejected, 1)
	assert.True(t, faults.Is(res.Rejected[0], faults.InvariantViolation))
	assert.Equal(t, Synced, s.State())

	res, err = s.Handle(change("1", 3, "1"))
	require.NoError(t, err)
	require.Len(t, res.Applied, 1, "a rejected event must not open a gap")
}

func TestSequencerResyncBudget(t *testing.T) {
	s := syncedSequencer(t, 0)
	_, _ = s.Handle(open("1", 5, models.SideBid, "100", "1"))
	s.BeginResync()

	cause := errors.New("snapshot endpoint down")
	require.NoError(t, s.ResyncFailed(cause))
	require.NoError(t, s.ResyncFailed(cause))
	err := s.ResyncFailed(cause)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSequencerFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, Failed, s.State())

	_, err = s.Handle(open("2", 6, models.SideBid, "100", "1"))
	assert.ErrorIs(t, err, ErrSequencerFailed)
}

func TestSequencerBufferOverflow(t *testing.T) {
	s := NewSequencer(NewBook("coinbase", "BTC-USD"), 2, 3)
	_, _ = s.Handle(open("1", 1, models.SideBid, "100", "1"))
	_, _ = s.Handle(open("2", 2, models.SideBid, "100", "1"))
	res, err := s.Handle(open("3", 3, models.SideBid, "100", "1"))
	require.NoError(t, err)
	assert.True(t, res.Buffered)
	assert.Equal(t, 1, s.Pending())
	assert.Equal(t, int64(1), s.Stats().Overflows)
}

func TestSequencerResetAfterReconnect(t *testing.T) {
	s := syncedSequencer(t, 0)
	_, _ = s.Handle(open("1", 1, models.SideBid, "100", "1"))
	s.Reset()
	assert.Equal(t, Uninitialized, s.State())
	assert.Equal(t, int64(1), s.LastSequence())

	res, err := s.Handle(open("2", 2, models.SideBid, "100", "1"))
	require.NoError(t, err)
	assert.True(t, res.NeedSnapshot)

	_, err = s.HandleSnapshot(venueSnapshot(2, []models.SnapshotOrder{so("2", "100", "1")}, nil))
	require.NoError(t, err)
	assert.Equal(t, Synced, s.State())
	assert.Equal(t, int64(1), s.Stats().Resyncs)
}

func TestSequencerAnchor(t *testing.T) {
	s := NewSequencer(NewBook("coinbase", "BTC-USD"), 8, 3)
	s.Anchor(&models.Snapshot{Sequence: 40, Bids: []models.SnapshotOrder{so("x", "10", "1")}})
	assert.Equal(t, Synced, s.State())

	res, err := s.Handle(done("x", 41))
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, 0, s.Book().Len())
}
