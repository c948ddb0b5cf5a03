package processor

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"l3flow/internal/faults"
	"l3flow/models"
)

func TestBookOpenChangeDoneLeavesEmpty(t *testing.T) {
	b := NewBook("coinbase", "BTC-USD")

	_, err := b.Apply(open("1", 1, models.SideBid, "100", "5"))
	require.NoError(t, err)
	_, err = b.Apply(change("1", 2, "3"))
	require.NoError(t, err)

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Equal(d("100")))
	assert.True(t, b.Stats().BidVolume.Equal(d("3")))

	_, err = b.Apply(done("1", 3))
	require.NoError(t, err)

	assert.Equal(t, 0, b.Len())
	assert.Equal(t, int64(3), b.LastSequence())
	assert.True(t, b.Stats().BidVolume.IsZero())
}

func TestBookDuplicateOpenIsNoop(t *testing.T) {
	b := NewBook("coinbase", "BTC-USD")
	_, err := b.Apply(open("1", 1, models.SideAsk, "101", "2"))
	require.NoError(t, err)

	outcome, err := b.Apply(open("1", 2, models.SideAsk, "105", "9"))
	require.NoError(t, err)
	assert.Equal(t, DuplicateOpen, outcome)

	_, o, ok := b.Order("1")
	require.True(t, ok)
	assert.True(t, o.Price.Equal(d("101")))
	assert.True(t, b.Stats().AskVolume.Equal(d("2")))
}

func TestBookRejectsInvalidOpen(t *testing.T) {
	b := NewBook("coinbase", "BTC-USD")
	for _, e := range []*models.OrderEvent{
		open("a", 1, models.SideBid, "0", "1"),
		open("b", 1, models.SideBid, "10", "-1"),
		open("c", 1, "sideways", "10", "1"),
	} {
		_, err := b.Apply(e)
		assert.True(t, faults.Is(err, faults.InvariantViolation), "%s: %v", e.OrderID, err)
	}
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, int64(0), b.LastSequence())
}

func TestBookChange(t *testing.T) {
	b := NewBook("coinbase", "BTC-USD")
	_, _ = b.Apply(open("1", 1, models.SideBid, "100", "5"))

	_, err := b.Apply(change("1", 2, "-1"))
	assert.True(t, faults.Is(err, faults.InvariantViolation))
	_, o, _ := b.Order("1")
	assert.True(t, o.Size.Equal(d("5")), "rejected change must not alter the book")
	assert.Equal(t, int64(1), b.LastSequence())

	_, err = b.Apply(change("ghost", 2, "1"))
	assert.True(t, faults.Is(err, faults.SequenceGap))

	_, err = b.Apply(change("1", 2, "0"))
	require.NoError(t, err)
	assert.Equal(t, 0, b.Len(), "change to zero removes the order")
}

func TestBookPhantomDone(t *testing.T) {
	b := NewBook("coinbase", "BTC-USD")
	outcome, err := b.Apply(done("missing", 7))
	require.NoError(t, err)
	assert.Equal(t, PhantomDone, outcome)
	assert.Equal(t, int64(1), b.PhantomDones())
	assert.Equal(t, int64(7), b.LastSequence())
}

func TestBookMatchIsNotAuthoritative(t *testing.T) {
	b := NewBook("coinbase", "BTC-USD")
	_, _ = b.Apply(open("1", 1, models.SideAsk, "200", "2"))
	_, _ = b.Apply(open("2", 2, models.SideAsk, "201", "1"))

	_, err := b.Apply(match("1", 3, "0.5"))
	require.NoError(t, err)
	_, o, _ := b.Order("1")
	assert.True(t, o.Size.Equal(d("1.5")))

	// an overfill drains the order off the book
	_, err = b.Apply(match("1", 4, "5"))
	require.NoError(t, err)
	_, _, ok := b.Order("1")
	assert.False(t, ok)
	assert.Equal(t, 1, b.Len())
	ask, _ := b.BestAsk()
	assert.True(t, ask.Equal(d("201")))
	assert.True(t, b.Stats().AskVolume.Equal(d("1")))
	for _, o := range b.Capture().Asks {
		assert.True(t, o.Size.IsPositive(), "order %s captured at zero size", o.OrderID)
	}

	// the venue still closes it; neither step is a gap or a phantom
	outcome, err := b.Apply(match("1", 5, "1"))
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	outcome, err = b.Apply(done("1", 6))
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	assert.Equal(t, int64(0), b.PhantomDones())

	outcome, err = b.Apply(match("1", 7, "1"))
	require.NoError(t, err)
	assert.Equal(t, MatchAfterDone, outcome)

	_, err = b.Apply(match("never", 8, "1"))
	assert.True(t, faults.Is(err, faults.SequenceGap))
}

func TestBookChangeRestoresDrainedOrder(t *testing.T) {
	b := NewBook("coinbase", "BTC-USD")
	_, _ = b.Apply(open("1", 1, models.SideBid, "100", "1"))
	_, err := b.Apply(match("1", 2, "1"))
	require.NoError(t, err)
	_, ok := b.BestBid()
	assert.False(t, ok)

	_, err = b.Apply(change("1", 3, "0.25"))
	require.NoError(t, err)
	side, o, ok := b.Order("1")
	require.True(t, ok)
	assert.Equal(t, models.SideBid, side)
	assert.True(t, o.Price.Equal(d("100")))
	assert.True(t, o.Size.Equal(d("0.25")))
	assert.True(t, b.Stats().BidVolume.Equal(d("0.25")))

	outcome, err := b.Apply(done("1", 4))
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	assert.Equal(t, 0, b.Len())
}

func TestBookBestFollowsLevels(t *testing.T) {
	b := NewBook("coinbase", "BTC-USD")
	b.Replace(venueSnapshot(10,
		[]models.SnapshotOrder{so("b1", "100", "1"), so("b2", "101.50", "1"), so("b3", "101.5", "2")},
		[]models.SnapshotOrder{so("a1", "103", "1"), so("a2", "102", "1")},
	))

	bid, _ := b.BestBid()
	assert.True(t, bid.Equal(d("101.5")))
	size, count := b.DepthAt(models.SideBid, d("101.5"))
	assert.True(t, size.Equal(d("3")))
	assert.Equal(t, 2, count)

	_, _ = b.Apply(done("b2", 11))
	bid, _ = b.BestBid()
	assert.True(t, bid.Equal(d("101.5")), "one order still rests at the level")
	_, _ = b.Apply(match("b3", 12, "2"))
	bid, _ = b.BestBid()
	assert.True(t, bid.Equal(d("100")))

	_, _ = b.Apply(done("a2", 13))
	ask, _ := b.BestAsk()
	assert.True(t, ask.Equal(d("103")))
	_, _ = b.Apply(open("a3", 14, models.SideAsk, "101", "1"))
	ask, _ = b.BestAsk()
	assert.True(t, ask.Equal(d("101")))

	_, _ = b.Apply(done("b1", 15))
	_, ok := b.BestBid()
	assert.False(t, ok)
	assert.False(t, b.Stats().BestBid.Valid)
}

func TestBookVolumeMatchesRestingOrders(t *testing.T) {
	b := NewBook("coinbase", "BTC-USD")
	rng := rand.New(rand.NewSource(42))
	live := []string{}
	seq := int64(0)

	for i := 0; i < 2000; i++ {
		seq++
		switch op := rng.Intn(4); {
		case op == 0 || len(live) == 0:
			id := strconv.Itoa(i)
			side := models.SideBid
			if rng.Intn(2) == 0 {
				side = models.SideAsk
			}
			price := decimal.NewFromInt(int64(90 + rng.Intn(20)))
			size := decimal.New(int64(1+rng.Intn(1000)), -3)
			_, err := b.Apply(&models.OrderEvent{OrderID: id, Sequence: seq, Kind: models.EventOpen, Side: side, Price: price, Size: size})
			require.NoError(t, err)
			live = append(live, id)
		case op == 1:
			id := live[rng.Intn(len(live))]
			_, err := b.Apply(&models.OrderEvent{OrderID: id, Sequence: seq, Kind: models.EventChange, Size: decimal.New(int64(1+rng.Intn(500)), -3)})
			require.NoError(t, err)
		case op == 2:
			id := live[rng.Intn(len(live))]
			_, err := b.Apply(&models.OrderEvent{OrderID: id, Sequence: seq, Kind: models.EventMatch, Size: decimal.New(int64(1+rng.Intn(300)), -3)})
			require.NoError(t, err)
		default:
			idx := rng.Intn(len(live))
			_, err := b.Apply(done(live[idx], seq))
			require.NoError(t, err)
			live = append(live[:idx], live[idx+1:]...)
		}
	}

	snap := b.Capture()
	bidSum, askSum := decimal.Zero, decimal.Zero
	for _, o := range snap.Bids {
		bidSum = bidSum.Add(o.Size)
	}
	for _, o := range snap.Asks {
		askSum = askSum.Add(o.Size)
	}
	stats := b.Stats()
	assert.True(t, stats.BidVolume.Equal(bidSum), "bid volume %s != %s", stats.BidVolume, bidSum)
	assert.True(t, stats.AskVolume.Equal(askSum), "ask volume %s != %s", stats.AskVolume, askSum)
	assert.Equal(t, stats.BidOrders, len(snap.Bids))
	assert.Equal(t, stats.AskOrders, len(snap.Asks))
	assert.LessOrEqual(t, b.Len(), len(live), "drained orders leave the book before their done")
	for _, o := range append(snap.Bids, snap.Asks...) {
		assert.True(t, o.Size.IsPositive(), "order %s captured at zero size", o.OrderID)
	}
	if len(snap.Bids) > 0 {
		assert.True(t, stats.BestBid.Decimal.Equal(snap.Bids[0].Price))
		size, count := b.DepthAt(models.SideBid, snap.Bids[0].Price)
		levelSum, levelCount := decimal.Zero, 0
		for _, o := range snap.Bids {
			if o.Price.Equal(snap.Bids[0].Price) {
				levelSum = levelSum.Add(o.Size)
				levelCount++
			}
		}
		assert.True(t, size.Equal(levelSum))
		assert.Equal(t, levelCount, count)
	}
	if len(snap.Asks) > 0 {
		assert.True(t, stats.BestAsk.Decimal.Equal(snap.Asks[0].Price))
	}
}

func TestBookCaptureOrderingAndStats(t *testing.T) {
	b := NewBook("coinbase", "BTC-USD")
	b.Replace(venueSnapshot(10,
		[]models.SnapshotOrder{so("b1", "99", "1"), so("b2", "100", "2"), so("b3", "100", "1")},
		[]models.SnapshotOrder{so("a1", "102", "1"), so("a2", "101", "3")},
	))

	snap := b.Capture()
	require.Len(t, snap.Bids, 3)
	assert.Equal(t, []string{"b2", "b3", "b1"}, []string{snap.Bids[0].OrderID, snap.Bids[1].OrderID, snap.Bids[2].OrderID})
	assert.Equal(t, "a2", snap.Asks[0].OrderID)
	assert.Equal(t, int64(10), snap.Sequence)

	assert.True(t, snap.Stats.Spread.Decimal.Equal(d("1")))
	assert.True(t, snap.Stats.MidPrice.Decimal.Equal(d("100.5")))
	assert.False(t, snap.Stats.Crossed())

	size, count := b.DepthAt(models.SideBid, d("100"))
	assert.True(t, size.Equal(d("3")))
	assert.Equal(t, 2, count)
}

func TestBookReplaceSkipsInvalidEntries(t *testing.T) {
	b := NewBook("coinbase", "BTC-USD")
	skipped := b.Replace(venueSnapshot(5,
		[]models.SnapshotOrder{so("b1", "99", "1"), so("b1", "98", "1"), so("b2", "0", "1")},
		[]models.SnapshotOrder{so("a1", "101", "0")},
	))
	assert.Equal(t, 3, skipped)
	assert.Equal(t, 1, b.Len())
	assert.True(t, b.Anchored())
}

func TestSnapshotRoundTrip(t *testing.T) {
	b := NewBook("coinbase", "BTC-USD")
	b.Replace(venueSnapshot(1, nil, nil))
	_, _ = b.Apply(open("1", 2, models.SideBid, "100", "1.25"))
	_, _ = b.Apply(open("2", 3, models.SideAsk, "101.5", "0.75"))
	_, _ = b.Apply(open("3", 4, models.SideBid, "99", "2"))
	_, _ = b.Apply(change("3", 5, "1"))

	snap := b.Capture()

	restored := NewBook("coinbase", "BTC-USD")
	restored.Restore(snap)

	assert.Equal(t, snap.Sequence, restored.LastSequence())
	assert.Equal(t, int64(5), restored.LastSequence())
	again := restored.Capture()
	assert.Equal(t, snap.Bids, again.Bids)
	assert.Equal(t, snap.Asks, again.Asks)
	assert.True(t, snap.Stats.BidVolume.Equal(again.Stats.BidVolume))
}
