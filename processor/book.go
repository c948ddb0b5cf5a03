package processor

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"l3flow/internal/faults"
	"l3flow/logger"
	"l3flow/models"
)

// recentDoneSize bounds the ids remembered after a done so that a late
// match for an already removed order is not mistaken for a gap.
const recentDoneSize = 1024

// Outcome describes what Apply did with an event that was not rejected.
type Outcome int

const (
	Applied Outcome = iota
	DuplicateOpen
	PhantomDone
	MatchAfterDone
)

type restingOrder struct {
	side    models.Side
	price   decimal.Decimal
	size    decimal.Decimal
	arrival uint64
}

// Book is the live order book of one (venue, instrument). It has exactly
// one writer (the sequencer goroutine); readers take the read lock and
// never observe a half applied event.
type Book struct {
	venue      string
	instrument string

	mu           sync.RWMutex
	orders       map[string]*restingOrder
	lastSequence int64
	anchored     bool
	arrivals     uint64

	bidVolume decimal.Decimal
	askVolume decimal.Decimal
	bidCount  int
	askCount  int
	bidLevels *levelIndex
	askLevels *levelIndex

	phantomDones int64
	// filled holds orders a match drained, until the venue's done arrives
	// or the id falls out of the recent ring.
	filled       map[string]*restingOrder
	recentDone   map[string]struct{}
	recentRing   []string
	recentPos    int

	log *logger.Log
}

func NewBook(venue, instrument string) *Book {
	return &Book{
		venue:      venue,
		instrument: instrument,
		orders:     make(map[string]*restingOrder),
		bidLevels:  newLevelIndex(),
		askLevels:  newLevelIndex(),
		filled:     make(map[string]*restingOrder),
		recentDone: make(map[string]struct{}, recentDoneSize),
		recentRing: make([]string, recentDoneSize),
		log:        logger.GetLogger(),
	}
}

// Apply mutates the book with one validated event and advances the last
// sequence. Rejected events (faults.InvariantViolation) and references to
// unknown orders (faults.SequenceGap) leave the book untouched.
func (b *Book) Apply(evt *models.OrderEvent) (Outcome, error) {
	if evt == nil {
		return Applied, faults.New(faults.InvariantViolation, "book.apply", "nil event")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	outcome, err := b.apply(evt)
	if err != nil {
		return outcome, err
	}
	b.lastSequence = evt.Sequence
	return outcome, nil
}

func (b *Book) apply(evt *models.OrderEvent) (Outcome, error) {
	switch evt.Kind {
	case models.EventOpen:
		return b.open(evt)
	case models.EventChange:
		return b.change(evt)
	case models.EventDone:
		return b.done(evt.OrderID), nil
	case models.EventMatch:
		return b.match(evt)
	default:
		return Applied, faults.Newf(faults.InvariantViolation, "book.apply", "unknown event kind %q", evt.Kind)
	}
}

func (b *Book) open(evt *models.OrderEvent) (Outcome, error) {
	if _, ok := b.orders[evt.OrderID]; ok {
		b.log.WithComponent("book").WithStream(b.venue, b.instrument).WithFields(logger.Fields{
			"order_id": evt.OrderID,
			"sequence": evt.Sequence,
		}).Debug("duplicate open ignored")
		return DuplicateOpen, nil
	}
	if !evt.Side.Valid() {
		return Applied, faults.Newf(faults.InvariantViolation, "book.open", "order %s has invalid side %q", evt.OrderID, evt.Side)
	}
	if !evt.Price.IsPositive() || !evt.Size.IsPositive() {
		return Applied, faults.Newf(faults.InvariantViolation, "book.open", "order %s opened with price %s size %s", evt.OrderID, evt.Price, evt.Size)
	}
	b.arrivals++
	b.insert(evt.OrderID, &restingOrder{side: evt.Side, price: evt.Price, size: evt.Size, arrival: b.arrivals})
	return Applied, nil
}

func (b *Book) change(evt *models.OrderEvent) (Outcome, error) {
	if evt.Size.IsNegative() {
		return Applied, faults.Newf(faults.InvariantViolation, "book.change", "order %s changed to negative size %s", evt.OrderID, evt.Size)
	}
	o, ok := b.orders[evt.OrderID]
	if !ok {
		if f, drained := b.filled[evt.OrderID]; drained {
			// change is authoritative over the match that drained it
			delete(b.filled, evt.OrderID)
			if evt.Size.IsPositive() {
				f.size = evt.Size
				b.insert(evt.OrderID, f)
			}
			return Applied, nil
		}
		return Applied, faults.Newf(faults.SequenceGap, "book.change", "change for unknown order %s", evt.OrderID)
	}
	if evt.Size.IsZero() {
		b.remove(evt.OrderID, o)
		return Applied, nil
	}
	b.adjust(o, evt.Size)
	return Applied, nil
}

func (b *Book) done(orderID string) Outcome {
	o, ok := b.orders[orderID]
	if !ok {
		if _, drained := b.filled[orderID]; drained {
			delete(b.filled, orderID)
			return Applied
		}
		b.phantomDones++
		return PhantomDone
	}
	b.remove(orderID, o)
	return Applied
}

// match is not authoritative: it only lowers the resting size. A match that
// drains the order takes it off the book but remembers it, so the venue's
// done completes it quietly and a change can still restore it.
func (b *Book) match(evt *models.OrderEvent) (Outcome, error) {
	o, ok := b.orders[evt.OrderID]
	if !ok {
		if _, drained := b.filled[evt.OrderID]; drained {
			return Applied, nil
		}
		if _, seen := b.recentDone[evt.OrderID]; seen {
			b.log.WithComponent("book").WithStream(b.venue, b.instrument).WithFields(logger.Fields{
				"order_id":         evt.OrderID,
				"sequence":         evt.Sequence,
				"match_after_done": true,
			}).Warn("match received after done")
			return MatchAfterDone, nil
		}
		return Applied, faults.Newf(faults.SequenceGap, "book.match", "match for unknown order %s", evt.OrderID)
	}
	if !evt.Size.IsPositive() {
		return Applied, faults.Newf(faults.InvariantViolation, "book.match", "order %s matched with size %s", evt.OrderID, evt.Size)
	}
	remaining := o.size.Sub(evt.Size)
	if !remaining.IsPositive() {
		b.remove(evt.OrderID, o)
		b.filled[evt.OrderID] = o
		return Applied, nil
	}
	b.adjust(o, remaining)
	return Applied, nil
}

func (b *Book) levels(side models.Side) *levelIndex {
	if side == models.SideBid {
		return b.bidLevels
	}
	return b.askLevels
}

func (b *Book) insert(id string, o *restingOrder) {
	b.orders[id] = o
	b.levels(o.side).add(o.price, o.size)
	if o.side == models.SideBid {
		b.bidCount++
		b.bidVolume = b.bidVolume.Add(o.size)
	} else {
		b.askCount++
		b.askVolume = b.askVolume.Add(o.size)
	}
}

func (b *Book) remove(id string, o *restingOrder) {
	delete(b.orders, id)
	b.levels(o.side).remove(o.price, o.size)
	if o.side == models.SideBid {
		b.bidCount--
		b.bidVolume = b.bidVolume.Sub(o.size)
	} else {
		b.askCount--
		b.askVolume = b.askVolume.Sub(o.size)
	}
	b.rememberDone(id)
}

func (b *Book) adjust(o *restingOrder, size decimal.Decimal) {
	delta := size.Sub(o.size)
	o.size = size
	b.levels(o.side).resize(o.price, delta)
	if o.side == models.SideBid {
		b.bidVolume = b.bidVolume.Add(delta)
	} else {
		b.askVolume = b.askVolume.Add(delta)
	}
}

func (b *Book) rememberDone(id string) {
	if old := b.recentRing[b.recentPos]; old != "" {
		delete(b.recentDone, old)
		delete(b.filled, old)
	}
	b.recentRing[b.recentPos] = id
	b.recentDone[id] = struct{}{}
	b.recentPos = (b.recentPos + 1) % len(b.recentRing)
}

// Skip advances the last sequence without touching orders. The sequencer
// uses it for rejected events so that they do not read as a gap.
func (b *Book) Skip(sequence int64) {
	b.mu.Lock()
	if sequence > b.lastSequence {
		b.lastSequence = sequence
	}
	b.mu.Unlock()
}

// Replace swaps the whole book for a venue snapshot. Entries with a
// non-positive price or size, and repeated ids, are skipped and counted.
func (b *Book) Replace(vs *models.VenueSnapshot) int {
	orders := make(map[string]*restingOrder, len(vs.Bids)+len(vs.Asks))
	bidLevels, askLevels := newLevelIndex(), newLevelIndex()
	var (
		bidVol, askVol     decimal.Decimal
		bidCount, askCount int
		skipped            int
		arrival            uint64
	)
	load := func(side models.Side, entries []models.SnapshotOrder) {
		for _, e := range entries {
			if _, dup := orders[e.OrderID]; dup || e.OrderID == "" || !e.Price.IsPositive() || !e.Size.IsPositive() {
				skipped++
				continue
			}
			arrival++
			orders[e.OrderID] = &restingOrder{side: side, price: e.Price, size: e.Size, arrival: arrival}
			if side == models.SideBid {
				bidCount++
				bidVol = bidVol.Add(e.Size)
				bidLevels.add(e.Price, e.Size)
			} else {
				askLevels.add(e.Price, e.Size)
				askCount++
				askVol = askVol.Add(e.Size)
			}
		}
	}
	load(models.SideBid, vs.Bids)
	load(models.SideAsk, vs.Asks)

	b.mu.Lock()
	b.orders = orders
	b.bidVolume, b.askVolume = bidVol, askVol
	b.bidCount, b.askCount = bidCount, askCount
	b.bidLevels, b.askLevels = bidLevels, askLevels
	b.filled = make(map[string]*restingOrder)
	b.arrivals = arrival
	b.lastSequence = vs.Sequence
	b.anchored = true
	b.recentDone = make(map[string]struct{}, recentDoneSize)
	b.recentRing = make([]string, recentDoneSize)
	b.recentPos = 0
	b.mu.Unlock()

	if skipped > 0 {
		b.log.WithComponent("book").WithStream(b.venue, b.instrument).WithFields(logger.Fields{
			"skipped":  skipped,
			"sequence": vs.Sequence,
		}).Warn("snapshot entries skipped")
	}
	return skipped
}

// Restore rehydrates the book from a persisted snapshot.
func (b *Book) Restore(s *models.Snapshot) int {
	return b.Replace(s.VenueSnapshot())
}

// Anchored reports whether the book has been seeded from a snapshot.
func (b *Book) Anchored() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.anchored
}

func (b *Book) LastSequence() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSequence
}

func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.orders)
}

func (b *Book) PhantomDones() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.phantomDones
}

// Order returns the resting order with id.
func (b *Book) Order(id string) (models.Side, models.SnapshotOrder, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[id]
	if !ok {
		return "", models.SnapshotOrder{}, false
	}
	return o.side, models.SnapshotOrder{OrderID: id, Price: o.price, Size: o.size}, true
}

// BestBid is the highest resting bid price.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.best(models.SideBid)
}

// BestAsk is the lowest resting ask price.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.best(models.SideAsk)
}

func (b *Book) best(side models.Side) (decimal.Decimal, bool) {
	if side == models.SideBid {
		return b.bidLevels.highest()
	}
	return b.askLevels.lowest()
}

// DepthAt returns the resting size and order count at one price level.
func (b *Book) DepthAt(side models.Side, price decimal.Decimal) (decimal.Decimal, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.levels(side).depth(price)
}

func (b *Book) Stats() models.BookStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats()
}

func (b *Book) stats() models.BookStats {
	s := models.BookStats{
		BidOrders: b.bidCount,
		AskOrders: b.askCount,
		BidVolume: b.bidVolume,
		AskVolume: b.askVolume,
	}
	if bid, ok := b.best(models.SideBid); ok {
		s.BestBid = decimal.NewNullDecimal(bid)
	}
	if ask, ok := b.best(models.SideAsk); ok {
		s.BestAsk = decimal.NewNullDecimal(ask)
	}
	if s.BestBid.Valid && s.BestAsk.Valid {
		s.Spread = decimal.NewNullDecimal(s.BestAsk.Decimal.Sub(s.BestBid.Decimal))
		s.MidPrice = decimal.NewNullDecimal(s.BestAsk.Decimal.Add(s.BestBid.Decimal).Div(decimal.NewFromInt(2)))
	}
	return s
}

// Capture freezes the book under the read lock. Bids are sorted best first
// (price descending), asks price ascending, ties by arrival.
func (b *Book) Capture() *models.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	type entry struct {
		order   models.SnapshotOrder
		arrival uint64
	}
	bids := make([]entry, 0, b.bidCount)
	asks := make([]entry, 0, b.askCount)
	for id, o := range b.orders {
		e := entry{order: models.SnapshotOrder{OrderID: id, Price: o.price, Size: o.size}, arrival: o.arrival}
		if o.side == models.SideBid {
			bids = append(bids, e)
		} else {
			asks = append(asks, e)
		}
	}
	sort.Slice(bids, func(i, j int) bool {
		if c := bids[i].order.Price.Cmp(bids[j].order.Price); c != 0 {
			return c > 0
		}
		return bids[i].arrival < bids[j].arrival
	})
	sort.Slice(asks, func(i, j int) bool {
		if c := asks[i].order.Price.Cmp(asks[j].order.Price); c != 0 {
			return c < 0
		}
		return asks[i].arrival < asks[j].arrival
	})

	snap := &models.Snapshot{
		Venue:      b.venue,
		Instrument: b.instrument,
		Sequence:   b.lastSequence,
		Timestamp:  time.Now().UTC(),
		Bids:       make([]models.SnapshotOrder, len(bids)),
		Asks:       make([]models.SnapshotOrder, len(asks)),
		Stats:      b.stats(),
	}
	for i, e := range bids {
		snap.Bids[i] = e.order
	}
	for i, e := range asks {
		snap.Asks[i] = e.order
	}
	return snap
}
