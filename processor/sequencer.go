package processor

import (
	"errors"
	"sort"
	"sync"

	"l3flow/internal/faults"
	"l3flow/logger"
	"l3flow/models"
)

// SequencerState is the consistency state of one stream.
type SequencerState int

const (
	Uninitialized SequencerState = iota
	Synced
	GapDetected
	Resyncing
	Failed
)

func (s SequencerState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Synced:
		return "synced"
	case GapDetected:
		return "gap_detected"
	case Resyncing:
		return "resyncing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrSequencerFailed is returned once the resync budget is spent.
var ErrSequencerFailed = errors.New("sequencer failed")

// Result reports what one Handle or HandleSnapshot call did.
type Result struct {
	// Applied lists the events that reached the book, in order. It can hold
	// more than one event when buffered events are replayed.
	Applied []*models.OrderEvent
	// Skipped counts sequence-only events consumed without touching the book.
	Skipped int
	// Duplicates and Stale count events dropped for their sequence.
	Duplicates int
	Stale      int
	Buffered   bool
	// NeedSnapshot asks the caller to fetch a venue snapshot and call
	// BeginResync.
	NeedSnapshot bool
	// Rejected holds invariant violations; the stream carries on.
	Rejected []error
	// Outcomes counts non-error special cases reported by the book.
	PhantomDones   int
	MatchAfterDone int
}

// SequencerStats are cumulative counters.
type SequencerStats struct {
	Applied    int64
	Skipped    int64
	Duplicates int64
	Stale      int64
	Gaps       int64
	Resyncs    int64
	Rejected   int64
	Overflows  int64
}

// Sequencer guards a Book: only contiguous events reach it, gaps are
// buffered while a fresh snapshot is fetched, and resyncs are bounded.
type Sequencer struct {
	venue      string
	instrument string
	book       *Book

	mu             sync.Mutex
	state          SequencerState
	last           int64
	pending        []*models.OrderEvent
	maxPending     int
	resyncAttempts int
	maxResyncs     int
	requested      bool
	stats          SequencerStats

	log *logger.Log
}

// NewSequencer creates a sequencer for book. maxPending bounds the gap
// buffer and maxResyncs the consecutive failed resyncs tolerated.
func NewSequencer(book *Book, maxPending, maxResyncs int) *Sequencer {
	if maxPending < 1 {
		maxPending = 1
	}
	if maxResyncs < 1 {
		maxResyncs = 1
	}
	return &Sequencer{
		venue:      book.venue,
		instrument: book.instrument,
		book:       book,
		maxPending: maxPending,
		maxResyncs: maxResyncs,
		log:        logger.GetLogger(),
	}
}

func (s *Sequencer) Book() *Book { return s.book }

func (s *Sequencer) State() SequencerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sequencer) LastSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Sequencer) Stats() SequencerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Pending is the number of buffered out-of-order events.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Anchor seeds the sequencer from a persisted snapshot during recovery.
func (s *Sequencer) Anchor(snap *models.Snapshot) {
	s.book.Restore(snap)
	s.mu.Lock()
	s.last = snap.Sequence
	s.state = Synced
	s.mu.Unlock()
}

// Reset drops buffered events and waits for a fresh snapshot while keeping
// the last sequence as a baseline. It is used after a reconnect.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Failed {
		return
	}
	s.state = Uninitialized
	s.pending = nil
	s.requested = false
}

// Handle routes one event through the state machine.
func (s *Sequencer) Handle(evt *models.OrderEvent) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res Result
	switch s.state {
	case Failed:
		return res, ErrSequencerFailed
	case Uninitialized, GapDetected, Resyncing:
		s.buffer(evt, &res)
		if !s.requested {
			res.NeedSnapshot = true
			s.requested = true
		}
		return res, nil
	}

	switch {
	case evt.Sequence == s.last:
		s.stats.Duplicates++
		res.Duplicates++
	case evt.Sequence < s.last:
		s.stats.Stale++
		res.Stale++
	case evt.Sequence > s.last+1:
		s.gap(evt, &res, "sequence jump")
		s.buffer(evt, &res)
	default:
		if s.applyNext(evt, &res) {
			// the event referenced an order we never saw
			s.buffer(evt, &res)
		}
	}
	return res, nil
}

// applyNext applies a contiguous event and reports whether it exposed a gap.
func (s *Sequencer) applyNext(evt *models.OrderEvent, res *Result) bool {
	if evt.Kind.SequenceOnly() {
		s.book.Skip(evt.Sequence)
		s.last = evt.Sequence
		s.stats.Skipped++
		res.Skipped++
		return false
	}
	outcome, err := s.book.Apply(evt)
	switch {
	case err == nil:
		s.last = evt.Sequence
		s.stats.Applied++
		res.Applied = append(res.Applied, evt)
		switch outcome {
		case PhantomDone:
			res.PhantomDones++
		case MatchAfterDone:
			res.MatchAfterDone++
		}
		return false
	case faults.Is(err, faults.SequenceGap):
		s.gap(evt, res, err.Error())
		return true
	default:
		s.book.Skip(evt.Sequence)
		s.last = evt.Sequence
		s.stats.Rejected++
		res.Rejected = append(res.Rejected, err)
		s.log.WithComponent("sequencer").WithStream(s.venue, s.instrument).WithError(err).WithFields(logger.Fields{
			"order_id": evt.OrderID,
			"sequence": evt.Sequence,
		}).Warn("event rejected")
		return false
	}
}

func (s *Sequencer) gap(evt *models.OrderEvent, res *Result, reason string) {
	s.stats.Gaps++
	s.state = GapDetected
	s.requested = true
	res.NeedSnapshot = true
	s.log.WithComponent("sequencer").WithStream(s.venue, s.instrument).WithFields(logger.Fields{
		"expected": s.last + 1,
		"received": evt.Sequence,
		"reason":   reason,
	}).Warn("sequence gap detected")
}

// buffer keeps evt ordered by sequence. Overflow discards everything
// buffered so far; the next snapshot re-anchors the book regardless.
func (s *Sequencer) buffer(evt *models.OrderEvent, res *Result) {
	idx := sort.Search(len(s.pending), func(i int) bool { return s.pending[i].Sequence >= evt.Sequence })
	if idx < len(s.pending) && s.pending[idx].Sequence == evt.Sequence {
		s.stats.Duplicates++
		res.Duplicates++
		return
	}
	if len(s.pending) >= s.maxPending {
		s.stats.Overflows++
		s.log.WithComponent("sequencer").WithStream(s.venue, s.instrument).WithFields(logger.Fields{
			"discarded": len(s.pending),
		}).Warn("gap buffer overflow")
		s.pending = s.pending[:0]
		idx = 0
		if !s.requested {
			s.requested = true
			res.NeedSnapshot = true
		}
	}
	s.pending = append(s.pending, nil)
	copy(s.pending[idx+1:], s.pending[idx:])
	s.pending[idx] = evt
	res.Buffered = true
}

// BeginResync marks a snapshot request as in flight.
func (s *Sequencer) BeginResync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Failed {
		return
	}
	if s.state != Uninitialized {
		s.state = Resyncing
	}
	s.requested = true
}

// ResyncFailed records a failed snapshot fetch. It returns an error
// wrapping ErrSequencerFailed once the budget is exhausted; otherwise the
// caller should retry with NeedSnapshot semantics.
func (s *Sequencer) ResyncFailed(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncAttempts++
	s.requested = false
	if s.resyncAttempts >= s.maxResyncs {
		s.state = Failed
		s.pending = nil
		return faults.Wrap(faults.SequenceGap, "sequencer.resync", errors.Join(ErrSequencerFailed, cause))
	}
	return nil
}

// Attempts is the number of consecutive failed resyncs.
func (s *Sequencer) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resyncAttempts
}

// HandleSnapshot replaces the book with vs and replays buffered events
// newer than it. A snapshot older than the applied sequence while synced is
// ignored.
func (s *Sequencer) HandleSnapshot(vs *models.VenueSnapshot) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res Result
	if s.state == Failed {
		return res, ErrSequencerFailed
	}
	if s.state == Synced && vs.Sequence < s.last && s.book.Anchored() {
		s.log.WithComponent("sequencer").WithStream(s.venue, s.instrument).WithFields(logger.Fields{
			"snapshot_sequence": vs.Sequence,
			"last_sequence":     s.last,
		}).Debug("ignoring older snapshot")
		return res, nil
	}

	s.book.Replace(vs)
	wasResync := s.state != Uninitialized || s.stats.Applied > 0
	s.last = vs.Sequence
	s.state = Synced
	s.requested = false
	s.resyncAttempts = 0
	if wasResync {
		s.stats.Resyncs++
	}

	pending := s.pending
	s.pending = nil
	for i, evt := range pending {
		if evt.Sequence <= s.last {
			continue
		}
		if evt.Sequence > s.last+1 {
			s.gap(evt, &res, "gap after snapshot replay")
			s.pending = append(s.pending, pending[i:]...)
			break
		}
		if s.applyNext(evt, &res) {
			s.pending = append(s.pending, pending[i:]...)
			break
		}
	}

	s.log.WithComponent("sequencer").WithStream(s.venue, s.instrument).WithFields(logger.Fields{
		"sequence": vs.Sequence,
		"replayed": len(res.Applied),
		"pending":  len(s.pending),
		"state":    s.state.String(),
	}).Info("book anchored from snapshot")
	return res, nil
}
