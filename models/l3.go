package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// EVENTS ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Side is the book side an order rests on.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

func (s Side) Valid() bool { return s == SideBid || s == SideAsk }

// EventKind is the lifecycle step an OrderEvent describes.
type EventKind string

const (
	EventOpen   EventKind = "open"
	EventChange EventKind = "change"
	EventDone   EventKind = "done"
	EventMatch  EventKind = "match"
	// EventReceived only occupies a sequence number. It never reaches the
	// book and is never persisted or published.
	EventReceived EventKind = "received"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventOpen, EventChange, EventDone, EventMatch, EventReceived:
		return true
	}
	return false
}

// SequenceOnly reports whether the kind advances the sequence without
// changing the book.
func (k EventKind) SequenceOnly() bool { return k == EventReceived }

// OrderEvent is the venue agnostic unit of change applied to a book.
type OrderEvent struct {
	Venue      string            `json:"venue"`
	Instrument string            `json:"instrument"`
	OrderID    string            `json:"order_id"`
	Sequence   int64             `json:"sequence"`
	Side       Side              `json:"side"`
	Price      decimal.Decimal   `json:"price"`
	Size       decimal.Decimal   `json:"size"`
	Kind       EventKind         `json:"event_kind"`
	Timestamp  time.Time         `json:"timestamp"`
	ReceivedAt time.Time         `json:"received_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Key is the natural deduplication key used by every store.
func (e OrderEvent) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d", e.Venue, e.Instrument, e.OrderID, e.Sequence)
}

// FeedMessage is what an adapter emits: exactly one of Event, Snapshot or
// Err is set. Err carries a message that could not be decoded; the stream
// counts it and carries on.
type FeedMessage struct {
	Event    *OrderEvent
	Snapshot *VenueSnapshot
	Err      error
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// SNAPSHOTS //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// SnapshotOrder is the compressed form of a resting order.
type SnapshotOrder struct {
	OrderID string          `json:"order_id"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
}

// VenueSnapshot is a full book as delivered by a venue, anchored at Sequence.
type VenueSnapshot struct {
	Venue      string          `json:"venue"`
	Instrument string          `json:"instrument"`
	Sequence   int64           `json:"sequence"`
	Timestamp  time.Time       `json:"timestamp"`
	Bids       []SnapshotOrder `json:"bids"`
	Asks       []SnapshotOrder `json:"asks"`
}

// BookStats are aggregate statistics derived from a book.
type BookStats struct {
	BidOrders int                 `json:"bid_orders"`
	AskOrders int                 `json:"ask_orders"`
	BidVolume decimal.Decimal     `json:"bid_volume"`
	AskVolume decimal.Decimal     `json:"ask_volume"`
	BestBid   decimal.NullDecimal `json:"best_bid"`
	BestAsk   decimal.NullDecimal `json:"best_ask"`
	Spread    decimal.NullDecimal `json:"spread"`
	MidPrice  decimal.NullDecimal `json:"mid_price"`
}

// TotalOrders returns the number of live orders on both sides.
func (s BookStats) TotalOrders() int { return s.BidOrders + s.AskOrders }

// Crossed reports whether best bid is not strictly below best ask.
func (s BookStats) Crossed() bool {
	if !s.BestBid.Valid || !s.BestAsk.Valid {
		return false
	}
	return !s.BestBid.Decimal.LessThan(s.BestAsk.Decimal)
}

// Snapshot is an immutable point in time copy of a book. It is never mutated
// after creation.
type Snapshot struct {
	Venue      string          `json:"venue"`
	Instrument string          `json:"instrument"`
	Sequence   int64           `json:"sequence"`
	Timestamp  time.Time       `json:"timestamp"`
	Bids       []SnapshotOrder `json:"bids"`
	Asks       []SnapshotOrder `json:"asks"`
	Stats      BookStats       `json:"stats"`
}

// VenueSnapshot returns the snapshot in the form an adapter would have produced it.
func (s *Snapshot) VenueSnapshot() *VenueSnapshot {
	return &VenueSnapshot{
		Venue:      s.Venue,
		Instrument: s.Instrument,
		Sequence:   s.Sequence,
		Timestamp:  s.Timestamp,
		Bids:       append([]SnapshotOrder(nil), s.Bids...),
		Asks:       append([]SnapshotOrder(nil), s.Asks...),
	}
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// STREAMS ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// StreamState is the lifecycle state of one (venue, instrument) pipeline.
type StreamState string

const (
	StreamStopped  StreamState = "stopped"
	StreamStarting StreamState = "starting"
	StreamActive   StreamState = "active"
	StreamDegraded StreamState = "degraded"
	StreamFailed   StreamState = "failed"
)

// StreamStatus is the externally visible state of a pipeline.
type StreamStatus struct {
	Venue            string        `json:"venue"`
	Instrument       string        `json:"instrument"`
	State            StreamState   `json:"state"`
	SequencerState   string        `json:"sequencer_state"`
	Persist          bool          `json:"persist"`
	SnapshotInterval time.Duration `json:"snapshot_interval"`
	LastSequence     int64         `json:"last_sequence"`

	EventsReceived  int64 `json:"events_received"`
	EventsApplied   int64 `json:"events_applied"`
	EventsPersisted int64 `json:"events_persisted"`
	EventsDropped   int64 `json:"events_dropped"`
	SnapshotsTaken  int64 `json:"snapshots_taken"`
	Gaps            int64 `json:"gaps"`
	Resyncs         int64 `json:"resyncs"`
	Reconnects      int64 `json:"reconnects"`
	PhantomDones    int64 `json:"phantom_dones"`
	Rejected        int64 `json:"rejected"`
	ProtocolErrors  int64 `json:"protocol_errors"`

	StartedAt   time.Time `json:"started_at"`
	StoppedAt   time.Time `json:"stopped_at,omitempty"`
	LastEventAt time.Time `json:"last_event_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

const (
	DefaultSnapshotInterval = 60 * time.Second
	MinSnapshotInterval     = 10 * time.Second
	MaxSnapshotInterval     = 3600 * time.Second
)

// StartRequest asks the lifecycle manager to run one pipeline per venue.
type StartRequest struct {
	Venues           []string      `json:"venues"`
	Instrument       string        `json:"instrument"`
	Persist          bool          `json:"persist"`
	SnapshotInterval time.Duration `json:"snapshot_interval"`
	SnapshotEvery    int           `json:"snapshot_every"`
}

// Normalize applies defaults and validates the request.
func (r *StartRequest) Normalize() error {
	r.Instrument = strings.TrimSpace(r.Instrument)
	if r.Instrument == "" {
		return fmt.Errorf("instrument is required")
	}
	if len(r.Venues) == 0 {
		return fmt.Errorf("at least one venue is required")
	}
	// the caller's slice is left untouched
	venues := make([]string, len(r.Venues))
	for i, v := range r.Venues {
		venues[i] = strings.ToLower(strings.TrimSpace(v))
	}
	r.Venues = venues
	if r.SnapshotInterval == 0 {
		r.SnapshotInterval = DefaultSnapshotInterval
	}
	if r.SnapshotInterval < MinSnapshotInterval || r.SnapshotInterval > MaxSnapshotInterval {
		return fmt.Errorf("snapshot interval %s outside [%s, %s]", r.SnapshotInterval, MinSnapshotInterval, MaxSnapshotInterval)
	}
	if r.SnapshotEvery < 0 {
		return fmt.Errorf("snapshot_every must not be negative")
	}
	return nil
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// QUERIES ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

const (
	DefaultQueryLimit = 1000
	MaxQueryLimit     = 10000
)

// OrderQuery selects historical events. Zero Start/End leave that bound open.
type OrderQuery struct {
	Venue      string
	Instrument string
	Start      time.Time
	End        time.Time
	Limit      int
	Offset     int
}

// Normalize clamps pagination to the supported range.
func (q *OrderQuery) Normalize() {
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Limit > MaxQueryLimit {
		q.Limit = MaxQueryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}

// StorageStats summarises what has been persisted for one stream.
type StorageStats struct {
	Venue          string    `json:"venue"`
	Instrument     string    `json:"instrument"`
	EventCount     int64     `json:"event_count"`
	DistinctOrders int64     `json:"distinct_orders"`
	FirstEventAt   time.Time `json:"first_event_at,omitempty"`
	LastEventAt    time.Time `json:"last_event_at,omitempty"`
	SnapshotCount  int64     `json:"snapshot_count"`
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////// DISTRIBUTION /////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// MessageKind tags what a StreamMessage carries.
type MessageKind string

const (
	MessageSnapshot   MessageKind = "snapshot"
	MessageEvent      MessageKind = "event"
	MessageStatistics MessageKind = "statistics"
	MessageLagging    MessageKind = "lagging"
	MessageClosed     MessageKind = "closed"
)

// StreamMessage is one item delivered to a live subscriber.
type StreamMessage struct {
	Kind       MessageKind `json:"kind"`
	Venue      string      `json:"venue"`
	Instrument string      `json:"instrument"`
	Sequence   int64       `json:"sequence"`
	Snapshot   *Snapshot   `json:"snapshot,omitempty"`
	Event      *OrderEvent `json:"event,omitempty"`
	Stats      *BookStats  `json:"stats,omitempty"`
	Dropped    int64       `json:"dropped,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}
