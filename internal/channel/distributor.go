package channel

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"l3flow/internal/metrics"
	"l3flow/internal/symbols"
	"l3flow/logger"
	"l3flow/models"
)

const defaultSubscriberBuffer = 1024

// SnapshotSource returns the current snapshot of every live venue pipeline
// trading instrument.
type SnapshotSource func(instrument string) []*models.Snapshot

// DistributorStats are cumulative counters across all subscriptions.
type DistributorStats struct {
	Subscriptions int
	Sent          int64
	Dropped       int64
}

// Distributor fans stream messages out to live subscribers. Publishing never
// blocks on a slow subscriber: its message is dropped and it is told how many
// it missed on the next successful send.
type Distributor struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription
	source SnapshotSource
	buffer int
	closed bool

	statsMu sync.Mutex
	stats   DistributorStats

	log *logger.Log
}

// NewDistributor creates a distributor. source supplies the snapshots a new
// subscriber receives first; buffer is the default queue size.
func NewDistributor(source SnapshotSource, buffer int) *Distributor {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Distributor{
		subs:   make(map[string]map[string]*Subscription),
		source: source,
		buffer: buffer,
		log:    logger.GetLogger(),
	}
}

// Subscription is one subscriber's bounded queue. C is closed when the
// subscription ends.
type Subscription struct {
	ID         string
	Instrument string
	C          <-chan models.StreamMessage

	d        *Distributor
	ch       chan models.StreamMessage
	once     sync.Once
	mu       sync.Mutex
	closed   bool
	baseline map[string]int64
	pending  int64
	sent     int64
	dropped  int64
}

// Subscribe registers a subscriber for instrument. Before any live message
// it receives the current snapshot of each active venue, and live events at
// or below that snapshot's sequence are skipped. A non-positive buffer uses
// the distributor default. Subscribing to a closed distributor returns a
// subscription whose channel is already closed.
func (d *Distributor) Subscribe(instrument string, buffer int) *Subscription {
	instrument = symbols.Normalize(instrument)
	if buffer <= 0 {
		buffer = d.buffer
	}
	sub := &Subscription{
		ID:         uuid.New().String(),
		Instrument: instrument,
		d:          d,
		baseline:   make(map[string]int64),
	}

	// Hold the subscription lock across registration and the initial
	// snapshots so publishers cannot slip a live message in ahead of them.
	sub.mu.Lock()
	defer sub.mu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		sub.ch = make(chan models.StreamMessage)
		sub.C = sub.ch
		sub.closed = true
		close(sub.ch)
		return sub
	}
	if d.subs[instrument] == nil {
		d.subs[instrument] = make(map[string]*Subscription)
	}
	d.subs[instrument][sub.ID] = sub
	count := len(d.subs[instrument])
	d.mu.Unlock()

	var snaps []*models.Snapshot
	if d.source != nil {
		snaps = d.source(instrument)
	}
	// the queue always has room for the initial snapshots
	sub.ch = make(chan models.StreamMessage, buffer+len(snaps))
	sub.C = sub.ch

	d.statsMu.Lock()
	d.stats.Subscriptions++
	d.statsMu.Unlock()
	metrics.Subscribers(instrument, count)

	for _, snap := range snaps {
		if snap == nil {
			continue
		}
		sub.baseline[snap.Venue] = snap.Sequence
		stats := snap.Stats
		sub.ch <- models.StreamMessage{
			Kind:       models.MessageSnapshot,
			Venue:      snap.Venue,
			Instrument: instrument,
			Sequence:   snap.Sequence,
			Snapshot:   snap,
			Stats:      &stats,
			Timestamp:  time.Now().UTC(),
		}
		sub.sent++
	}

	d.log.WithComponent("distributor").WithFields(logger.Fields{
		"subscription": sub.ID,
		"instrument":   instrument,
		"snapshots":    len(snaps),
		"buffer":       buffer,
	}).Info("subscriber attached")
	return sub
}

// PublishEvent delivers an applied event.
func (d *Distributor) PublishEvent(evt *models.OrderEvent) {
	d.publish(evt.Instrument, models.StreamMessage{
		Kind:       models.MessageEvent,
		Venue:      evt.Venue,
		Instrument: evt.Instrument,
		Sequence:   evt.Sequence,
		Event:      evt,
		Timestamp:  time.Now().UTC(),
	})
}

// PublishSnapshot delivers a snapshot, e.g. after a resync re-anchored the
// book.
func (d *Distributor) PublishSnapshot(snap *models.Snapshot) {
	stats := snap.Stats
	d.publish(snap.Instrument, models.StreamMessage{
		Kind:       models.MessageSnapshot,
		Venue:      snap.Venue,
		Instrument: snap.Instrument,
		Sequence:   snap.Sequence,
		Snapshot:   snap,
		Stats:      &stats,
		Timestamp:  time.Now().UTC(),
	})
}

// PublishStatistics delivers aggregate book statistics.
func (d *Distributor) PublishStatistics(venue, instrument string, sequence int64, stats models.BookStats) {
	d.publish(instrument, models.StreamMessage{
		Kind:       models.MessageStatistics,
		Venue:      venue,
		Instrument: instrument,
		Sequence:   sequence,
		Stats:      &stats,
		Timestamp:  time.Now().UTC(),
	})
}

// CloseStream tells the instrument's subscribers that venue stopped. The
// subscriptions stay open for the other venues.
func (d *Distributor) CloseStream(venue, instrument string) {
	d.publish(instrument, models.StreamMessage{
		Kind:       models.MessageClosed,
		Venue:      venue,
		Instrument: instrument,
		Timestamp:  time.Now().UTC(),
	})
}

func (d *Distributor) publish(instrument string, msg models.StreamMessage) {
	instrument = symbols.Normalize(instrument)
	d.mu.RLock()
	targets := make([]*Subscription, 0, len(d.subs[instrument]))
	for _, sub := range d.subs[instrument] {
		targets = append(targets, sub)
	}
	d.mu.RUnlock()

	for _, sub := range targets {
		sent, dropped := sub.deliver(msg)
		if sent == 0 && dropped == 0 {
			continue
		}
		d.statsMu.Lock()
		d.stats.Sent += sent
		d.stats.Dropped += dropped
		d.statsMu.Unlock()
		if dropped > 0 {
			metrics.EmitDropMetrics(d.log, metrics.DropMetricSubscriber, msg.Venue, instrument, "subscriber", int(dropped))
		}
	}
}

// deliver sends msg without blocking and reports what happened.
func (s *Subscription) deliver(msg models.StreamMessage) (sent, dropped int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, 0
	}

	switch msg.Kind {
	case models.MessageEvent:
		if base, ok := s.baseline[msg.Venue]; ok && msg.Sequence <= base {
			return 0, 0
		}
	case models.MessageSnapshot:
		s.baseline[msg.Venue] = msg.Sequence
	case models.MessageClosed:
		delete(s.baseline, msg.Venue)
	}

	if s.pending > 0 {
		lag := models.StreamMessage{
			Kind:       models.MessageLagging,
			Venue:      msg.Venue,
			Instrument: s.Instrument,
			Dropped:    s.pending,
			Timestamp:  time.Now().UTC(),
		}
		select {
		case s.ch <- lag:
			s.pending = 0
			s.sent++
			sent++
		default:
			s.pending++
			s.dropped++
			return sent, 1
		}
	}

	select {
	case s.ch <- msg:
		s.sent++
		sent++
	default:
		s.pending++
		s.dropped++
		dropped++
	}
	return sent, dropped
}

// Close ends the subscription and closes C. It is safe to call more than
// once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.d != nil {
			s.d.remove(s)
		}
		s.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
		s.mu.Unlock()
	})
}

// Dropped is the number of messages this subscriber missed.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Sent is the number of messages queued for this subscriber.
func (s *Subscription) Sent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (d *Distributor) remove(sub *Subscription) {
	d.mu.Lock()
	subs := d.subs[sub.Instrument]
	delete(subs, sub.ID)
	count := len(subs)
	if count == 0 {
		delete(d.subs, sub.Instrument)
	}
	d.mu.Unlock()
	metrics.Subscribers(sub.Instrument, count)
	d.log.WithComponent("distributor").WithFields(logger.Fields{
		"subscription": sub.ID,
		"instrument":   sub.Instrument,
		"dropped":      sub.Dropped(),
	}).Info("subscriber detached")
}

// Subscribers is the number of live subscriptions for instrument.
func (d *Distributor) Subscribers(instrument string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[symbols.Normalize(instrument)])
}

// Stats returns cumulative counters.
func (d *Distributor) Stats() DistributorStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

// Close ends every subscription. Later subscriptions are closed on arrival.
func (d *Distributor) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	var all []*Subscription
	for _, subs := range d.subs {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	d.subs = make(map[string]map[string]*Subscription)
	d.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() {
			sub.mu.Lock()
			sub.closed = true
			close(sub.ch)
			sub.mu.Unlock()
		})
	}
	d.log.WithComponent("distributor").WithFields(logger.Fields{"subscriptions": len(all)}).Info("distributor closed")
}
