// Package bitfinex adapts Bitfinex raw (R0) books to canonical order events.
//
// Raw book entries are [ORDER_ID, PRICE, AMOUNT]. A positive amount rests on
// the bid side, a negative one on the ask side, and a zero price removes the
// order. The venue sends no sequence numbers, so the adapter stamps a local
// counter that never moves backwards for the adapter's lifetime.
package bitfinex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	appconfig "l3flow/config"
	"l3flow/internal/faults"
	"l3flow/internal/symbols"
	"l3flow/logger"
	"l3flow/models"
	"l3flow/reader/feed"
)

// Venue is the canonical venue name.
const Venue = "bitfinex"

// infoReconnect is the info code asking clients to reconnect.
const infoReconnect = 20051

// ErrVenue marks an error event sent by the venue. It ends the connection.
var ErrVenue = errors.New("bitfinex error event")

// Adapter streams one symbol per Connect call.
type Adapter struct {
	wsURL        string
	restURL      string
	length       int
	timeout      time.Duration
	pingInterval time.Duration
	client       *feed.Client
	now          func() time.Time
	log          *logger.Log

	mu    sync.Mutex
	seq   int64
	known map[string]restingEntry
}

// restingEntry is where the venue last reported an order.
type restingEntry struct {
	side  models.Side
	price decimal.Decimal
}

// New creates the adapter from the bitfinex source and reader settings.
func New(cfg *appconfig.Config) *Adapter {
	src := cfg.Source.Bitfinex
	length := src.Length
	if length <= 0 {
		length = 100
	}
	return &Adapter{
		wsURL:        src.WSURL,
		restURL:      src.RESTURL,
		length:       length,
		timeout:      cfg.Reader.Timeout,
		pingInterval: cfg.Reader.PingInterval,
		client:       feed.NewClient(cfg.Reader.Timeout, cfg.Reader.RateLimit),
		now:          time.Now,
		log:          logger.GetLogger(),
		known:        make(map[string]restingEntry),
	}
}

func (a *Adapter) Venue() string { return Venue }

// Sequence is the last counter value handed out.
func (a *Adapter) Sequence() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}

// Resume moves the counter up to sequence so events numbered after a
// restart stay above a book recovered from storage. It never moves it down.
func (a *Adapter) Resume(sequence int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sequence > a.seq {
		a.seq = sequence
	}
}

type subscribeMessage struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
	Prec    string `json:"prec"`
	Len     string `json:"len"`
}

type eventMessage struct {
	Event   string `json:"event"`
	ChanID  int64  `json:"chanId"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
}

type session struct {
	adapter    *Adapter
	ctx        context.Context
	instrument string
	out        chan<- models.FeedMessage
	chanID     int64
	log        *logger.Entry
}

// Connect subscribes to the raw book for instrument and forwards the initial
// snapshot followed by per-order updates.
func (a *Adapter) Connect(ctx context.Context, instrument string, out chan<- models.FeedMessage) error {
	sym := symbols.ToVenue(Venue, instrument)
	log := a.log.WithComponent("bitfinex_reader").WithStream(Venue, instrument)

	conn, err := feed.Dial(ctx, a.wsURL, a.timeout)
	if err != nil {
		return err
	}
	sub := subscribeMessage{
		Event:   "subscribe",
		Channel: "book",
		Symbol:  sym,
		Prec:    "R0",
		Len:     strconv.Itoa(a.length),
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return faults.Disconnected("bitfinex.subscribe", err)
	}
	log.WithFields(logger.Fields{"symbol": sym, "len": a.length}).Info("subscribing to raw book")

	s := &session{adapter: a, ctx: ctx, instrument: instrument, out: out, log: log}
	return feed.Run(ctx, conn, a.pingInterval, s.handle)
}

func (s *session) handle(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '{' {
		return s.handleEvent(raw)
	}

	msgs, err := s.decodeData(raw)
	if err != nil {
		s.log.WithError(err).Debug("undecodable message")
		feed.Emit(s.ctx, s.out, models.FeedMessage{Err: err}, Venue, s.instrument)
		return nil
	}
	for _, msg := range msgs {
		feed.Emit(s.ctx, s.out, msg, Venue, s.instrument)
	}
	return nil
}

func (s *session) handleEvent(raw []byte) error {
	var evt eventMessage
	if err := json.Unmarshal(raw, &evt); err != nil {
		err = faults.Protocol("bitfinex.decode", err)
		feed.Emit(s.ctx, s.out, models.FeedMessage{Err: err}, Venue, s.instrument)
		return nil
	}
	switch evt.Event {
	case "subscribed":
		s.chanID = evt.ChanID
		s.log.WithFields(logger.Fields{"chan_id": evt.ChanID}).Info("raw book subscribed")
	case "error":
		return faults.Protocol("bitfinex.feed", fmt.Errorf("%w: %d %s", ErrVenue, evt.Code, evt.Msg))
	case "info":
		if evt.Code == infoReconnect {
			return faults.Disconnected("bitfinex.info", fmt.Errorf("venue requested reconnect: %s", evt.Msg))
		}
		s.log.WithFields(logger.Fields{"code": evt.Code, "msg": evt.Msg}).Debug("info event")
	}
	return nil
}

// decodeData handles [chanId, "hb"], [chanId, [[id,price,amount],...]] and
// [chanId, [id,price,amount]]. Frames for other channels are ignored.
func (s *session) decodeData(raw []byte) ([]models.FeedMessage, error) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, faults.Protocol("bitfinex.decode", err)
	}
	if len(frame) < 2 {
		return nil, faults.Newf(faults.ProtocolViolation, "bitfinex.decode", "frame has %d elements", len(frame))
	}
	chanID, err := strconv.ParseInt(string(frame[0]), 10, 64)
	if err != nil {
		return nil, faults.Protocol("bitfinex.decode", err)
	}
	if s.chanID != 0 && chanID != s.chanID {
		return nil, nil
	}

	payload := bytes.TrimSpace(frame[1])
	if len(payload) == 0 || payload[0] != '[' {
		// "hb" heartbeats and "cs" checksums
		return nil, nil
	}

	if inner := bytes.TrimSpace(payload[1:]); len(inner) > 0 && inner[0] == '[' {
		var rows [][]json.Number
		if err := decodeNumbers(payload, &rows); err != nil {
			return nil, err
		}
		snap, err := s.adapter.snapshotFrom(s.instrument, rows, true)
		if err != nil {
			return nil, err
		}
		return []models.FeedMessage{{Snapshot: snap}}, nil
	}

	var row []json.Number
	if err := decodeNumbers(payload, &row); err != nil {
		return nil, err
	}
	evts, err := s.adapter.update(s.instrument, row)
	if err != nil {
		return nil, err
	}
	msgs := make([]models.FeedMessage, 0, len(evts))
	for _, evt := range evts {
		msgs = append(msgs, models.FeedMessage{Event: evt})
	}
	return msgs, nil
}

func decodeNumbers(raw []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return faults.Protocol("bitfinex.decode", err)
	}
	return nil
}

type entry struct {
	id     string
	price  decimal.Decimal
	amount decimal.Decimal
}

func parseEntry(row []json.Number) (entry, error) {
	if len(row) < 3 {
		return entry{}, faults.Newf(faults.ProtocolViolation, "bitfinex.decode", "book entry has %d fields", len(row))
	}
	price, err := decimal.NewFromString(row[1].String())
	if err != nil {
		return entry{}, faults.Protocol("bitfinex.decode", fmt.Errorf("price: %w", err))
	}
	amount, err := decimal.NewFromString(row[2].String())
	if err != nil {
		return entry{}, faults.Protocol("bitfinex.decode", fmt.Errorf("amount: %w", err))
	}
	return entry{id: row[0].String(), price: price, amount: amount}, nil
}

func sideOf(amount decimal.Decimal) models.Side {
	if amount.IsNegative() {
		return models.SideAsk
	}
	return models.SideBid
}

// update turns one raw book row into events stamped with consecutive
// counter values. A zero price is done and an unknown id is open. A known id
// at the same price and side is change; anywhere else it was amended, which
// becomes done followed by open since a change never moves an order.
func (a *Adapter) update(instrument string, row []json.Number) ([]*models.OrderEvent, error) {
	e, err := parseEntry(row)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now().UTC()
	next := func(kind models.EventKind, side models.Side, price, size decimal.Decimal) *models.OrderEvent {
		a.seq++
		return &models.OrderEvent{
			Venue:      Venue,
			Instrument: instrument,
			OrderID:    e.id,
			Sequence:   a.seq,
			Side:       side,
			Price:      price,
			Size:       size,
			Kind:       kind,
			Timestamp:  now,
			ReceivedAt: now,
		}
	}

	side := sideOf(e.amount)
	prev, known := a.known[e.id]
	switch {
	case e.price.IsZero():
		delete(a.known, e.id)
		return []*models.OrderEvent{next(models.EventDone, side, e.price, decimal.Zero)}, nil
	case !known:
		a.known[e.id] = restingEntry{side: side, price: e.price}
		return []*models.OrderEvent{next(models.EventOpen, side, e.price, e.amount.Abs())}, nil
	case prev.side == side && prev.price.Equal(e.price):
		return []*models.OrderEvent{next(models.EventChange, side, e.price, e.amount.Abs())}, nil
	default:
		a.known[e.id] = restingEntry{side: side, price: e.price}
		done := next(models.EventDone, prev.side, prev.price, decimal.Zero)
		done.Metadata = map[string]string{"reason": "amended"}
		return []*models.OrderEvent{done, next(models.EventOpen, side, e.price, e.amount.Abs())}, nil
	}
}

// snapshotFrom builds a venue snapshot from raw rows and resets the known id
// set to its orders. A websocket snapshot takes the next counter value; a
// REST snapshot is stamped with the current one.
func (a *Adapter) snapshotFrom(instrument string, rows [][]json.Number, advance bool) (*models.VenueSnapshot, error) {
	entries := make([]entry, 0, len(rows))
	for _, row := range rows {
		e, err := parseEntry(row)
		if err != nil {
			return nil, err
		}
		if e.amount.IsZero() || e.price.IsZero() {
			continue
		}
		entries = append(entries, e)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if advance {
		a.seq++
	}
	snap := &models.VenueSnapshot{
		Venue:      Venue,
		Instrument: instrument,
		Sequence:   a.seq,
		Timestamp:  a.now().UTC(),
	}
	a.known = make(map[string]restingEntry, len(entries))
	for _, e := range entries {
		o := models.SnapshotOrder{OrderID: e.id, Price: e.price, Size: e.amount.Abs()}
		side := sideOf(e.amount)
		if side == models.SideBid {
			snap.Bids = append(snap.Bids, o)
		} else {
			snap.Asks = append(snap.Asks, o)
		}
		a.known[e.id] = restingEntry{side: side, price: e.price}
	}
	return snap, nil
}

// Snapshot fetches the raw book over REST.
func (a *Adapter) Snapshot(ctx context.Context, instrument string) (*models.VenueSnapshot, error) {
	sym := symbols.ToVenue(Venue, instrument)
	url := fmt.Sprintf("%s/book/%s/R0?len=%d", a.restURL, sym, a.length)

	var rows [][]json.Number
	if err := a.client.GetJSON(ctx, url, nil, &rows); err != nil {
		return nil, fmt.Errorf("bitfinex snapshot %s: %w", sym, err)
	}
	snap, err := a.snapshotFrom(instrument, rows, false)
	if err != nil {
		return nil, err
	}

	a.log.WithComponent("bitfinex_reader").WithStream(Venue, instrument).WithFields(logger.Fields{
		"sequence": snap.Sequence,
		"bids":     len(snap.Bids),
		"asks":     len(snap.Asks),
	}).Info("fetched raw book snapshot")
	return snap, nil
}
