// Package coinbase adapts the Coinbase Exchange "full" channel and its
// level 3 REST book to canonical order events.
package coinbase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
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
const Venue = "coinbase"

const verifyPath = "/users/self/verify"

// ErrVenue marks an error message sent by the venue. It ends the connection.
var ErrVenue = errors.New("coinbase error message")

// Adapter streams one product per Connect call. It is safe for concurrent
// use; Snapshot may run while Connect is reading.
type Adapter struct {
	wsURL        string
	restURL      string
	creds        appconfig.CoinbaseCredentials
	timeout      time.Duration
	pingInterval time.Duration
	client       *feed.Client
	now          func() time.Time
	log          *logger.Log
}

// New creates the adapter from the coinbase source and reader settings.
func New(cfg *appconfig.Config) *Adapter {
	src := cfg.Source.Coinbase
	return &Adapter{
		wsURL:        src.WSURL,
		restURL:      src.RESTURL,
		creds:        src.Credentials,
		timeout:      cfg.Reader.Timeout,
		pingInterval: cfg.Reader.PingInterval,
		client:       feed.NewClient(cfg.Reader.Timeout, cfg.Reader.RateLimit),
		now:          time.Now,
		log:          logger.GetLogger(),
	}
}

func (a *Adapter) Venue() string { return Venue }

type subscribeMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
	Signature  string   `json:"signature,omitempty"`
	Key        string   `json:"key,omitempty"`
	Passphrase string   `json:"passphrase,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
}

// Connect subscribes to the full channel for instrument and forwards events
// until ctx is cancelled or the connection drops.
func (a *Adapter) Connect(ctx context.Context, instrument string, out chan<- models.FeedMessage) error {
	product := symbols.ToVenue(Venue, instrument)
	log := a.log.WithComponent("coinbase_reader").WithStream(Venue, instrument)

	conn, err := feed.Dial(ctx, a.wsURL, a.timeout)
	if err != nil {
		return err
	}

	sub := subscribeMessage{
		Type:       "subscribe",
		ProductIDs: []string{product},
		Channels:   []string{"full"},
	}
	if a.creds.Enabled() {
		ts := strconv.FormatInt(a.now().Unix(), 10)
		sig, err := sign(a.creds.Secret, ts, http.MethodGet, verifyPath)
		if err != nil {
			conn.Close()
			return fmt.Errorf("sign subscription: %w", err)
		}
		sub.Signature = sig
		sub.Key = a.creds.Key
		sub.Passphrase = a.creds.Passphrase
		sub.Timestamp = ts
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return faults.Disconnected("coinbase.subscribe", err)
	}
	log.WithFields(logger.Fields{"product": product, "authenticated": a.creds.Enabled()}).Info("subscribed to full channel")

	return feed.Run(ctx, conn, a.pingInterval, func(raw []byte) error {
		evt, err := a.decode(instrument, raw)
		if err != nil {
			if errors.Is(err, ErrVenue) {
				return err
			}
			log.WithError(err).Debug("undecodable message")
			feed.Emit(ctx, out, models.FeedMessage{Err: err}, Venue, instrument)
			return nil
		}
		if evt != nil {
			feed.Emit(ctx, out, models.FeedMessage{Event: evt}, Venue, instrument)
		}
		return nil
	})
}

type wireMessage struct {
	Type          string      `json:"type"`
	Sequence      int64       `json:"sequence"`
	ProductID     string      `json:"product_id"`
	Time          string      `json:"time"`
	OrderID       string      `json:"order_id"`
	MakerOrderID  string      `json:"maker_order_id"`
	TakerOrderID  string      `json:"taker_order_id"`
	TradeID       json.Number `json:"trade_id"`
	Side          string      `json:"side"`
	Price         string      `json:"price"`
	Size          string      `json:"size"`
	RemainingSize string      `json:"remaining_size"`
	NewSize       string      `json:"new_size"`
	Reason        string      `json:"reason"`
	Message       string      `json:"message"`
}

// decode maps one frame to an event. A received message keeps only its
// sequence; control messages yield a nil event and no error.
func (a *Adapter) decode(instrument string, raw []byte) (*models.OrderEvent, error) {
	var m wireMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, faults.Protocol("coinbase.decode", err)
	}

	var kind models.EventKind
	switch m.Type {
	case "open":
		kind = models.EventOpen
	case "change":
		kind = models.EventChange
	case "done":
		kind = models.EventDone
	case "match":
		kind = models.EventMatch
	case "received":
		// not on the book yet, but it consumes a sequence number
		return &models.OrderEvent{
			Venue:      Venue,
			Instrument: instrument,
			OrderID:    m.OrderID,
			Sequence:   m.Sequence,
			Kind:       models.EventReceived,
			Timestamp:  a.parseTime(m.Time),
			ReceivedAt: a.now().UTC(),
		}, nil
	case "error":
		return nil, faults.Protocol("coinbase.feed", fmt.Errorf("%w: %s %s", ErrVenue, m.Message, m.Reason))
	default:
		return nil, nil
	}

	side, err := parseSide(m.Side)
	if err != nil {
		return nil, err
	}
	evt := &models.OrderEvent{
		Venue:      Venue,
		Instrument: instrument,
		OrderID:    m.OrderID,
		Sequence:   m.Sequence,
		Side:       side,
		Kind:       kind,
		Timestamp:  a.parseTime(m.Time),
		ReceivedAt: a.now().UTC(),
	}
	if evt.Price, err = parseDecimal("price", m.Price); err != nil {
		return nil, err
	}

	var size string
	switch kind {
	case models.EventOpen:
		size = m.RemainingSize
	case models.EventDone:
		size = m.RemainingSize
		if m.Reason != "" {
			evt.Metadata = map[string]string{"reason": m.Reason}
		}
	case models.EventChange:
		size = m.NewSize
		if size == "" {
			size = m.Size
		}
	case models.EventMatch:
		size = m.Size
		evt.OrderID = m.MakerOrderID
		evt.Metadata = map[string]string{"trade_id": m.TradeID.String()}
		if m.TakerOrderID != "" {
			evt.Metadata["taker_order_id"] = m.TakerOrderID
		}
	}
	if evt.Size, err = parseDecimal("size", size); err != nil {
		return nil, err
	}
	if evt.OrderID == "" {
		return nil, faults.Newf(faults.ProtocolViolation, "coinbase.decode", "%s message without order id", m.Type)
	}
	return evt, nil
}

func (a *Adapter) parseTime(v string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC()
	}
	return a.now().UTC()
}

func parseSide(v string) (models.Side, error) {
	switch v {
	case "buy":
		return models.SideBid, nil
	case "sell":
		return models.SideAsk, nil
	}
	return "", faults.Newf(faults.ProtocolViolation, "coinbase.decode", "unknown side %q", v)
}

// parseDecimal treats an absent value as zero; done and market orders omit
// price and size.
func parseDecimal(field, v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, faults.Wrap(faults.ProtocolViolation, "coinbase.decode", fmt.Errorf("%s: %w", field, err))
	}
	return d, nil
}

type bookResponse struct {
	Sequence int64      `json:"sequence"`
	Bids     [][]string `json:"bids"`
	Asks     [][]string `json:"asks"`
}

// Snapshot fetches the level 3 book. Entries are [price, size, order_id].
func (a *Adapter) Snapshot(ctx context.Context, instrument string) (*models.VenueSnapshot, error) {
	product := symbols.ToVenue(Venue, instrument)
	path := "/products/" + url.PathEscape(product) + "/book?level=3"

	header := http.Header{}
	if a.creds.Enabled() {
		ts := strconv.FormatInt(a.now().Unix(), 10)
		sig, err := sign(a.creds.Secret, ts, http.MethodGet, path)
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		header.Set("CB-ACCESS-KEY", a.creds.Key)
		header.Set("CB-ACCESS-SIGN", sig)
		header.Set("CB-ACCESS-TIMESTAMP", ts)
		header.Set("CB-ACCESS-PASSPHRASE", a.creds.Passphrase)
	}

	var resp bookResponse
	if err := a.client.GetJSON(ctx, a.restURL+path, header, &resp); err != nil {
		return nil, fmt.Errorf("coinbase snapshot %s: %w", product, err)
	}

	snap := &models.VenueSnapshot{
		Venue:      Venue,
		Instrument: instrument,
		Sequence:   resp.Sequence,
		Timestamp:  a.now().UTC(),
	}
	var err error
	if snap.Bids, err = bookEntries(resp.Bids); err != nil {
		return nil, err
	}
	if snap.Asks, err = bookEntries(resp.Asks); err != nil {
		return nil, err
	}

	a.log.WithComponent("coinbase_reader").WithStream(Venue, instrument).WithFields(logger.Fields{
		"sequence": snap.Sequence,
		"bids":     len(snap.Bids),
		"asks":     len(snap.Asks),
	}).Info("fetched level 3 snapshot")
	return snap, nil
}

func bookEntries(rows [][]string) ([]models.SnapshotOrder, error) {
	orders := make([]models.SnapshotOrder, 0, len(rows))
	for _, row := range rows {
		if len(row) < 3 {
			return nil, faults.Newf(faults.ProtocolViolation, "coinbase.snapshot", "book entry has %d fields", len(row))
		}
		price, err := parseDecimal("price", row[0])
		if err != nil {
			return nil, err
		}
		size, err := parseDecimal("size", row[1])
		if err != nil {
			return nil, err
		}
		orders = append(orders, models.SnapshotOrder{OrderID: row[2], Price: price, Size: size})
	}
	return orders, nil
}

// sign computes the CB-ACCESS-SIGN value: base64(HMAC-SHA256(secret,
// timestamp+method+path)) keyed by the base64 decoded secret.
func sign(secret, timestamp, method, path string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp + method + path))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
