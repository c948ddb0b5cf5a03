package processor

import (
	"time"

	"github.com/shopspring/decimal"

	"l3flow/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ev(kind models.EventKind, id string, seq int64, side models.Side, price, size string) *models.OrderEvent {
	e := &models.OrderEvent{
		Venue:      "coinbase",
		Instrument: "BTC-USD",
		OrderID:    id,
		Sequence:   seq,
		Side:       side,
		Kind:       kind,
		Timestamp:  time.Unix(1700000000, seq),
	}
	if price != "" {
		e.Price = d(price)
	}
	if size != "" {
		e.Size = d(size)
	}
	return e
}

func open(id string, seq int64, side models.Side, price, size string) *models.OrderEvent {
	return ev(models.EventOpen, id, seq, side, price, size)
}

func change(id string, seq int64, size string) *models.OrderEvent {
	return ev(models.EventChange, id, seq, "", "", size)
}

func done(id string, seq int64) *models.OrderEvent {
	return ev(models.EventDone, id, seq, "", "", "")
}

func match(id string, seq int64, size string) *models.OrderEvent {
	return ev(models.EventMatch, id, seq, "", "", size)
}

func venueSnapshot(seq int64, bids, asks []models.SnapshotOrder) *models.VenueSnapshot {
	return &models.VenueSnapshot{Venue: "coinbase", Instrument: "BTC-USD", Sequence: seq, Bids: bids, Asks: asks}
}

func so(id, price, size string) models.SnapshotOrder {
	return models.SnapshotOrder{OrderID: id, Price: d(price), Size: d(size)}
}
