package writer

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	appconfig "l3flow/config"
	"l3flow/models"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testEvents(venue, instrument string, from, n int) []models.OrderEvent {
	out := make([]models.OrderEvent, 0, n)
	for i := 0; i < n; i++ {
		seq := int64(from + i)
		out = append(out, models.OrderEvent{
			Venue:      venue,
			Instrument: instrument,
			OrderID:    fmt.Sprintf("o-%d", seq),
			Sequence:   seq,
			Side:       models.SideBid,
			Price:      decimal.RequireFromString("100.5"),
			Size:       decimal.RequireFromString("0.25"),
			Kind:       models.EventOpen,
			Timestamp:  baseTime.Add(time.Duration(seq) * time.Second),
			ReceivedAt: baseTime.Add(time.Duration(seq) * time.Second),
			Metadata:   map[string]string{"src": "test"},
		})
	}
	return out
}

func testWriterConfig(batch int) appconfig.WriterConfig {
	return appconfig.WriterConfig{
		Batch:  appconfig.BatchConfig{Size: batch, Timeout: time.Hour},
		Buffer: appconfig.BufferConfig{MaxSize: 1000},
		Retry: appconfig.RetryConfig{
			MaxAttempts:       3,
			BaseDelay:         time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2,
		},
		GracePeriod: time.Second,
	}
}

func testSnapshot(venue, instrument string, seq int64) *models.Snapshot {
	bid := decimal.RequireFromString("100")
	ask := decimal.RequireFromString("101")
	return &models.Snapshot{
		Venue:      venue,
		Instrument: instrument,
		Sequence:   seq,
		Timestamp:  baseTime.Add(time.Duration(seq) * time.Second),
		Bids:       []models.SnapshotOrder{{OrderID: "b1", Price: bid, Size: decimal.RequireFromString("1.5")}},
		Asks:       []models.SnapshotOrder{{OrderID: "a1", Price: ask, Size: decimal.RequireFromString("2")}},
		Stats: models.BookStats{
			BidOrders: 1,
			AskOrders: 1,
			BidVolume: decimal.RequireFromString("1.5"),
			AskVolume: decimal.RequireFromString("2"),
			BestBid:   decimal.NewNullDecimal(bid),
			BestAsk:   decimal.NewNullDecimal(ask),
			Spread:    decimal.NewNullDecimal(ask.Sub(bid)),
			MidPrice:  decimal.NewNullDecimal(bid.Add(ask).Div(decimal.NewFromInt(2))),
		},
	}
}
