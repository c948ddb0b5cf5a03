package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestStartRequestNormalizeDefaults(t *testing.T) {
	req := StartRequest{Venues: []string{" Coinbase "}, Instrument: "BTC-USD"}
	if err := req.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if req.SnapshotInterval != DefaultSnapshotInterval {
		t.Fatalf("expected default interval, got %s", req.SnapshotInterval)
	}
	if req.Venues[0] != "coinbase" {
		t.Fatalf("venue not normalized: %q", req.Venues[0])
	}
}

func TestStartRequestNormalizeKeepsCallerVenues(t *testing.T) {
	venues := []string{" Coinbase ", "BITFINEX"}
	req := StartRequest{Venues: venues, Instrument: "BTC-USD"}
	if err := req.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if venues[0] != " Coinbase " || venues[1] != "BITFINEX" {
		t.Fatalf("caller venues rewritten: %q", venues)
	}
	if req.Venues[0] != "coinbase" || req.Venues[1] != "bitfinex" {
		t.Fatalf("request venues not normalized: %q", req.Venues)
	}
	if req.Persist {
		t.Fatalf("persist must stay off unless asked for")
	}
}

func TestStartRequestNormalizeRejects(t *testing.T) {
	cases := []struct {
		name string
		req  StartRequest
	}{
		{"no instrument", StartRequest{Venues: []string{"coinbase"}}},
		{"no venues", StartRequest{Instrument: "BTC-USD"}},
		{"interval too short", StartRequest{Venues: []string{"coinbase"}, Instrument: "BTC-USD", SnapshotInterval: 5 * time.Second}},
		{"interval too long", StartRequest{Venues: []string{"coinbase"}, Instrument: "BTC-USD", SnapshotInterval: 2 * time.Hour}},
		{"negative every", StartRequest{Venues: []string{"coinbase"}, Instrument: "BTC-USD", SnapshotEvery: -1}},
	}
	for _, c := range cases {
		req := c.req
		if err := req.Normalize(); err == nil {
			t.Errorf("%s: expected error", c.name)
		}
	}
}

func TestOrderQueryNormalize(t *testing.T) {
	q := OrderQuery{Limit: 50000, Offset: -3}
	q.Normalize()
	if q.Limit != MaxQueryLimit || q.Offset != 0 {
		t.Fatalf("unexpected pagination: %+v", q)
	}
	q = OrderQuery{}
	q.Normalize()
	if q.Limit != DefaultQueryLimit {
		t.Fatalf("expected default limit, got %d", q.Limit)
	}
}

func TestBookStatsCrossed(t *testing.T) {
	stats := BookStats{
		BestBid: decimal.NewNullDecimal(decimal.RequireFromString("100")),
		BestAsk: decimal.NewNullDecimal(decimal.RequireFromString("101")),
	}
	if stats.Crossed() {
		t.Fatalf("book with bid < ask reported crossed")
	}
	stats.BestAsk = decimal.NewNullDecimal(decimal.RequireFromString("100"))
	if !stats.Crossed() {
		t.Fatalf("locked book not reported crossed")
	}
	stats.BestAsk = decimal.NullDecimal{}
	if stats.Crossed() {
		t.Fatalf("one sided book cannot be crossed")
	}
}

func TestOrderEventKeyAndJSON(t *testing.T) {
	evt := OrderEvent{
		Venue:      "coinbase",
		Instrument: "BTC-USD",
		OrderID:    "abc",
		Sequence:   42,
		Side:       SideBid,
		Price:      decimal.RequireFromString("100.12345678"),
		Size:       decimal.RequireFromString("0.5"),
		Kind:       EventOpen,
	}
	if got := evt.Key(); got != "coinbase|BTC-USD|abc|42" {
		t.Fatalf("unexpected key %q", got)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out OrderEvent
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Price.Equal(evt.Price) {
		t.Fatalf("price lost precision: %s != %s", out.Price, evt.Price)
	}
}
