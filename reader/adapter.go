package reader

import (
	"context"
	"fmt"
	"strings"

	appconfig "l3flow/config"
	"l3flow/models"
	"l3flow/reader/bitfinex"
	"l3flow/reader/coinbase"
)

// Adapter owns the connection to one venue and converts its wire messages
// into canonical events and snapshots.
//
// Connect blocks while the connection lives. It returns nil only when ctx is
// cancelled, a faults.Disconnected error when the connection drops and a
// protocol fault when the venue reports an error. It never resynchronizes on
// its own; the caller reconnects and requests a Snapshot.
type Adapter interface {
	Venue() string
	Connect(ctx context.Context, instrument string, out chan<- models.FeedMessage) error
	Snapshot(ctx context.Context, instrument string) (*models.VenueSnapshot, error)
}

// Resumer is implemented by adapters that number events themselves. The
// pipeline passes the sequence of a recovered book so numbering continues
// above it.
type Resumer interface {
	Resume(sequence int64)
}

var (
	_ Adapter = (*coinbase.Adapter)(nil)
	_ Adapter = (*bitfinex.Adapter)(nil)
	_ Resumer = (*bitfinex.Adapter)(nil)
)

// Venues lists the venues New can build.
func Venues() []string {
	return []string{coinbase.Venue, bitfinex.Venue}
}

// New builds the adapter for venue. Unknown venues are an error.
func New(venue string, cfg *appconfig.Config) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(venue)) {
	case coinbase.Venue:
		return coinbase.New(cfg), nil
	case bitfinex.Venue:
		return bitfinex.New(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported venue %q", venue)
	}
}

// Factory builds adapters by venue name. The stream manager takes one so
// tests can substitute fakes.
type Factory func(venue string) (Adapter, error)

// NewFactory binds New to cfg.
func NewFactory(cfg *appconfig.Config) Factory {
	return func(venue string) (Adapter, error) {
		return New(venue, cfg)
	}
}
