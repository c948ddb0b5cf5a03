package reader

import (
	"testing"

	appconfig "l3flow/config"
)

func TestNew(t *testing.T) {
	cfg := appconfig.Default()
	for _, venue := range Venues() {
		a, err := New(venue, cfg)
		if err != nil {
			t.Fatalf("New(%s): %v", venue, err)
		}
		if a.Venue() != venue {
			t.Fatalf("adapter venue = %s, want %s", a.Venue(), venue)
		}
	}

	if a, err := New(" Coinbase ", cfg); err != nil || a.Venue() != "coinbase" {
		t.Fatalf("venue names should be case insensitive: %v", err)
	}
	if _, err := New("kraken", cfg); err == nil {
		t.Fatal("expected error for unsupported venue")
	}

	factory := NewFactory(cfg)
	if _, err := factory("bitfinex"); err != nil {
		t.Fatalf("factory: %v", err)
	}
}
