package symbols

import "strings"

// knownQuotes is checked longest first when splitting a concatenated pair.
var knownQuotes = []string{"USDT", "USDC", "EUR", "GBP", "USD", "UST", "BTC", "ETH"}

// Normalize turns user input such as "btc/usdt" into the canonical BASE-QUOTE form.
func Normalize(sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	sym = strings.ReplaceAll(sym, "/", "-")
	sym = strings.ReplaceAll(sym, "_", "-")
	if !strings.Contains(sym, "-") {
		if base, quote, ok := splitPair(sym); ok {
			sym = base + "-" + quote
		}
	}
	return sym
}

// ToVenue converts a canonical instrument to the venue's product identifier.
// Currently supported venues: coinbase, bitfinex.
func ToVenue(venue, instrument string) string {
	instrument = Normalize(instrument)
	base, quote, _ := strings.Cut(instrument, "-")
	switch strings.ToLower(venue) {
	case "coinbase":
		// coinbase books are quoted in USD rather than USDT
		if quote == "USDT" {
			quote = "USD"
		}
		return base + "-" + quote
	case "bitfinex":
		if quote == "USDT" {
			quote = "UST"
		}
		if len(base) > 3 || len(quote) > 3 {
			return "t" + base + ":" + quote
		}
		return "t" + base + quote
	default:
		return instrument
	}
}

// Canonical converts a venue specific product identifier back to BASE-QUOTE.
func Canonical(venue, sym string) string {
	switch strings.ToLower(venue) {
	case "coinbase":
		return Normalize(sym)
	case "bitfinex":
		sym = strings.TrimPrefix(strings.TrimSpace(sym), "t")
		sym = strings.ToUpper(sym)
		var base, quote string
		if b, q, ok := strings.Cut(sym, ":"); ok {
			base, quote = b, q
		} else if b, q, ok := splitPair(sym); ok {
			base, quote = b, q
		} else {
			return sym
		}
		if quote == "UST" {
			quote = "USDT"
		}
		return base + "-" + quote
	default:
		return Normalize(sym)
	}
}

func splitPair(sym string) (string, string, bool) {
	for _, q := range knownQuotes {
		if strings.HasSuffix(sym, q) && len(sym) > len(q) {
			return strings.TrimSuffix(sym, q), q, true
		}
	}
	return "", "", false
}
