// Package symbol converts between the slash form used in logs and messages
// ("BTC/USDT") and the concatenated venue form used in keys and API calls
// ("BTCUSDT").
package symbol

import (
	"strings"
)

// Suffixes tried in order when the input has no separator.
var quotes = []string{"FDUSD", "USDT", "BUSD", "USDC", "TUSD", "BTC", "ETH", "BNB"}

type Symbol struct {
	Base  string
	Quote string
}

func (s Symbol) Valid() bool { return s.Base != "" && s.Quote != "" }

// String is the slash form, or "" when the pair is incomplete.
func (s Symbol) String() string {
	if !s.Valid() {
		return ""
	}
	return s.Base + "/" + s.Quote
}

// Venue is the concatenated form the exchange expects.
func (s Symbol) Venue() string {
	if !s.Valid() {
		return ""
	}
	return s.Base + s.Quote
}

// Parse accepts "BTC/USDT", "BTC/USDT:USDT", "btc-usdt" and "BTCUSDT".
func Parse(raw string) Symbol {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return Symbol{}
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.SplitN(s, sep, 2); len(parts) == 2 {
			return Symbol{Base: strings.TrimSpace(parts[0]), Quote: strings.TrimSpace(parts[1])}
		}
	}
	for _, quote := range quotes {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{Base: s[:len(s)-len(quote)], Quote: quote}
		}
	}
	return Symbol{}
}

// ToVenue returns the venue form of raw. Unrecognised input is upper-cased
// with separators removed rather than rejected.
func ToVenue(raw string) string {
	if out := Parse(raw).Venue(); out != "" {
		return out
	}
	s := strings.ToUpper(strings.TrimSpace(raw))
	return strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
}

// Same reports whether a and b name the same pair in any accepted form.
func Same(a, b string) bool {
	return ToVenue(a) == ToVenue(b)
}
