package domain

import (
	"strings"
	"time"
)

// Quote is the best bid/ask for a symbol on a single venue. It is immutable
// once created; the quote cache replaces it wholesale.
type Quote struct {
	Venue     string    `json:"venue"`
	Symbol    string    `json:"symbol"`
	BidPrice  float64   `json:"bid_price"`
	BidVolume float64   `json:"bid_volume"`
	AskPrice  float64   `json:"ask_price"`
	AskVolume float64   `json:"ask_volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Mid returns the midpoint between bid and ask.
func (q Quote) Mid() float64 {
	return (q.BidPrice + q.AskPrice) / 2
}

// Valid reports whether the quote carries usable prices.
func (q Quote) Valid() bool {
	return q.Venue != "" && q.Symbol != "" &&
		q.BidPrice > 0 && q.AskPrice > 0 &&
		q.BidVolume >= 0 && q.AskVolume >= 0 &&
		!q.Timestamp.IsZero()
}

// Age returns how old the quote is relative to now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

// SplitSymbol splits a canonical "BASE/QUOTE" symbol.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	base, quote, ok = strings.Cut(symbol, "/")
	if !ok || base == "" || quote == "" {
		return "", "", false
	}
	return base, quote, true
}

// NormalizeSymbol upper-cases a symbol and converts "-" and "_" separators to
// the canonical "/".
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "-", "/")
	return strings.ReplaceAll(s, "_", "/")
}
