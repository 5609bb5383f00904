// Package calculator turns quote snapshots into fee- and slippage-adjusted
// arbitrage opportunities. Evaluation is synchronous and has no side effects
// beyond the bounded spread history.
package calculator

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/risk"
)

// DefaultHistorySize bounds the spread history kept per symbol.
const DefaultHistorySize = 100

// VenueInfo is what the calculator needs to know about a venue.
type VenueInfo struct {
	Fees     domain.FeeSchedule
	Latency  time.Duration
	Tradable bool
}

// SpreadSample is the best cross-venue spread seen for a symbol in one pass.
type SpreadSample struct {
	At        time.Time `json:"at"`
	BuyVenue  string    `json:"buy_venue"`
	SellVenue string    `json:"sell_venue"`
	SpreadPct float64   `json:"spread_pct"`
	NetProfit float64   `json:"net_profit"`
}

// Candidate is the unconditioned evaluation of one ordered venue pair.
type Candidate struct {
	Buy       domain.Quote
	Sell      domain.Quote
	SpreadPct float64
	Volume    float64
	NetProfit float64
	Depth     float64
	Latency   time.Duration
}

// Evaluate computes the economics of buying at buy.AskPrice and selling at
// sell.BidPrice:
//
//	spreadPct = (sell.bid - buy.ask) / buy.ask * 100
//	volume    = min(buy.askVolume, sell.bidVolume, maxTradeSizeUSD / buy.ask)
//	netProfit = sell.bid*(1-sellFee)*volume - buy.ask*(1+buyFee)*volume - slippage
//
// where slippage = slippageBps/10000 * buy.ask * volume.
func Evaluate(buy, sell domain.Quote, buyInfo, sellInfo VenueInfo, th risk.Thresholds) Candidate {
	c := Candidate{Buy: buy, Sell: sell, Latency: max(buyInfo.Latency, sellInfo.Latency)}
	if buy.AskPrice <= 0 || sell.BidPrice <= 0 {
		return c
	}
	c.SpreadPct = (sell.BidPrice - buy.AskPrice) / buy.AskPrice * 100
	c.Volume = min(buy.AskVolume, sell.BidVolume, th.MaxTradeSizeUSD/buy.AskPrice)
	if c.Volume < 0 {
		c.Volume = 0
	}
	grossSell := sell.BidPrice * (1 - sellInfo.Fees.Taker) * c.Volume
	grossBuy := buy.AskPrice * (1 + buyInfo.Fees.Taker) * c.Volume
	slippage := th.SlippageBps / 10000 * buy.AskPrice * c.Volume
	c.NetProfit = grossSell - grossBuy - slippage
	c.Depth = buy.AskVolume + sell.BidVolume
	return c
}

// Profitable reports whether the candidate clears the thresholds.
func (c Candidate) Profitable(th risk.Thresholds) bool {
	if th.MaxSpreadPct > 0 && c.SpreadPct > th.MaxSpreadPct {
		return false
	}
	return c.NetProfit > th.MinProfitUSD && c.SpreadPct > th.MinSpreadPct && c.Volume > 0
}

// Better orders candidates: net profit desc, then combined depth desc, then
// latency estimate asc. Venue names break remaining ties deterministically.
func Better(a, b Candidate) bool {
	if a.NetProfit != b.NetProfit {
		return a.NetProfit > b.NetProfit
	}
	if a.Depth != b.Depth {
		return a.Depth > b.Depth
	}
	if a.Latency != b.Latency {
		return a.Latency < b.Latency
	}
	if a.Buy.Venue != b.Buy.Venue {
		return a.Buy.Venue < b.Buy.Venue
	}
	return a.Sell.Venue < b.Sell.Venue
}

// Rank evaluates every ordered pair of distinct tradable venues in quotes
// and returns the profitable candidates best first.
func Rank(quotes []domain.Quote, venues map[string]VenueInfo, th risk.Thresholds) []Candidate {
	var out []Candidate
	for _, buy := range quotes {
		bi, ok := venues[buy.Venue]
		if !ok || !bi.Tradable {
			continue
		}
		for _, sell := range quotes {
			if sell.Venue == buy.Venue || sell.Symbol != buy.Symbol {
				continue
			}
			si, ok := venues[sell.Venue]
			if !ok || !si.Tradable {
				continue
			}
			if c := Evaluate(buy, sell, bi, si, th); c.Profitable(th) {
				out = append(out, c)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return Better(out[i], out[j]) })
	return out
}

// Calculator wraps Rank with opportunity construction and spread history.
type Calculator struct {
	historySize int
	newID       func() string

	mu      sync.Mutex
	history map[string]*spreadRing
}

// New creates a Calculator keeping historySize samples per symbol.
func New(historySize int) *Calculator {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Calculator{
		historySize: historySize,
		newID:       uuid.NewString,
		history:     make(map[string]*spreadRing),
	}
}

// Best returns the top opportunity for symbol, or false when no venue pair
// clears the thresholds. The widest spread of the pass is recorded in the
// spread history either way.
func (c *Calculator) Best(symbol string, quotes []domain.Quote, venues map[string]VenueInfo, th risk.Thresholds, now time.Time) (domain.Opportunity, bool) {
	c.recordSpread(symbol, quotes, venues, th, now)

	ranked := Rank(quotes, venues, th)
	if len(ranked) == 0 {
		return domain.Opportunity{}, false
	}
	top := ranked[0]
	return domain.Opportunity{
		ID:        c.newID(),
		Symbol:    symbol,
		BuyVenue:  top.Buy.Venue,
		SellVenue: top.Sell.Venue,
		BuyPrice:  top.Buy.AskPrice,
		SellPrice: top.Sell.BidPrice,
		SpreadPct: top.SpreadPct,
		Volume:    top.Volume,
		NetProfit: top.NetProfit,
		Depth:     top.Depth,
		Latency:   top.Latency,
		CreatedAt: now,
		Status:    domain.OpportunityProposed,
	}, true
}

func (c *Calculator) recordSpread(symbol string, quotes []domain.Quote, venues map[string]VenueInfo, th risk.Thresholds, now time.Time) {
	var best *Candidate
	for _, buy := range quotes {
		for _, sell := range quotes {
			if buy.Venue == sell.Venue {
				continue
			}
			cand := Evaluate(buy, sell, venues[buy.Venue], venues[sell.Venue], th)
			if best == nil || cand.SpreadPct > best.SpreadPct {
				best = &cand
			}
		}
	}
	if best == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.history[symbol]
	if !ok {
		r = newSpreadRing(c.historySize)
		c.history[symbol] = r
	}
	r.push(SpreadSample{
		At:        now,
		BuyVenue:  best.Buy.Venue,
		SellVenue: best.Sell.Venue,
		SpreadPct: best.SpreadPct,
		NetProfit: best.NetProfit,
	})
}

// SpreadHistory returns the recorded samples for symbol, oldest first.
func (c *Calculator) SpreadHistory(symbol string) []SpreadSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.history[symbol]
	if !ok {
		return nil
	}
	return r.items()
}

type spreadRing struct {
	buf   []SpreadSample
	head  int
	count int
}

func newSpreadRing(n int) *spreadRing {
	return &spreadRing{buf: make([]SpreadSample, n)}
}

func (r *spreadRing) push(s SpreadSample) {
	idx := (r.head + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		r.buf[r.head] = s
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.buf[idx] = s
	r.count++
}

func (r *spreadRing) items() []SpreadSample {
	out := make([]SpreadSample, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}
