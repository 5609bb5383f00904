package domain

import "time"

// GridOrderStatus is the state of one resting grid order.
type GridOrderStatus string

const (
	GridOrderPending  GridOrderStatus = "pending"
	GridOrderResting  GridOrderStatus = "resting"
	GridOrderFilled   GridOrderStatus = "filled"
	GridOrderCanceled GridOrderStatus = "canceled"
	GridOrderFailed   GridOrderStatus = "failed"
)

// Live reports whether the order still rests (or is about to) on the venue.
func (s GridOrderStatus) Live() bool {
	return s == GridOrderPending || s == GridOrderResting
}

// GridOrder is one rung of the ladder. Level is negative below the center and
// positive above it.
type GridOrder struct {
	Level     int             `json:"level"`
	Price     float64         `json:"price"`
	Side      OrderSide       `json:"side"`
	Qty       float64         `json:"qty"`
	Status    GridOrderStatus `json:"status"`
	OrderID   string          `json:"order_id,omitempty"`
	FillPrice float64         `json:"fill_price,omitempty"`
	// EntryPrice and EntryFee describe the opening fill a closing order
	// completes a cycle against. Zero for ladder orders.
	EntryPrice float64 `json:"entry_price,omitempty"`
	EntryFee   float64 `json:"entry_fee,omitempty"`
}

// Closing reports whether the order closes a position opened by an earlier
// grid fill.
func (o GridOrder) Closing() bool { return o.EntryPrice > 0 }

// GridLadder is the set of resting orders around a center price.
type GridLadder struct {
	ID         string      `json:"id"`
	Venue      string      `json:"venue"`
	Symbol     string      `json:"symbol"`
	Center     float64     `json:"center"`
	SpacingPct float64     `json:"spacing_pct"`
	Tick       float64     `json:"tick"`
	Orders     []GridOrder `json:"orders"`
	CreatedAt  time.Time   `json:"created_at"`
}

// GridStats accumulates cycle accounting for a ladder.
type GridStats struct {
	Cycles           int        `json:"cycles"`
	ProfitableCycles int        `json:"profitable_cycles"`
	RealizedPnL      float64    `json:"realized_pnl"`
	Recenters        int        `json:"recenters"`
	LastCycleAt      *time.Time `json:"last_cycle_at,omitempty"`
}

// WinRate is the share of profitable cycles in percent.
func (s GridStats) WinRate() float64 {
	if s.Cycles == 0 {
		return 0
	}
	return float64(s.ProfitableCycles) / float64(s.Cycles) * 100
}

// GridCycle is one completed buy→sell round trip.
type GridCycle struct {
	LadderID  string    `json:"ladder_id"`
	Venue     string    `json:"venue"`
	Symbol    string    `json:"symbol"`
	Level     int       `json:"level"`
	BuyPrice  float64   `json:"buy_price"`
	SellPrice float64   `json:"sell_price"`
	Qty       float64   `json:"qty"`
	Fees      float64   `json:"fees"`
	Profit    float64   `json:"profit"`
	At        time.Time `json:"at"`
}
