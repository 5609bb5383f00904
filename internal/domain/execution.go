package domain

import "time"

// ExecutionOutcome is the final classification of a two-leg execution.
type ExecutionOutcome string

const (
	OutcomeSuccess ExecutionOutcome = "success"
	OutcomePartial ExecutionOutcome = "partial"
	OutcomeFailed  ExecutionOutcome = "failed"
)

// LegStatus is the state of one side of an execution.
type LegStatus string

const (
	LegPending         LegStatus = "pending"
	LegFilled          LegStatus = "filled"
	LegPartiallyFilled LegStatus = "partially_filled"
	LegFailed          LegStatus = "failed"
	LegCanceled        LegStatus = "canceled"
	// LegUnknown: the venue may hold the order but it could not be found.
	LegUnknown LegStatus = "unknown"
)

// Leg is one order of an execution: the buy, the sell, or an unwind.
type Leg struct {
	Venue          string    `json:"venue"`
	Side           OrderSide `json:"side"`
	OrderID        string    `json:"order_id,omitempty"`
	RequestedQty   float64   `json:"requested_qty"`
	RequestedPrice float64   `json:"requested_price"`
	FilledQty      float64   `json:"filled_qty"`
	AvgFillPrice   float64   `json:"avg_fill_price"`
	Fee            float64   `json:"fee"`
	Status         LegStatus `json:"status"`
	Error          string    `json:"error,omitempty"`
}

// Notional is the filled quantity valued at the average fill price.
func (l Leg) Notional() float64 {
	return l.FilledQty * l.AvgFillPrice
}

// SignedQty is the filled quantity, positive for buys and negative for sells.
func (l Leg) SignedQty() float64 {
	if l.Side == OrderSideSell {
		return -l.FilledQty
	}
	return l.FilledQty
}

// CashFlow is the quote-currency effect of the leg after fees.
func (l Leg) CashFlow() float64 {
	if l.Side == OrderSideSell {
		return l.Notional() - l.Fee
	}
	return -(l.Notional() + l.Fee)
}

// SlippageBps is the fill price deviation from the requested price, signed so
// that positive is adverse.
func (l Leg) SlippageBps() float64 {
	if l.RequestedPrice <= 0 || l.FilledQty == 0 {
		return 0
	}
	d := (l.AvgFillPrice - l.RequestedPrice) / l.RequestedPrice * 10000
	if l.Side == OrderSideSell {
		return -d
	}
	return d
}

// Execution records one attempt to trade an opportunity.
type Execution struct {
	ID             string           `json:"id"`
	OpportunityID  string           `json:"opportunity_id"`
	Symbol         string           `json:"symbol"`
	Buy            Leg              `json:"buy"`
	Sell           Leg              `json:"sell"`
	Unwinds        []Leg            `json:"unwinds,omitempty"`
	Outcome        ExecutionOutcome `json:"outcome"`
	ExpectedProfit float64          `json:"expected_profit"`
	RealizedProfit float64          `json:"realized_profit"`
	StartedAt      time.Time        `json:"started_at"`
	Duration       time.Duration    `json:"duration"`
	Error          string           `json:"error,omitempty"`
}

// Legs returns every leg in dispatch order.
func (e Execution) Legs() []Leg {
	legs := make([]Leg, 0, 2+len(e.Unwinds))
	legs = append(legs, e.Buy, e.Sell)
	return append(legs, e.Unwinds...)
}

// NetPosition is the base-asset exposure left by the execution. Zero means
// the trade is flat.
func (e Execution) NetPosition() float64 {
	var net float64
	for _, l := range e.Legs() {
		net += l.SignedQty()
	}
	return net
}

// ComputeProfit sums the cash flow of every leg.
func (e Execution) ComputeProfit() float64 {
	var p float64
	for _, l := range e.Legs() {
		p += l.CashFlow()
	}
	return p
}
