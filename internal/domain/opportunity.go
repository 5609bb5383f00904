package domain

import (
	"fmt"
	"time"
)

// OpportunityStatus tracks an opportunity through the coordinator lifecycle.
type OpportunityStatus string

const (
	OpportunityProposed  OpportunityStatus = "proposed"
	OpportunityAccepted  OpportunityStatus = "accepted"
	OpportunityExecuting OpportunityStatus = "executing"
	OpportunitySettled   OpportunityStatus = "settled"
	OpportunityRejected  OpportunityStatus = "rejected"
)

// Opportunity is a candidate two-leg trade: buy on one venue, sell on another.
type Opportunity struct {
	ID           string            `json:"id"`
	Symbol       string            `json:"symbol"`
	BuyVenue     string            `json:"buy_venue"`
	SellVenue    string            `json:"sell_venue"`
	BuyPrice     float64           `json:"buy_price"`
	SellPrice    float64           `json:"sell_price"`
	SpreadPct    float64           `json:"spread_pct"`
	Volume       float64           `json:"volume"`
	NetProfit    float64           `json:"net_profit"`
	Depth        float64           `json:"depth"`
	Latency      time.Duration     `json:"latency"`
	CreatedAt    time.Time         `json:"created_at"`
	Status       OpportunityStatus `json:"status"`
	RejectReason string            `json:"reject_reason,omitempty"`
}

// Notional is the quote-currency amount the buy leg spends before fees.
func (o Opportunity) Notional() float64 {
	return o.BuyPrice * o.Volume
}

var opportunityTransitions = map[OpportunityStatus][]OpportunityStatus{
	OpportunityProposed:  {OpportunityAccepted, OpportunityRejected},
	OpportunityAccepted:  {OpportunityExecuting, OpportunityRejected},
	OpportunityExecuting: {OpportunitySettled, OpportunityRejected},
}

// Transition moves the opportunity to the next status. Settled and rejected
// opportunities are frozen.
func (o *Opportunity) Transition(to OpportunityStatus) error {
	for _, next := range opportunityTransitions[o.Status] {
		if next == to {
			o.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: opportunity %s %s -> %s", ErrInvalidTransition, o.ID, o.Status, to)
}

// Reject marks the opportunity rejected with a reason.
func (o *Opportunity) Reject(reason string) error {
	if err := o.Transition(OpportunityRejected); err != nil {
		return err
	}
	o.RejectReason = reason
	return nil
}
