package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is market or limit.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus tracks the order lifecycle as reported by the venue.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the venue will not change the order any further.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// OrderRequest is what callers hand to a venue adapter. A zero Price means a
// market order.
type OrderRequest struct {
	Symbol   string
	Side     OrderSide
	Quantity float64
	Price    float64
	ClientID string
}

// Type returns market when no price was supplied.
func (r OrderRequest) Type() OrderType {
	if r.Price > 0 {
		return OrderTypeLimit
	}
	return OrderTypeMarket
}

// OrderHandle is the venue's view of an order. Status is provisional until
// Terminal reports true.
type OrderHandle struct {
	ID           string      `json:"id"`
	ClientID     string      `json:"client_id,omitempty"`
	Venue        string      `json:"venue"`
	Symbol       string      `json:"symbol"`
	Side         OrderSide   `json:"side"`
	Type         OrderType   `json:"type"`
	Status       OrderStatus `json:"status"`
	RequestedQty float64     `json:"requested_qty"`
	Price        float64     `json:"price"`
	FilledQty    float64     `json:"filled_qty"`
	AvgPrice     float64     `json:"avg_price"`
	Fee          float64     `json:"fee"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Remaining is the unfilled quantity.
func (h OrderHandle) Remaining() float64 {
	r := h.RequestedQty - h.FilledQty
	if r < 0 {
		return 0
	}
	return r
}
