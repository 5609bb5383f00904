package kucoin

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// --------------------------------------------------------------------------
// KuCoin API DTOs
// --------------------------------------------------------------------------

// Envelope wraps every v1 REST response. Code "200000" is success.
type Envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// PlaceOrderRequest is the body of POST /api/v1/orders.
type PlaceOrderRequest struct {
	ClientOid string `json:"clientOid"`
	Side      string `json:"side"`
	Symbol    string `json:"symbol"`
	Type      string `json:"type"`
	// Size is in the base currency for both limit and market orders.
	Size  string `json:"size"`
	Price string `json:"price,omitempty"`
}

// OrderAck is the data of an order placement response.
type OrderAck struct {
	OrderID string `json:"orderId"`
}

// CancelAck is the data of an order cancel response.
type CancelAck struct {
	CancelledOrderIDs []string `json:"cancelledOrderIds"`
}

// OrderDetail is the data of GET /api/v1/orders/{orderId}.
type OrderDetail struct {
	ID          string `json:"id"`
	ClientOid   string `json:"clientOid"`
	Symbol      string `json:"symbol"`
	Type        string `json:"type"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Size        string `json:"size"`
	DealSize    string `json:"dealSize"`
	DealFunds   string `json:"dealFunds"`
	Fee         string `json:"fee"`
	FeeCurrency string `json:"feeCurrency"`
	IsActive    bool   `json:"isActive"`
	CancelExist bool   `json:"cancelExist"`
	CreatedAt   int64  `json:"createdAt"`
}

// Account is one element of GET /api/v1/accounts.
type Account struct {
	Currency  string `json:"currency"`
	Type      string `json:"type"`
	Available string `json:"available"`
}

// Bullet is the data of POST /api/v1/bullet-public.
type Bullet struct {
	Token           string `json:"token"`
	InstanceServers []struct {
		Endpoint     string `json:"endpoint"`
		Protocol     string `json:"protocol"`
		PingInterval int64  `json:"pingInterval"`
	} `json:"instanceServers"`
}

// WSFrame is a subscribe, ping, or push frame.
type WSFrame struct {
	ID             string          `json:"id,omitempty"`
	Type           string          `json:"type"`
	Topic          string          `json:"topic,omitempty"`
	Subject        string          `json:"subject,omitempty"`
	PrivateChannel bool            `json:"privateChannel,omitempty"`
	Response       bool            `json:"response,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Ticker is the data of a /market/ticker push.
type Ticker struct {
	BestBid     string `json:"bestBid"`
	BestBidSize string `json:"bestBidSize"`
	BestAsk     string `json:"bestAsk"`
	BestAskSize string `json:"bestAskSize"`
	Time        int64  `json:"time"`
}

// --------------------------------------------------------------------------
// Conversion helpers
// --------------------------------------------------------------------------

// WireSymbol converts "BTC/USDT" to "BTC-USDT".
func WireSymbol(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(symbol), "/", "-")
}

func tickerTopic(symbol string) string {
	return "/market/ticker:" + WireSymbol(symbol)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ToHandle converts an order detail. Fees in the base currency are valued at
// the average price.
func (d OrderDetail) ToHandle(venueName, symbol string) domain.OrderHandle {
	h := domain.OrderHandle{
		ID:           d.ID,
		ClientID:     d.ClientOid,
		Venue:        venueName,
		Symbol:       symbol,
		Side:         domain.OrderSide(d.Side),
		Type:         domain.OrderTypeMarket,
		RequestedQty: parseFloat(d.Size),
		Price:        parseFloat(d.Price),
		FilledQty:    parseFloat(d.DealSize),
	}
	if d.Type == "limit" {
		h.Type = domain.OrderTypeLimit
	}
	if h.FilledQty > 0 {
		h.AvgPrice = parseFloat(d.DealFunds) / h.FilledQty
	}
	switch {
	case d.IsActive && h.FilledQty > 0:
		h.Status = domain.OrderStatusPartiallyFilled
	case d.IsActive:
		h.Status = domain.OrderStatusNew
	case d.CancelExist:
		h.Status = domain.OrderStatusCanceled
	default:
		h.Status = domain.OrderStatusFilled
	}
	fee := parseFloat(d.Fee)
	if base, _, ok := domain.SplitSymbol(symbol); ok && d.FeeCurrency == base {
		fee *= h.AvgPrice
	}
	h.Fee = fee
	if d.CreatedAt > 0 {
		h.UpdatedAt = time.UnixMilli(d.CreatedAt)
	} else {
		h.UpdatedAt = time.Now()
	}
	return h
}

// DecodeTicker turns a ticker push into a quote. Welcome, ack and pong
// frames yield no quotes.
func DecodeTicker(venueName, symbol string, msg []byte, received time.Time) ([]domain.Quote, error) {
	var f WSFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		return nil, err
	}
	if f.Type != "message" || f.Topic != tickerTopic(symbol) || len(f.Data) == 0 {
		return nil, nil
	}
	var t Ticker
	if err := json.Unmarshal(f.Data, &t); err != nil {
		return nil, err
	}
	ts := received
	if t.Time > 0 {
		ts = time.UnixMilli(t.Time)
	}
	return []domain.Quote{{
		Venue:     venueName,
		Symbol:    symbol,
		BidPrice:  parseFloat(t.BestBid),
		BidVolume: parseFloat(t.BestBidSize),
		AskPrice:  parseFloat(t.BestAsk),
		AskVolume: parseFloat(t.BestAskSize),
		Timestamp: ts,
	}}, nil
}
