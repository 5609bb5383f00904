package okx

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// --------------------------------------------------------------------------
// OKX API DTOs
// --------------------------------------------------------------------------

// Envelope wraps every v5 REST response.
type Envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// PlaceOrderRequest is the body of POST /api/v5/trade/order.
type PlaceOrderRequest struct {
	InstID  string `json:"instId"`
	TdMode  string `json:"tdMode"`
	Side    string `json:"side"`
	OrdType string `json:"ordType"`
	Sz      string `json:"sz"`
	Px      string `json:"px,omitempty"`
	ClOrdID string `json:"clOrdId,omitempty"`
	// TgtCcy makes sz a base-currency amount for market buys.
	TgtCcy string `json:"tgtCcy,omitempty"`
}

// CancelOrderRequest is the body of POST /api/v5/trade/cancel-order.
type CancelOrderRequest struct {
	InstID string `json:"instId"`
	OrdID  string `json:"ordId"`
}

// OrderAck is one element of an order placement or cancel response.
type OrderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

// OrderDetail is one element of GET /api/v5/trade/order.
type OrderDetail struct {
	InstID    string `json:"instId"`
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	OrdType   string `json:"ordType"`
	Side      string `json:"side"`
	State     string `json:"state"` // live, partially_filled, filled, canceled, mmp_canceled
	AccFillSz string `json:"accFillSz"`
	AvgPx     string `json:"avgPx"`
	Fee       string `json:"fee"`
	FeeCcy    string `json:"feeCcy"`
	UTime     string `json:"uTime"`
}

// BalanceData is one element of GET /api/v5/account/balance.
type BalanceData struct {
	Details []struct {
		Ccy      string `json:"ccy"`
		AvailBal string `json:"availBal"`
	} `json:"details"`
}

// WSSubscribe is the public channel subscription frame.
type WSSubscribe struct {
	Op   string      `json:"op"`
	Args []WSChannel `json:"args"`
}

// WSChannel identifies a channel and instrument.
type WSChannel struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// WSMessage is a push or event frame.
type WSMessage struct {
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
	Arg   WSChannel       `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

// Ticker is one element of the tickers channel.
type Ticker struct {
	InstID string `json:"instId"`
	BidPx  string `json:"bidPx"`
	BidSz  string `json:"bidSz"`
	AskPx  string `json:"askPx"`
	AskSz  string `json:"askSz"`
	Ts     string `json:"ts"`
}

// --------------------------------------------------------------------------
// Conversion helpers
// --------------------------------------------------------------------------

// WireSymbol converts "BTC/USDT" to "BTC-USDT".
func WireSymbol(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(symbol), "/", "-")
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func orderStatus(state string) domain.OrderStatus {
	switch state {
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "mmp_canceled":
		return domain.OrderStatusCanceled
	default:
		return domain.OrderStatusNew
	}
}

// ToHandle converts an order detail. OKX reports fees as negative amounts in
// feeCcy; fees in the base currency are valued at the average price.
func (d OrderDetail) ToHandle(venueName, symbol string) domain.OrderHandle {
	h := domain.OrderHandle{
		ID:           d.OrdID,
		ClientID:     d.ClOrdID,
		Venue:        venueName,
		Symbol:       symbol,
		Side:         domain.OrderSide(d.Side),
		Type:         domain.OrderType(d.OrdType),
		Status:       orderStatus(d.State),
		RequestedQty: parseFloat(d.Sz),
		Price:        parseFloat(d.Px),
		FilledQty:    parseFloat(d.AccFillSz),
		AvgPrice:     parseFloat(d.AvgPx),
		UpdatedAt:    parseMillis(d.UTime),
	}
	if h.Type != domain.OrderTypeLimit {
		h.Type = domain.OrderTypeMarket
	}
	fee := math.Abs(parseFloat(d.Fee))
	if base, _, ok := domain.SplitSymbol(symbol); ok && d.FeeCcy == base {
		fee *= h.AvgPrice
	}
	h.Fee = fee
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = time.Now()
	}
	return h
}

// DecodeTickers turns a tickers push into quotes. Event frames (subscribe
// acks, errors) and "pong" keepalives yield no quotes.
func DecodeTickers(venueName, symbol string, msg []byte, received time.Time) ([]domain.Quote, error) {
	if string(msg) == "pong" {
		return nil, nil
	}
	var m WSMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return nil, err
	}
	if m.Event != "" || len(m.Data) == 0 {
		return nil, nil
	}
	var tickers []Ticker
	if err := json.Unmarshal(m.Data, &tickers); err != nil {
		return nil, err
	}
	quotes := make([]domain.Quote, 0, len(tickers))
	for _, t := range tickers {
		ts := parseMillis(t.Ts)
		if ts.IsZero() {
			ts = received
		}
		quotes = append(quotes, domain.Quote{
			Venue:     venueName,
			Symbol:    symbol,
			BidPrice:  parseFloat(t.BidPx),
			BidVolume: parseFloat(t.BidSz),
			AskPrice:  parseFloat(t.AskPx),
			AskVolume: parseFloat(t.AskSz),
			Timestamp: ts,
		})
	}
	return quotes, nil
}
