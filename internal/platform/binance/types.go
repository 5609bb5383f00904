package binance

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// --------------------------------------------------------------------------
// Binance API DTOs
// --------------------------------------------------------------------------

// APIError is the error body returned by the REST API.
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Fill is one trade reported in a FULL order response.
type Fill struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

// OrderResponse is returned by order placement, query and cancel.
type OrderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"` // NEW, PARTIALLY_FILLED, FILLED, CANCELED, REJECTED, EXPIRED
	Type                string `json:"type"`
	Side                string `json:"side"`
	TransactTime        int64  `json:"transactTime"`
	UpdateTime          int64  `json:"updateTime"`
	Fills               []Fill `json:"fills"`
}

// AccountResponse is the subset of /api/v3/account the client reads.
type AccountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// BookTicker is a <symbol>@bookTicker stream frame.
type BookTicker struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

// --------------------------------------------------------------------------
// Conversion helpers
// --------------------------------------------------------------------------

// WireSymbol converts "BTC/USDT" to "BTCUSDT".
func WireSymbol(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(symbol), "/", "")
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func orderStatus(s string) domain.OrderStatus {
	switch s {
	case "PARTIALLY_FILLED":
		return domain.OrderStatusPartiallyFilled
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH", "PENDING_CANCEL":
		return domain.OrderStatusCanceled
	case "REJECTED":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusNew
	}
}

// ToHandle converts an order response for a canonical symbol. Commissions
// are converted to the quote asset; commissions charged in a third asset are
// estimated with takerFee.
func (r OrderResponse) ToHandle(venueName, symbol string, takerFee float64) domain.OrderHandle {
	filled := parseFloat(r.ExecutedQty)
	quoteQty := parseFloat(r.CummulativeQuoteQty)
	h := domain.OrderHandle{
		ID:           strconv.FormatInt(r.OrderID, 10),
		ClientID:     r.ClientOrderID,
		Venue:        venueName,
		Symbol:       symbol,
		Side:         domain.OrderSide(strings.ToLower(r.Side)),
		Type:         domain.OrderType(strings.ToLower(r.Type)),
		Status:       orderStatus(r.Status),
		RequestedQty: parseFloat(r.OrigQty),
		Price:        parseFloat(r.Price),
		FilledQty:    filled,
		UpdatedAt:    time.Now(),
	}
	if filled > 0 {
		h.AvgPrice = quoteQty / filled
	}
	if ts := max(r.UpdateTime, r.TransactTime); ts > 0 {
		h.UpdatedAt = time.UnixMilli(ts)
	}

	base, quote, _ := domain.SplitSymbol(symbol)
	if len(r.Fills) == 0 {
		h.Fee = quoteQty * takerFee
		return h
	}
	for _, f := range r.Fills {
		c := parseFloat(f.Commission)
		switch f.CommissionAsset {
		case quote:
			h.Fee += c
		case base:
			h.Fee += c * parseFloat(f.Price)
		default:
			h.Fee += parseFloat(f.Qty) * parseFloat(f.Price) * takerFee
		}
	}
	return h
}

// DecodeBookTicker turns a bookTicker frame into a quote. The stream carries
// no event time, so the receive time is used.
func DecodeBookTicker(venueName, symbol string, msg []byte, received time.Time) ([]domain.Quote, error) {
	var bt BookTicker
	if err := json.Unmarshal(msg, &bt); err != nil {
		return nil, err
	}
	if bt.Symbol == "" {
		// Subscription acks and other control frames.
		return nil, nil
	}
	return []domain.Quote{{
		Venue:     venueName,
		Symbol:    symbol,
		BidPrice:  parseFloat(bt.BidPrice),
		BidVolume: parseFloat(bt.BidQty),
		AskPrice:  parseFloat(bt.AskPrice),
		AskVolume: parseFloat(bt.AskQty),
		Timestamp: received,
	}}, nil
}
