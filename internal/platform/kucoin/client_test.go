package kucoin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/crypto"
	"github.com/alanyoungcy/arbengine/internal/domain"
)

var testAuth = crypto.HMACAuth{Key: "kc-key", Secret: "kc-secret", Passphrase: "pass"}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(Config{RESTURL: srv.URL, Auth: testAuth, Fees: domain.FeeSchedule{Taker: 0.001}}, nil)
	c.now = func() time.Time { return time.UnixMilli(1709294400005) }
	return c
}

func verifyHeaders(t *testing.T, r *http.Request, body string) {
	t.Helper()
	ts := "1709294400005"
	assert.Equal(t, ts, r.Header.Get("KC-API-TIMESTAMP"))
	assert.Equal(t, "kc-key", r.Header.Get("KC-API-KEY"))
	assert.Equal(t, "2", r.Header.Get("KC-API-KEY-VERSION"))
	assert.Equal(t, testAuth.SignBase64("pass"), r.Header.Get("KC-API-PASSPHRASE"))
	assert.Equal(t, testAuth.PrehashSignature(ts, r.Method, r.URL.RequestURI(), body), r.Header.Get("KC-API-SIGN"))
}

func TestPlaceLimitOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		verifyHeaders(t, r, string(raw))
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/orders", r.URL.Path)

		var body PlaceOrderRequest
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "arb1b", body.ClientOid)
		assert.Equal(t, "BTC-USDT", body.Symbol)
		assert.Equal(t, "buy", body.Side)
		assert.Equal(t, "limit", body.Type)
		assert.Equal(t, "0.5", body.Size)
		assert.Equal(t, "30000.1", body.Price)
		_, _ = w.Write([]byte(`{"code":"200000","data":{"orderId":"5bd6e9286d99522a52e458de"}}`))
	})
	h, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol: "BTC/USDT", Side: domain.OrderSideBuy, Quantity: 0.5, Price: 30000.1, ClientID: "arb1b",
	})
	require.NoError(t, err)
	assert.Equal(t, "5bd6e9286d99522a52e458de", h.ID)
	assert.Equal(t, "arb1b", h.ClientID)
	assert.Equal(t, domain.OrderTypeLimit, h.Type)
	assert.Equal(t, domain.OrderStatusNew, h.Status)
}

func TestPlaceMarketOrderOmitsPrice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "market", body["type"])
		assert.Equal(t, "0.25", body["size"])
		assert.NotContains(t, body, "price")
		_, _ = w.Write([]byte(`{"code":"200000","data":{"orderId":"9"}}`))
	})
	_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "ETH/USDT", Side: domain.OrderSideSell, Quantity: 0.25})
	require.NoError(t, err)
}

func TestErrorCodes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"balance", 200, `{"code":"200004","msg":"Balance insufficient!"}`, domain.ErrInsufficientBalance},
		{"signature", 401, `{"code":"400005","msg":"Invalid KC-API-SIGN"}`, domain.ErrAuth},
		{"passphrase", 401, `{"code":"400004","msg":"Invalid KC-API-PASSPHRASE"}`, domain.ErrAuth},
		{"rate", 429, `{"code":"429000","msg":"Too Many Requests"}`, domain.ErrRateLimited},
		{"internal", 500, `{"code":"500000","msg":"Internal Server Error"}`, domain.ErrConnectivity},
		{"gateway", 502, `<html>bad gateway</html>`, domain.ErrConnectivity},
		{"params", 400, `{"code":"400100","msg":"size invalid"}`, domain.ErrInvalidOrder},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.FetchBalance(context.Background())
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCancelOrder(t *testing.T) {
	body := `{"code":"200000","data":{"cancelledOrderIds":["5"]}}`
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		verifyHeaders(t, r, "")
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/v1/orders/5", r.URL.Path)
		_, _ = w.Write([]byte(body))
	})
	assert.NoError(t, c.CancelOrder(context.Background(), "ETH/USDT", "5"))

	body = `{"code":"400100","msg":"order_not_exist_or_not_allow_to_cancel"}`
	assert.ErrorIs(t, c.CancelOrder(context.Background(), "ETH/USDT", "5"), domain.ErrOrderAlreadyFilled)
}

func TestOrderStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		verifyHeaders(t, r, "")
		assert.Equal(t, "/api/v1/orders/77", r.URL.Path)
		_, _ = w.Write([]byte(`{"code":"200000","data":{"id":"77","clientOid":"arb3s","symbol":"BTC-USDT","type":"market",
			"side":"sell","price":"0","size":"2","dealSize":"2","dealFunds":"60020","fee":"60.02","feeCurrency":"USDT",
			"isActive":false,"cancelExist":false,"createdAt":1709294400005}}`))
	})
	h, err := c.OrderStatus(context.Background(), "BTC/USDT", "77")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, h.Status)
	assert.Equal(t, domain.OrderSideSell, h.Side)
	assert.Equal(t, domain.OrderTypeMarket, h.Type)
	assert.Equal(t, 2.0, h.FilledQty)
	assert.Equal(t, 30010.0, h.AvgPrice)
	assert.InDelta(t, 60.02, h.Fee, 1e-9)
	assert.Equal(t, int64(1709294400005), h.UpdatedAt.UnixMilli())
}

func TestOrderDetailStatus(t *testing.T) {
	cases := []struct {
		name string
		d    OrderDetail
		want domain.OrderStatus
	}{
		{"open", OrderDetail{IsActive: true, Size: "1"}, domain.OrderStatusNew},
		{"partial", OrderDetail{IsActive: true, Size: "1", DealSize: "0.4", DealFunds: "40"}, domain.OrderStatusPartiallyFilled},
		{"cancelled", OrderDetail{CancelExist: true, Size: "1", DealSize: "0.4", DealFunds: "40"}, domain.OrderStatusCanceled},
		{"filled", OrderDetail{Size: "1", DealSize: "1", DealFunds: "100"}, domain.OrderStatusFilled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.d.ToHandle("kucoin", "BTC/USDT").Status)
		})
	}

	h := OrderDetail{Size: "1", DealSize: "1", DealFunds: "100", Fee: "0.001", FeeCurrency: "BTC"}.ToHandle("kucoin", "BTC/USDT")
	assert.InDelta(t, 0.1, h.Fee, 1e-12, "base-currency fees are valued at the average price")
}

func TestOrderByClientID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		verifyHeaders(t, r, "")
		switch r.URL.Path {
		case "/api/v1/order/client-order/arb9s":
			_, _ = w.Write([]byte(`{"code":"200000","data":{"id":"88","clientOid":"arb9s","type":"market","side":"sell",
				"size":"1","dealSize":"1","dealFunds":"30000","fee":"30","feeCurrency":"USDT","isActive":false}}`))
		case "/api/v1/order/client-order/arb10s":
			_, _ = w.Write([]byte(`{"code":"200000","data":null}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"400100","msg":"order not exist."}`))
		}
	})
	h, err := c.OrderByClientID(context.Background(), "BTC/USDT", "arb9s")
	require.NoError(t, err)
	assert.Equal(t, "88", h.ID)
	assert.Equal(t, "arb9s", h.ClientID)
	assert.Equal(t, domain.OrderStatusFilled, h.Status)

	_, err = c.OrderByClientID(context.Background(), "BTC/USDT", "arb10s")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = c.OrderByClientID(context.Background(), "BTC/USDT", "arb11s")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFetchBalance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		verifyHeaders(t, r, "")
		assert.Equal(t, "/api/v1/accounts", r.URL.Path)
		assert.Equal(t, "trade", r.URL.Query().Get("type"))
		_, _ = w.Write([]byte(`{"code":"200000","data":[
			{"currency":"USDT","type":"trade","balance":"1300","available":"1200.5","holds":"99.5"},
			{"currency":"BTC","type":"trade","balance":"0.1","available":"0.1","holds":"0"},
			{"currency":"DOGE","type":"trade","balance":"0","available":"0","holds":"0"}]}`))
	})
	bal, err := c.FetchBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"USDT": 1200.5, "BTC": 0.1}, bal)
}

func TestMissingCredentials(t *testing.T) {
	c := NewClient(Config{RESTURL: "http://127.0.0.1:1"}, nil)
	_, err := c.FetchBalance(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuth)
	assert.NoError(t, c.Connect(context.Background()), "market data only")
}

func TestStreamURLUsesBulletToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/bullet-public", r.URL.Path)
		assert.Empty(t, r.Header.Get("KC-API-SIGN"), "public token requests are unsigned")
		_, _ = w.Write([]byte(`{"code":"200000","data":{"token":"tok123",
			"instanceServers":[{"endpoint":"wss://ws-api-spot.kucoin.com/","protocol":"websocket","pingInterval":18000}]}}`))
	})
	raw, err := c.streamURL(context.Background())
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "ws-api-spot.kucoin.com", u.Host)
	assert.Equal(t, "tok123", u.Query().Get("token"))
	assert.NotEmpty(t, u.Query().Get("connectId"))

	c.cfg.WSURL = "ws://127.0.0.1:9/feed"
	raw, err = c.streamURL(context.Background())
	require.NoError(t, err)
	assert.Contains(t, raw, "ws://127.0.0.1:9/feed?")
}

func TestStreamURLWithoutServers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"200000","data":{"token":"tok","instanceServers":[]}}`))
	})
	_, err := c.streamURL(context.Background())
	assert.ErrorIs(t, err, domain.ErrConnectivity)
}

func TestDecodeTicker(t *testing.T) {
	at := time.Unix(1, 0)
	msg := `{"type":"message","topic":"/market/ticker:BTC-USDT","subject":"trade.ticker","data":{"sequence":"1545896668986",
		"price":"0.08","size":"0.011","bestAsk":"0.08","bestAskSize":"0.18","bestBid":"0.049","bestBidSize":"0.036","Time":1704873323416}}`
	qs, err := DecodeTicker("kucoin", "BTC/USDT", []byte(msg), at)
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Equal(t, 0.049, qs[0].BidPrice)
	assert.Equal(t, 0.036, qs[0].BidVolume)
	assert.Equal(t, 0.08, qs[0].AskPrice)
	assert.Equal(t, 0.18, qs[0].AskVolume)
	assert.Equal(t, int64(1704873323416), qs[0].Timestamp.UnixMilli())

	for _, frame := range []string{
		`{"id":"hQvf8jkno","type":"welcome"}`,
		`{"id":"1545910660739","type":"ack"}`,
		`{"id":"1545910590801","type":"pong"}`,
		`{"type":"message","topic":"/market/ticker:ETH-USDT","data":{"bestBid":"1"}}`,
	} {
		qs, err := DecodeTicker("kucoin", "BTC/USDT", []byte(frame), at)
		require.NoError(t, err)
		assert.Empty(t, qs, frame)
	}

	_, err = DecodeTicker("kucoin", "BTC/USDT", []byte("not json"), at)
	assert.Error(t, err)
}
