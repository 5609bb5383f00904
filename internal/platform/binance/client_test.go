package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/crypto"
	"github.com/alanyoungcy/arbengine/internal/domain"
)

var testAuth = crypto.HMACAuth{Key: "key-1", Secret: "secret-1"}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(Config{RESTURL: srv.URL, Auth: testAuth, Fees: domain.FeeSchedule{Taker: 0.001}}, nil)
	c.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return c
}

// verifySignature checks the signature covers every other query parameter.
func verifySignature(t *testing.T, r *http.Request) url.Values {
	t.Helper()
	raw := r.URL.RawQuery
	idx := strings.LastIndex(raw, "&signature=")
	require.Positive(t, idx)
	assert.Equal(t, testAuth.SignHex(raw[:idx]), raw[idx+len("&signature="):])
	assert.Equal(t, "key-1", r.Header.Get("X-MBX-APIKEY"))
	q := r.URL.Query()
	assert.Equal(t, "1700000000000", q.Get("timestamp"))
	return q
}

func TestPlaceMarketOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		q := verifySignature(t, r)
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "BUY", q.Get("side"))
		assert.Equal(t, "MARKET", q.Get("type"))
		assert.Equal(t, "0.5", q.Get("quantity"))
		assert.Empty(t, q.Get("price"))
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":42,"origQty":"0.5","executedQty":"0.5",
			"cummulativeQuoteQty":"15000","status":"FILLED","type":"MARKET","side":"BUY","transactTime":1700000000123,
			"fills":[{"price":"30000","qty":"0.3","commission":"9","commissionAsset":"USDT"},
			         {"price":"30000","qty":"0.2","commission":"0.0002","commissionAsset":"BTC"}]}`))
	})

	h, err := c.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "BTC/USDT", Side: domain.OrderSideBuy, Quantity: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "42", h.ID)
	assert.Equal(t, "BTC/USDT", h.Symbol)
	assert.Equal(t, domain.OrderStatusFilled, h.Status)
	assert.Equal(t, domain.OrderSideBuy, h.Side)
	assert.InDelta(t, 0.5, h.FilledQty, 1e-12)
	assert.InDelta(t, 30000, h.AvgPrice, 1e-9)
	assert.InDelta(t, 9+6, h.Fee, 1e-9)
}

func TestPlaceLimitOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := verifySignature(t, r)
		assert.Equal(t, "LIMIT", q.Get("type"))
		assert.Equal(t, "GTC", q.Get("timeInForce"))
		assert.Equal(t, "29000.5", q.Get("price"))
		assert.Equal(t, "grid-1", q.Get("newClientOrderId"))
		_, _ = w.Write([]byte(`{"orderId":7,"origQty":"1","executedQty":"0","cummulativeQuoteQty":"0","status":"NEW","type":"LIMIT","side":"SELL","price":"29000.5"}`))
	})
	h, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol: "BTC/USDT", Side: domain.OrderSideSell, Quantity: 1, Price: 29000.5, ClientID: "grid-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusNew, h.Status)
	assert.Equal(t, domain.OrderTypeLimit, h.Type)
	assert.Zero(t, h.Fee)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"insufficient", 400, `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`, domain.ErrInsufficientBalance},
		{"bad key", 401, `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`, domain.ErrAuth},
		{"signature", 400, `{"code":-1022,"msg":"Signature for this request is not valid."}`, domain.ErrAuth},
		{"rate", 429, `{"code":-1003,"msg":"Too many requests."}`, domain.ErrRateLimited},
		{"banned", 418, `{}`, domain.ErrRateLimited},
		{"unavailable", 503, `oops`, domain.ErrConnectivity},
		{"bad param", 400, `{"code":-1100,"msg":"Illegal characters found in parameter."}`, domain.ErrInvalidOrder},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "BTC/USDT", Side: domain.OrderSideBuy, Quantity: 1})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCancelAlreadyFilled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		q := verifySignature(t, r)
		assert.Equal(t, "99", q.Get("orderId"))
		w.WriteHeader(400)
		_, _ = w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
	})
	err := c.CancelOrder(context.Background(), "ETH/USDT", "99")
	assert.ErrorIs(t, err, domain.ErrOrderAlreadyFilled)
}

func TestOrderByClientID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		q := verifySignature(t, r)
		assert.Empty(t, q.Get("orderId"))
		switch q.Get("origClientOrderId") {
		case "arb1b":
			_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":77,"clientOrderId":"arb1b","origQty":"1","executedQty":"1",
				"cummulativeQuoteQty":"30000","status":"FILLED","type":"MARKET","side":"BUY"}`))
		default:
			w.WriteHeader(400)
			_, _ = w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
		}
	})

	h, err := c.OrderByClientID(context.Background(), "BTC/USDT", "arb1b")
	require.NoError(t, err)
	assert.Equal(t, "77", h.ID)
	assert.Equal(t, "arb1b", h.ClientID)
	assert.Equal(t, domain.OrderStatusFilled, h.Status)
	assert.InDelta(t, 30000, h.AvgPrice, 1e-9)

	_, err = c.OrderByClientID(context.Background(), "BTC/USDT", "arb2b")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFetchBalanceSkipsEmptyAssets(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/account", r.URL.Path)
		verifySignature(t, r)
		_, _ = w.Write([]byte(`{"balances":[{"asset":"BTC","free":"1.25","locked":"0"},{"asset":"USDT","free":"5000.5","locked":"10"},{"asset":"XRP","free":"0","locked":"0"}]}`))
	})
	bal, err := c.FetchBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"BTC": 1.25, "USDT": 5000.5}, bal)
}

func TestMissingCredentials(t *testing.T) {
	c := NewClient(Config{}, nil)
	_, err := c.FetchBalance(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuth)
	assert.NoError(t, c.Connect(context.Background()), "market data works without keys")
}

func TestTransportFailureIsConnectivity(t *testing.T) {
	c := NewClient(Config{RESTURL: "http://127.0.0.1:1", Auth: testAuth}, nil)
	_, err := c.FetchBalance(context.Background())
	assert.ErrorIs(t, err, domain.ErrConnectivity)
}

func TestDecodeBookTicker(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	qs, err := DecodeBookTicker("binance", "BNB/USDT",
		[]byte(`{"u":400900217,"s":"BNBUSDT","b":"25.35190000","B":"31.21000000","a":"25.36520000","A":"40.66000000"}`), at)
	require.NoError(t, err)
	require.Len(t, qs, 1)
	q := qs[0]
	assert.Equal(t, "binance", q.Venue)
	assert.Equal(t, "BNB/USDT", q.Symbol)
	assert.Equal(t, 25.3519, q.BidPrice)
	assert.Equal(t, 31.21, q.BidVolume)
	assert.Equal(t, 25.3652, q.AskPrice)
	assert.Equal(t, 40.66, q.AskVolume)
	assert.Equal(t, at, q.Timestamp)
	assert.True(t, q.Valid())

	qs, err = DecodeBookTicker("binance", "BNB/USDT", []byte(`{"result":null,"id":1}`), at)
	require.NoError(t, err)
	assert.Empty(t, qs)
}

func TestWireSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", WireSymbol("BTC/USDT"))
	assert.Equal(t, "ETHBTC", WireSymbol("eth/btc"))
}
