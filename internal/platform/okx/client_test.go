package okx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/crypto"
	"github.com/alanyoungcy/arbengine/internal/domain"
)

var testAuth = crypto.HMACAuth{Key: "okx-key", Secret: "okx-secret", Passphrase: "pass"}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(Config{RESTURL: srv.URL, Auth: testAuth, Fees: domain.FeeSchedule{Taker: 0.001}}, nil)
	c.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 5_000_000, time.UTC) }
	return c
}

func verifyHeaders(t *testing.T, r *http.Request, body string) {
	t.Helper()
	ts := "2024-03-01T12:00:00.005Z"
	assert.Equal(t, ts, r.Header.Get("OK-ACCESS-TIMESTAMP"))
	assert.Equal(t, "okx-key", r.Header.Get("OK-ACCESS-KEY"))
	assert.Equal(t, "pass", r.Header.Get("OK-ACCESS-PASSPHRASE"))
	assert.Equal(t, testAuth.PrehashSignature(ts, r.Method, r.URL.RequestURI(), body), r.Header.Get("OK-ACCESS-SIGN"))
}

func TestPlaceMarketOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		verifyHeaders(t, r, string(raw))
		assert.Equal(t, "/api/v5/trade/order", r.URL.Path)

		var body PlaceOrderRequest
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "BTC-USDT", body.InstID)
		assert.Equal(t, "cash", body.TdMode)
		assert.Equal(t, "buy", body.Side)
		assert.Equal(t, "market", body.OrdType)
		assert.Equal(t, "0.25", body.Sz)
		assert.Equal(t, "base_ccy", body.TgtCcy)
		assert.Empty(t, body.Px)
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"ordId":"312269865356374016","clOrdId":"","sCode":"0","sMsg":""}]}`))
	})
	h, err := c.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "BTC/USDT", Side: domain.OrderSideBuy, Quantity: 0.25})
	require.NoError(t, err)
	assert.Equal(t, "312269865356374016", h.ID)
	assert.Equal(t, domain.OrderStatusNew, h.Status)
	assert.Equal(t, 0.25, h.RequestedQty)
}

func TestPlaceOrderItemError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"1","msg":"Operation failed.","data":[{"ordId":"","sCode":"51008","sMsg":"Order failed. Insufficient USDT balance"}]}`))
	})
	_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "BTC/USDT", Side: domain.OrderSideBuy, Quantity: 1, Price: 30000})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestTopLevelErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"bad key", 401, `{"code":"50111","msg":"Invalid OK-ACCESS-KEY","data":[]}`, domain.ErrAuth},
		{"rate", 429, `{"code":"50011","msg":"Too Many Requests","data":[]}`, domain.ErrRateLimited},
		{"busy", 200, `{"code":"50013","msg":"System is busy","data":[]}`, domain.ErrConnectivity},
		{"gateway", 502, `<html>bad gateway</html>`, domain.ErrConnectivity},
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

func TestOrderStatusSignsQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		verifyHeaders(t, r, "")
		assert.Equal(t, "BTC-USDT", r.URL.Query().Get("instId"))
		assert.Equal(t, "77", r.URL.Query().Get("ordId"))
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT","ordId":"77","px":"","sz":"2",
			"ordType":"market","side":"sell","state":"filled","accFillSz":"2","avgPx":"30010","fee":"-60.02","feeCcy":"USDT","uTime":"1709294400005"}]}`))
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

func TestOrderByClientID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		verifyHeaders(t, r, "")
		assert.Equal(t, "/api/v5/trade/order", r.URL.Path)
		assert.Empty(t, r.URL.Query().Get("ordId"))
		if r.URL.Query().Get("clOrdId") != "arb9s" {
			_, _ = w.Write([]byte(`{"code":"51603","msg":"Order does not exist","data":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT","ordId":"88","clOrdId":"arb9s","sz":"1",
			"ordType":"market","side":"sell","state":"filled","accFillSz":"1","avgPx":"30000","fee":"-30","feeCcy":"USDT"}]}`))
	})
	h, err := c.OrderByClientID(context.Background(), "BTC/USDT", "arb9s")
	require.NoError(t, err)
	assert.Equal(t, "88", h.ID)
	assert.Equal(t, "arb9s", h.ClientID)
	assert.Equal(t, domain.OrderStatusFilled, h.Status)

	_, err = c.OrderByClientID(context.Background(), "BTC/USDT", "arb10s")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelCodes(t *testing.T) {
	code := "51402"
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		verifyHeaders(t, r, string(raw))
		_, _ = w.Write([]byte(`{"code":"1","msg":"","data":[{"ordId":"5","sCode":"` + code + `","sMsg":"x"}]}`))
	})
	assert.ErrorIs(t, c.CancelOrder(context.Background(), "ETH/USDT", "5"), domain.ErrOrderAlreadyFilled)

	code = "51401"
	assert.NoError(t, c.CancelOrder(context.Background(), "ETH/USDT", "5"))
}

func TestFetchBalance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v5/account/balance", r.URL.Path)
		_, _ = w.Write([]byte(`{"code":"0","data":[{"details":[{"ccy":"USDT","availBal":"1200.5"},{"ccy":"BTC","availBal":"0.1"},{"ccy":"DOGE","availBal":"0"}]}]}`))
	})
	bal, err := c.FetchBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"USDT": 1200.5, "BTC": 0.1}, bal)
}

func TestDecodeTickers(t *testing.T) {
	at := time.Unix(1, 0)
	msg := `{"arg":{"channel":"tickers","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","last":"9999.99","bidPx":"8888.88","bidSz":"5","askPx":"9999.99","askSz":"11","ts":"1597026383085"}]}`
	qs, err := DecodeTickers("okx", "BTC/USDT", []byte(msg), at)
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Equal(t, 8888.88, qs[0].BidPrice)
	assert.Equal(t, 5.0, qs[0].BidVolume)
	assert.Equal(t, 9999.99, qs[0].AskPrice)
	assert.Equal(t, 11.0, qs[0].AskVolume)
	assert.Equal(t, int64(1597026383085), qs[0].Timestamp.UnixMilli())

	for _, frame := range []string{"pong", `{"event":"subscribe","arg":{"channel":"tickers","instId":"BTC-USDT"}}`} {
		qs, err := DecodeTickers("okx", "BTC/USDT", []byte(frame), at)
		require.NoError(t, err)
		assert.Empty(t, qs)
	}
}
