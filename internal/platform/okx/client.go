// Package okx implements the venue adapter for OKX spot.
package okx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/alanyoungcy/arbengine/internal/crypto"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/platform"
	"github.com/alanyoungcy/arbengine/internal/platform/wsfeed"
	"github.com/alanyoungcy/arbengine/internal/venue"
)

const (
	DefaultRESTURL = "https://www.okx.com"
	DefaultWSURL   = "wss://ws.okx.com:8443/ws/v5/public"

	// OKX drops public connections idle for 30s.
	keepAlivePeriod = 25 * time.Second
	timestampLayout = "2006-01-02T15:04:05.000Z"
)

// Config configures the OKX adapter.
type Config struct {
	Name    string
	RESTURL string
	WSURL   string
	Auth    crypto.HMACAuth
	Fees    domain.FeeSchedule
	// Demo sends the simulated-trading header.
	Demo        bool
	HTTPTimeout time.Duration
}

// Client is the REST and stream client for the OKX v5 API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	dialGuard  venue.DialGuard
}

// NewClient creates a new OKX client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Name == "" {
		cfg.Name = "okx"
	}
	if cfg.RESTURL == "" {
		cfg.RESTURL = DefaultRESTURL
	}
	if cfg.WSURL == "" {
		cfg.WSURL = DefaultWSURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: platform.NewHTTPClient(cfg.HTTPTimeout),
		logger:     logger.With(slog.String("component", "okx"), slog.String("venue", cfg.Name)),
		now:        time.Now,
	}
}

var (
	_ venue.Adapter     = (*Client)(nil)
	_ venue.DialGuarded = (*Client)(nil)
)

// SetDialGuard routes stream reconnects through g.
func (c *Client) SetDialGuard(g venue.DialGuard) { c.dialGuard = g }

func (c *Client) Name() string             { return c.cfg.Name }
func (c *Client) Fees() domain.FeeSchedule { return c.cfg.Fees }

// Connect verifies credentials when they are configured.
func (c *Client) Connect(ctx context.Context) error {
	if !c.cfg.Auth.Configured() {
		c.logger.Warn("no API credentials configured, market data only")
		return nil
	}
	if _, err := c.FetchBalance(ctx); err != nil {
		return fmt.Errorf("okx: connect: %w", err)
	}
	return nil
}

func (c *Client) Disconnect() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// StreamQuotes subscribes to the public tickers channel for symbol.
func (c *Client) StreamQuotes(ctx context.Context, symbol string) (<-chan domain.Quote, error) {
	instID := WireSymbol(symbol)
	sub, err := json.Marshal(WSSubscribe{Op: "subscribe", Args: []WSChannel{{Channel: "tickers", InstID: instID}}})
	if err != nil {
		return nil, fmt.Errorf("okx: build subscribe: %w", err)
	}
	feed := wsfeed.New(wsfeed.Config{
		Venue:      c.cfg.Name,
		URL:        c.cfg.WSURL,
		Subscribe:  func() ([]byte, error) { return sub, nil },
		Ping:       func() []byte { return []byte("ping") },
		PingPeriod: keepAlivePeriod,
		Decode: func(msg []byte, at time.Time) ([]domain.Quote, error) {
			return DecodeTickers(c.cfg.Name, symbol, msg, at)
		},
		Guard: c.dialGuard,
	}, c.logger)
	return feed.Start(ctx), nil
}

// PlaceOrder submits a cash-mode order. Market orders size in the base
// currency on both sides.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	body := PlaceOrderRequest{
		InstID:  WireSymbol(req.Symbol),
		TdMode:  "cash",
		Side:    string(req.Side),
		OrdType: string(req.Type()),
		Sz:      formatFloat(req.Quantity),
		ClOrdID: req.ClientID,
	}
	if req.Type() == domain.OrderTypeLimit {
		body.Px = formatFloat(req.Price)
	} else {
		body.TgtCcy = "base_ccy"
	}

	var acks []OrderAck
	if err := c.do(ctx, http.MethodPost, "/api/v5/trade/order", body, &acks); err != nil {
		return domain.OrderHandle{}, fmt.Errorf("okx: place order %s: %w", req.Symbol, err)
	}
	if len(acks) == 0 {
		return domain.OrderHandle{}, fmt.Errorf("okx: place order %s: empty response", req.Symbol)
	}
	if err := codeError(acks[0].SCode, acks[0].SMsg); err != nil {
		return domain.OrderHandle{}, fmt.Errorf("okx: place order %s: %w", req.Symbol, err)
	}
	return domain.OrderHandle{
		ID:           acks[0].OrdID,
		ClientID:     req.ClientID,
		Venue:        c.cfg.Name,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type(),
		Status:       domain.OrderStatusNew,
		RequestedQty: req.Quantity,
		Price:        req.Price,
		UpdatedAt:    c.now(),
	}, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	var acks []OrderAck
	err := c.do(ctx, http.MethodPost, "/api/v5/trade/cancel-order",
		CancelOrderRequest{InstID: WireSymbol(symbol), OrdID: orderID}, &acks)
	if err == nil && len(acks) > 0 {
		err = codeError(acks[0].SCode, acks[0].SMsg)
	}
	if err != nil {
		return fmt.Errorf("okx: cancel order %s: %w", orderID, err)
	}
	return nil
}

// OrderStatus queries an order.
func (c *Client) OrderStatus(ctx context.Context, symbol, orderID string) (domain.OrderHandle, error) {
	q := url.Values{}
	q.Set("instId", WireSymbol(symbol))
	q.Set("ordId", orderID)

	var details []OrderDetail
	if err := c.do(ctx, http.MethodGet, "/api/v5/trade/order?"+q.Encode(), nil, &details); err != nil {
		return domain.OrderHandle{}, fmt.Errorf("okx: order status %s: %w", orderID, err)
	}
	if len(details) == 0 {
		return domain.OrderHandle{}, fmt.Errorf("okx: order status %s: %w", orderID, domain.ErrNotFound)
	}
	return details[0].ToHandle(c.cfg.Name, symbol), nil
}

// OrderByClientID queries an order by its clOrdId.
func (c *Client) OrderByClientID(ctx context.Context, symbol, clientID string) (domain.OrderHandle, error) {
	q := url.Values{}
	q.Set("instId", WireSymbol(symbol))
	q.Set("clOrdId", clientID)

	var details []OrderDetail
	if err := c.do(ctx, http.MethodGet, "/api/v5/trade/order?"+q.Encode(), nil, &details); err != nil {
		return domain.OrderHandle{}, fmt.Errorf("okx: order by client id %s: %w", clientID, err)
	}
	if len(details) == 0 {
		return domain.OrderHandle{}, fmt.Errorf("okx: order by client id %s: %w", clientID, domain.ErrNotFound)
	}
	return details[0].ToHandle(c.cfg.Name, symbol), nil
}

// FetchBalance returns available balances keyed by currency.
func (c *Client) FetchBalance(ctx context.Context) (map[string]float64, error) {
	var data []BalanceData
	if err := c.do(ctx, http.MethodGet, "/api/v5/account/balance", nil, &data); err != nil {
		return nil, fmt.Errorf("okx: fetch balance: %w", err)
	}
	out := make(map[string]float64)
	for _, d := range data {
		for _, det := range d.Details {
			if v := parseFloat(det.AvailBal); v > 0 {
				out[det.Ccy] = v
			}
		}
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// do signs and sends a request and decodes the envelope's data into out.
// requestPath includes the query string, which is part of the signature.
func (c *Client) do(ctx context.Context, method, requestPath string, reqBody, out any) error {
	if !c.cfg.Auth.Configured() {
		return fmt.Errorf("api credentials not configured: %w", domain.ErrAuth)
	}

	var payload []byte
	if reqBody != nil {
		var err error
		if payload, err = json.Marshal(reqBody); err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.RESTURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	ts := c.now().UTC().Format(timestampLayout)
	req.Header.Set("OK-ACCESS-KEY", c.cfg.Auth.Key)
	req.Header.Set("OK-ACCESS-SIGN", c.cfg.Auth.PrehashSignature(ts, method, requestPath, string(payload)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.cfg.Auth.Passphrase)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Demo {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return platform.TransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return platform.TransportError(ctx, err)
	}

	var env Envelope
	decodeErr := json.Unmarshal(body, &env)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil {
			if err := codeError(env.Code, env.Msg); err != nil {
				return fmt.Errorf("HTTP %d: %w", resp.StatusCode, err)
			}
		}
		if sentinel := platform.StatusError(resp.StatusCode); sentinel != nil {
			return fmt.Errorf("HTTP %d: %w", resp.StatusCode, sentinel)
		}
		return fmt.Errorf("HTTP %d: %w", resp.StatusCode, domain.ErrInvalidOrder)
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	if env.Code == "0" {
		return nil
	}
	// Order endpoints answer "1" and put the reason in each item's sCode.
	if acks, ok := out.(*[]OrderAck); ok && len(*acks) > 0 && (*acks)[0].SCode != "" {
		return nil
	}
	return codeError(env.Code, env.Msg)
}

// codeError maps OKX error codes to domain errors. "0" is success.
func codeError(code, msg string) error {
	if code == "" || code == "0" {
		return nil
	}
	detail := fmt.Sprintf("code %s: %s", code, msg)
	switch code {
	case "51008":
		return fmt.Errorf("%s: %w", detail, domain.ErrInsufficientBalance)
	case "50103", "50104", "50105", "50111", "50113":
		return fmt.Errorf("%s: %w", detail, domain.ErrAuth)
	case "50011", "50061":
		return fmt.Errorf("%s: %w", detail, domain.ErrRateLimited)
	case "51400", "51402":
		return fmt.Errorf("%s: %w", detail, domain.ErrOrderAlreadyFilled)
	case "51401":
		// Already cancelled: the caller's intent is satisfied.
		return nil
	case "51603":
		return fmt.Errorf("%s: %w", detail, domain.ErrNotFound)
	case "50001", "50004", "50013":
		return fmt.Errorf("%s: %w", detail, domain.ErrConnectivity)
	default:
		return fmt.Errorf("%s: %w", detail, domain.ErrInvalidOrder)
	}
}
