// Package binance implements the venue adapter for Binance spot.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/arbengine/internal/crypto"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/platform"
	"github.com/alanyoungcy/arbengine/internal/platform/wsfeed"
	"github.com/alanyoungcy/arbengine/internal/venue"
)

const (
	DefaultRESTURL = "https://api.binance.com"
	DefaultWSURL   = "wss://stream.binance.com:9443/ws"

	recvWindow = "5000"
)

// Binance error codes the client maps to domain errors.
const (
	codeInvalidSignature  = -1022
	codeTooManyRequests   = -1003
	codeInsufficientFunds = -2010
	codeUnknownOrder      = -2011
	codeNoSuchOrder       = -2013
	codeBadAPIKeyFormat   = -2014
	codeRejectedAPIKey    = -2015
)

// Config configures the Binance adapter.
type Config struct {
	Name        string
	RESTURL     string
	WSURL       string
	Auth        crypto.HMACAuth
	Fees        domain.FeeSchedule
	HTTPTimeout time.Duration
}

// Client is the REST and stream client for the Binance spot API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	dialGuard  venue.DialGuard
}

// NewClient creates a new Binance client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Name == "" {
		cfg.Name = "binance"
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
		logger:     logger.With(slog.String("component", "binance"), slog.String("venue", cfg.Name)),
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

// Connect verifies credentials by reading the account when they are
// configured; market data needs no session.
func (c *Client) Connect(ctx context.Context) error {
	if !c.cfg.Auth.Configured() {
		c.logger.Warn("no API credentials configured, market data only")
		return nil
	}
	if _, err := c.FetchBalance(ctx); err != nil {
		return fmt.Errorf("binance: connect: %w", err)
	}
	return nil
}

// Disconnect is a no-op: REST calls are stateless and streams end with their
// context.
func (c *Client) Disconnect() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// StreamQuotes subscribes to the bookTicker stream for symbol.
func (c *Client) StreamQuotes(ctx context.Context, symbol string) (<-chan domain.Quote, error) {
	wire := strings.ToLower(WireSymbol(symbol))
	feed := wsfeed.New(wsfeed.Config{
		Venue: c.cfg.Name,
		URL:   c.cfg.WSURL + "/" + wire + "@bookTicker",
		Decode: func(msg []byte, at time.Time) ([]domain.Quote, error) {
			return DecodeBookTicker(c.cfg.Name, symbol, msg, at)
		},
		Guard: c.dialGuard,
	}, c.logger)
	return feed.Start(ctx), nil
}

// PlaceOrder submits a MARKET order when req.Price is zero and a GTC LIMIT
// order otherwise.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	params := url.Values{}
	params.Set("symbol", WireSymbol(req.Symbol))
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("quantity", formatFloat(req.Quantity))
	params.Set("newOrderRespType", "FULL")
	if req.Type() == domain.OrderTypeLimit {
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", formatFloat(req.Price))
	} else {
		params.Set("type", "MARKET")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	var resp OrderResponse
	if err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return domain.OrderHandle{}, fmt.Errorf("binance: place order %s: %w", req.Symbol, err)
	}
	return resp.ToHandle(c.cfg.Name, req.Symbol, c.cfg.Fees.Taker), nil
}

// CancelOrder cancels an open order. Binance answers -2011 for orders that
// are no longer open, which is reported as domain.ErrOrderAlreadyFilled.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", WireSymbol(symbol))
	params.Set("orderId", orderID)
	if err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params, nil); err != nil {
		return fmt.Errorf("binance: cancel order %s: %w", orderID, err)
	}
	return nil
}

// OrderStatus queries an order.
func (c *Client) OrderStatus(ctx context.Context, symbol, orderID string) (domain.OrderHandle, error) {
	params := url.Values{}
	params.Set("symbol", WireSymbol(symbol))
	params.Set("orderId", orderID)

	var resp OrderResponse
	if err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", params, &resp); err != nil {
		return domain.OrderHandle{}, fmt.Errorf("binance: order status %s: %w", orderID, err)
	}
	return resp.ToHandle(c.cfg.Name, symbol, c.cfg.Fees.Taker), nil
}

// OrderByClientID queries an order by the newClientOrderId it was placed
// with. Binance answers -2013 when no such order exists.
func (c *Client) OrderByClientID(ctx context.Context, symbol, clientID string) (domain.OrderHandle, error) {
	params := url.Values{}
	params.Set("symbol", WireSymbol(symbol))
	params.Set("origClientOrderId", clientID)

	var resp OrderResponse
	if err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", params, &resp); err != nil {
		return domain.OrderHandle{}, fmt.Errorf("binance: order by client id %s: %w", clientID, err)
	}
	return resp.ToHandle(c.cfg.Name, symbol, c.cfg.Fees.Taker), nil
}

// FetchBalance returns free balances keyed by asset.
func (c *Client) FetchBalance(ctx context.Context) (map[string]float64, error) {
	var resp AccountResponse
	if err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{}, &resp); err != nil {
		return nil, fmt.Errorf("binance: fetch balance: %w", err)
	}
	out := make(map[string]float64, len(resp.Balances))
	for _, b := range resp.Balances {
		if free := parseFloat(b.Free); free > 0 {
			out[b.Asset] = free
		}
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doSigned appends timestamp, recvWindow and the HMAC signature to params
// and sends them as the query string.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, out any) error {
	if !c.cfg.Auth.Configured() {
		return fmt.Errorf("api credentials not configured: %w", domain.ErrAuth)
	}
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	query := params.Encode()
	query += "&signature=" + c.cfg.Auth.SignHex(query)

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.RESTURL+path+"?"+query, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.Auth.Key)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return platform.TransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return platform.TransportError(ctx, err)
	}
	if err := checkStatus(resp.StatusCode, body); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkStatus maps non-2xx responses to domain errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr APIError
	_ = json.Unmarshal(body, &apiErr)
	detail := fmt.Sprintf("HTTP %d code %d: %s", statusCode, apiErr.Code, apiErr.Msg)

	switch apiErr.Code {
	case codeInsufficientFunds:
		return fmt.Errorf("%s: %w", detail, domain.ErrInsufficientBalance)
	case codeUnknownOrder:
		return fmt.Errorf("%s: %w", detail, domain.ErrOrderAlreadyFilled)
	case codeNoSuchOrder:
		return fmt.Errorf("%s: %w", detail, domain.ErrNotFound)
	case codeInvalidSignature, codeBadAPIKeyFormat, codeRejectedAPIKey:
		return fmt.Errorf("%s: %w", detail, domain.ErrAuth)
	case codeTooManyRequests:
		return fmt.Errorf("%s: %w", detail, domain.ErrRateLimited)
	}
	if sentinel := platform.StatusError(statusCode); sentinel != nil {
		return fmt.Errorf("%s: %w", detail, sentinel)
	}
	return fmt.Errorf("%s: %w", detail, domain.ErrInvalidOrder)
}
