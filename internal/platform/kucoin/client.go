// Package kucoin implements the venue adapter for KuCoin spot.
package kucoin

import (
	"bytes"
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
	DefaultRESTURL = "https://api.kucoin.com"

	// The bullet response advertises an 18s ping interval.
	keepAlivePeriod = 18 * time.Second
	codeOK          = "200000"
	apiKeyVersion   = "2"
)

// Config configures the KuCoin adapter.
type Config struct {
	Name    string
	RESTURL string
	// WSURL, when set, replaces the endpoint returned with the bullet token.
	WSURL       string
	Auth        crypto.HMACAuth
	Fees        domain.FeeSchedule
	HTTPTimeout time.Duration
}

// Client is the REST and stream client for the KuCoin v1 API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	dialGuard  venue.DialGuard
}

// NewClient creates a new KuCoin client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Name == "" {
		cfg.Name = "kucoin"
	}
	if cfg.RESTURL == "" {
		cfg.RESTURL = DefaultRESTURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: platform.NewHTTPClient(cfg.HTTPTimeout),
		logger:     logger.With(slog.String("component", "kucoin"), slog.String("venue", cfg.Name)),
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
		return fmt.Errorf("kucoin: connect: %w", err)
	}
	return nil
}

func (c *Client) Disconnect() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// StreamQuotes subscribes to the public ticker topic for symbol. Every
// connect fetches a fresh bullet token.
func (c *Client) StreamQuotes(ctx context.Context, symbol string) (<-chan domain.Quote, error) {
	feed := wsfeed.New(wsfeed.Config{
		Venue:      c.cfg.Name,
		URL:        c.cfg.RESTURL + "/api/v1/bullet-public",
		ResolveURL: c.streamURL,
		Subscribe: func() ([]byte, error) {
			return json.Marshal(WSFrame{
				ID:       c.frameID(),
				Type:     "subscribe",
				Topic:    tickerTopic(symbol),
				Response: true,
			})
		},
		Ping: func() []byte {
			b, _ := json.Marshal(WSFrame{ID: c.frameID(), Type: "ping"})
			return b
		},
		PingPeriod: keepAlivePeriod,
		Decode: func(msg []byte, at time.Time) ([]domain.Quote, error) {
			return DecodeTicker(c.cfg.Name, symbol, msg, at)
		},
		Guard: c.dialGuard,
	}, c.logger)
	return feed.Start(ctx), nil
}

// streamURL requests a public bullet token and builds the connect URL.
func (c *Client) streamURL(ctx context.Context) (string, error) {
	var b Bullet
	if err := c.send(ctx, http.MethodPost, "/api/v1/bullet-public", nil, &b, false); err != nil {
		return "", fmt.Errorf("kucoin: bullet token: %w", err)
	}
	endpoint := c.cfg.WSURL
	if endpoint == "" {
		if len(b.InstanceServers) == 0 {
			return "", fmt.Errorf("kucoin: bullet token: no instance servers: %w", domain.ErrConnectivity)
		}
		endpoint = b.InstanceServers[0].Endpoint
	}
	q := url.Values{}
	q.Set("token", b.Token)
	q.Set("connectId", c.frameID())
	return endpoint + "?" + q.Encode(), nil
}

func (c *Client) frameID() string {
	return strconv.FormatInt(c.now().UnixNano(), 10)
}

// PlaceOrder submits an order. Market orders size in the base currency on
// both sides.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	body := PlaceOrderRequest{
		ClientOid: req.ClientID,
		Side:      string(req.Side),
		Symbol:    WireSymbol(req.Symbol),
		Type:      string(req.Type()),
		Size:      formatFloat(req.Quantity),
	}
	if req.Type() == domain.OrderTypeLimit {
		body.Price = formatFloat(req.Price)
	}

	var ack OrderAck
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders", body, &ack); err != nil {
		return domain.OrderHandle{}, fmt.Errorf("kucoin: place order %s: %w", req.Symbol, err)
	}
	if ack.OrderID == "" {
		return domain.OrderHandle{}, fmt.Errorf("kucoin: place order %s: empty response", req.Symbol)
	}
	return domain.OrderHandle{
		ID:           ack.OrderID,
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

// CancelOrder cancels an open order. Orders that are no longer open are
// reported as domain.ErrOrderAlreadyFilled.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	var ack CancelAck
	if err := c.do(ctx, http.MethodDelete, "/api/v1/orders/"+url.PathEscape(orderID), nil, &ack); err != nil {
		return fmt.Errorf("kucoin: cancel order %s: %w", orderID, err)
	}
	return nil
}

// OrderStatus queries an order.
func (c *Client) OrderStatus(ctx context.Context, symbol, orderID string) (domain.OrderHandle, error) {
	var d *OrderDetail
	if err := c.do(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(orderID), nil, &d); err != nil {
		return domain.OrderHandle{}, fmt.Errorf("kucoin: order status %s: %w", orderID, err)
	}
	if d == nil {
		return domain.OrderHandle{}, fmt.Errorf("kucoin: order status %s: %w", orderID, domain.ErrNotFound)
	}
	return d.ToHandle(c.cfg.Name, symbol), nil
}

// OrderByClientID queries an order by its clientOid.
func (c *Client) OrderByClientID(ctx context.Context, symbol, clientID string) (domain.OrderHandle, error) {
	var d *OrderDetail
	if err := c.do(ctx, http.MethodGet, "/api/v1/order/client-order/"+url.PathEscape(clientID), nil, &d); err != nil {
		return domain.OrderHandle{}, fmt.Errorf("kucoin: order by client id %s: %w", clientID, err)
	}
	if d == nil {
		return domain.OrderHandle{}, fmt.Errorf("kucoin: order by client id %s: %w", clientID, domain.ErrNotFound)
	}
	return d.ToHandle(c.cfg.Name, symbol), nil
}

// FetchBalance returns available trade-account balances keyed by currency.
func (c *Client) FetchBalance(ctx context.Context) (map[string]float64, error) {
	var accounts []Account
	if err := c.do(ctx, http.MethodGet, "/api/v1/accounts?type=trade", nil, &accounts); err != nil {
		return nil, fmt.Errorf("kucoin: fetch balance: %w", err)
	}
	out := make(map[string]float64)
	for _, a := range accounts {
		if v := parseFloat(a.Available); v > 0 {
			out[a.Currency] += v
		}
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, requestPath string, reqBody, out any) error {
	return c.send(ctx, method, requestPath, reqBody, out, true)
}

// send issues a request and decodes the envelope's data into out. Signed
// requests carry the v2 key headers; requestPath includes the query string,
// which is part of the signature.
func (c *Client) send(ctx context.Context, method, requestPath string, reqBody, out any, signed bool) error {
	if signed && !c.cfg.Auth.Configured() {
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
	req.Header.Set("Content-Type", "application/json")
	if signed {
		ts := strconv.FormatInt(c.now().UnixMilli(), 10)
		req.Header.Set("KC-API-KEY", c.cfg.Auth.Key)
		req.Header.Set("KC-API-SIGN", c.cfg.Auth.PrehashSignature(ts, method, requestPath, string(payload)))
		req.Header.Set("KC-API-TIMESTAMP", ts)
		req.Header.Set("KC-API-PASSPHRASE", c.cfg.Auth.SignBase64(c.cfg.Auth.Passphrase))
		req.Header.Set("KC-API-KEY-VERSION", apiKeyVersion)
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
	if err := codeError(env.Code, env.Msg); err != nil {
		return err
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// codeError maps KuCoin error codes to domain errors. "200000" is success.
// 400100 covers both bad parameters and missing orders, told apart by msg.
func codeError(code, msg string) error {
	if code == "" || code == codeOK {
		return nil
	}
	detail := fmt.Sprintf("code %s: %s", code, msg)
	lower := strings.ToLower(msg)
	switch code {
	case "200004":
		return fmt.Errorf("%s: %w", detail, domain.ErrInsufficientBalance)
	case "400001", "400002", "400003", "400004", "400005", "400006", "400007", "411100":
		return fmt.Errorf("%s: %w", detail, domain.ErrAuth)
	case "429000", "1015":
		return fmt.Errorf("%s: %w", detail, domain.ErrRateLimited)
	case "500000":
		return fmt.Errorf("%s: %w", detail, domain.ErrConnectivity)
	case "400100":
		switch {
		case strings.Contains(lower, "not_allow_to_cancel") || strings.Contains(lower, "not allow to cancel"):
			return fmt.Errorf("%s: %w", detail, domain.ErrOrderAlreadyFilled)
		case strings.Contains(lower, "not_exist") || strings.Contains(lower, "not exist"):
			return fmt.Errorf("%s: %w", detail, domain.ErrNotFound)
		case strings.Contains(lower, "balance insufficient"):
			return fmt.Errorf("%s: %w", detail, domain.ErrInsufficientBalance)
		}
		return fmt.Errorf("%s: %w", detail, domain.ErrInvalidOrder)
	default:
		return fmt.Errorf("%s: %w", detail, domain.ErrInvalidOrder)
	}
}
