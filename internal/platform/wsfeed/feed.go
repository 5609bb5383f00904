// Package wsfeed runs a reconnecting websocket subscription that decodes
// venue messages into quotes.
package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/venue"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message or pong.
	pongWait = 30 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	handshakeTimeout = 15 * time.Second
)

// Config describes one venue stream.
type Config struct {
	Venue string
	URL   string
	// Subscribe, when set, returns the frame sent after every (re)connect.
	Subscribe func() ([]byte, error)
	// Ping, when set, returns an application-level keepalive frame sent as
	// text instead of a websocket ping control frame.
	Ping func() []byte
	// PingPeriod overrides the keepalive interval.
	PingPeriod time.Duration
	// Decode turns one frame into zero or more quotes.
	Decode  func(msg []byte, received time.Time) ([]domain.Quote, error)
	Backoff venue.Backoff
	// Guard, when set, wraps every dial, including reconnects.
	Guard venue.DialGuard
	// ResolveURL, when set, is called inside the guard before every dial
	// and replaces URL. Venues that hand out per-connection tokens use it.
	ResolveURL func(ctx context.Context) (string, error)
}

// Feed streams quotes for a single subscription.
type Feed struct {
	cfg    Config
	dialer websocket.Dialer
	logger *slog.Logger
}

// New creates a Feed.
func New(cfg Config, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Backoff == (venue.Backoff{}) {
		cfg.Backoff = venue.ReconnectBackoff()
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = pingPeriod
	}
	return &Feed{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		logger: logger.With(slog.String("component", "wsfeed"), slog.String("venue", cfg.Venue)),
	}
}

// Start runs the feed in a goroutine and returns its quote channel. The
// channel is closed once ctx is done.
func (f *Feed) Start(ctx context.Context) <-chan domain.Quote {
	out := make(chan domain.Quote, 64)
	go func() {
		defer close(out)
		f.Run(ctx, out)
	}()
	return out
}

// Run connects, reads until the connection drops, and reconnects with
// exponential backoff. It returns when ctx is done.
func (f *Feed) Run(ctx context.Context, out chan<- domain.Quote) {
	attempt := 0
	for {
		connected, err := f.session(ctx, out)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		attempt++
		delay := f.cfg.Backoff.Next(attempt)
		f.logger.Warn("stream dropped, reconnecting",
			slog.String("error", errString(err)),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		if venue.Sleep(ctx, delay) != nil {
			return
		}
	}
}

// session holds one connection until it fails. connected reports whether the
// dial and subscription succeeded, which resets the backoff.
func (f *Feed) session(ctx context.Context, out chan<- domain.Quote) (connected bool, err error) {
	conn, err := f.dial(ctx)
	if err != nil {
		return false, fmt.Errorf("wsfeed: dial %s: %w", f.cfg.Venue, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if f.cfg.Subscribe != nil {
		frame, err := f.cfg.Subscribe()
		if err != nil {
			return false, fmt.Errorf("wsfeed: build subscribe: %w", err)
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return false, fmt.Errorf("wsfeed: subscribe: %w", err)
		}
	}
	f.logger.Info("stream connected", slog.String("url", f.cfg.URL))

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pingErr := make(chan error, 1)
	go func() { pingErr <- f.pingLoop(sessCtx, conn) }()

	// Unblock ReadMessage when the caller goes away.
	go func() {
		<-sessCtx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case perr := <-pingErr:
				if perr != nil {
					err = errors.Join(err, perr)
				}
			default:
			}
			return true, fmt.Errorf("wsfeed: read: %w", errors.Join(domain.ErrWSDisconnect, err))
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		quotes, err := f.cfg.Decode(msg, time.Now())
		if err != nil {
			f.logger.Debug("discarding undecodable frame", slog.String("error", err.Error()))
			continue
		}
		for _, q := range quotes {
			select {
			case out <- q:
			case <-ctx.Done():
				return true, ctx.Err()
			}
		}
	}
}

// dial opens the connection through the guard. Dial failures are
// connectivity errors so the guard's breaker counts them.
func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	dial := func(ctx context.Context) error {
		target := f.cfg.URL
		if f.cfg.ResolveURL != nil {
			u, err := f.cfg.ResolveURL(ctx)
			if err != nil {
				return fmt.Errorf("resolve url: %w", err)
			}
			target = u
		}
		c, _, err := f.dialer.DialContext(ctx, target, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Join(domain.ErrConnectivity, err)
		}
		conn = c
		return nil
	}
	guard := f.cfg.Guard
	if guard == nil {
		guard = func(ctx context.Context, dial func(context.Context) error) error { return dial(ctx) }
	}
	if err := guard(ctx, dial); err != nil {
		if conn != nil {
			conn.Close()
		}
		return nil, err
	}
	return conn, nil
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(f.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			var err error
			if f.cfg.Ping != nil {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				err = conn.WriteMessage(websocket.TextMessage, f.cfg.Ping())
			} else {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			}
			if err != nil {
				return fmt.Errorf("wsfeed: ping: %w", err)
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
