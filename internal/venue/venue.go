// Package venue defines the capability set every trading venue exposes and the
// guard that applies rate limiting and circuit breaking in front of it.
package venue

import (
	"context"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Adapter is the uniform capability set of a trading venue. Implementations
// translate their wire errors into domain.ErrConnectivity, domain.ErrAuth,
// domain.ErrInsufficientBalance and domain.ErrRateLimited.
type Adapter interface {
	Name() string

	// Connect opens the venue session. Disconnect releases it and is safe to
	// call on every exit path, including after a failed Connect.
	Connect(ctx context.Context) error
	Disconnect() error

	// StreamQuotes returns a channel of top-of-book quotes for a canonical
	// symbol. The adapter reconnects on its own when the underlying stream
	// drops; the channel closes only once ctx is done.
	StreamQuotes(ctx context.Context, symbol string) (<-chan domain.Quote, error)

	// PlaceOrder submits a market order when req.Price is zero and a limit
	// order otherwise. The returned handle is provisional.
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderHandle, error)

	// CancelOrder returns domain.ErrOrderAlreadyFilled when there was nothing
	// left to cancel.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	OrderStatus(ctx context.Context, symbol, orderID string) (domain.OrderHandle, error)

	// OrderByClientID looks an order up by the client id it was placed with.
	// It returns domain.ErrNotFound when the venue has no such order.
	OrderByClientID(ctx context.Context, symbol, clientID string) (domain.OrderHandle, error)

	FetchBalance(ctx context.Context) (map[string]float64, error)
	Fees() domain.FeeSchedule
}

// DialGuard runs dial, a stream (re)connect attempt, through the venue's
// rate limiter and circuit breaker.
type DialGuard func(ctx context.Context, dial func(context.Context) error) error

// DialGuarded is implemented by adapters whose quote streams reconnect on
// their own, so the reconnect dials can be guarded too.
type DialGuarded interface {
	SetDialGuard(g DialGuard)
}
