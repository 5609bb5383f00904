// Package platform holds helpers shared by the exchange REST clients.
package platform

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// NewHTTPClient returns the HTTP client used by the exchange REST clients.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// TransportError classifies an error returned by http.Client.Do. Anything
// other than the caller's own context ending is a connectivity failure.
func TransportError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrConnectivity, err)
}

// StatusError maps HTTP status codes that need no venue-specific decoding.
// It returns nil for codes the caller must interpret from the body.
func StatusError(status int) error {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return domain.ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.ErrAuth
	case status >= 500:
		return domain.ErrConnectivity
	default:
		return nil
	}
}
