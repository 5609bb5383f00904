package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
	"github.com/alanyoungcy/arbengine/internal/venue"
)

// unwind flattens the imbalance between the two legs with market orders on
// the venue that over-filled. It runs on a context detached from the caller
// so a shutdown never leaves a position half closed. The returned error is
// always non-nil and wraps domain.ErrPartialExecution.
func (c *Coordinator) unwind(ctx context.Context, exec *domain.Execution, opp *domain.Opportunity, buyV, sellV venue.Adapter, log *slog.Logger) error {
	imbalance := exec.Buy.FilledQty - exec.Sell.FilledQty
	v, side, refPrice := buyV, domain.OrderSideSell, opp.BuyPrice
	if imbalance < 0 {
		v, side, refPrice = sellV, domain.OrderSideBuy, opp.SellPrice
	}
	remaining := math.Abs(imbalance)

	log.Warn("legs unbalanced, unwinding",
		slog.String("venue", v.Name()),
		slog.String("side", string(side)),
		slog.Float64("qty", remaining),
	)

	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.UnwindTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.UnwindMaxAttempts && remaining > qtyEpsilon; attempt++ {
		if attempt > 1 {
			if err := venue.Sleep(uctx, c.cfg.UnwindBackoff.Next(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}

		actx, acancel := context.WithTimeout(uctx, c.cfg.ExecutionTimeout)
		leg, err := c.runLeg(actx, v, domain.OrderRequest{
			Symbol:   opp.Symbol,
			Side:     side,
			Quantity: remaining,
			ClientID: clientID(exec.ID, fmt.Sprintf("u%d", attempt)),
		}, refPrice)
		acancel()

		exec.Unwinds = append(exec.Unwinds, leg)
		remaining -= leg.FilledQty

		result := "filled"
		switch {
		case err != nil:
			result = "error"
		case remaining > qtyEpsilon:
			result = "partial"
		}
		metrics.UnwindAttemptsTotal.WithLabelValues(v.Name(), result).Inc()

		if err != nil {
			lastErr = err
			log.Warn("unwind attempt failed",
				slog.Int("attempt", attempt),
				slog.String("venue", v.Name()),
				slog.String("error", err.Error()),
			)
			if errors.Is(err, domain.ErrInsufficientBalance) || errors.Is(err, domain.ErrAuth) ||
				errors.Is(err, domain.ErrOrderUnknown) {
				break
			}
		}
	}

	if remaining <= qtyEpsilon {
		log.Info("position unwound", slog.Int("attempts", len(exec.Unwinds)))
		return fmt.Errorf("coordinator: %w: imbalance of %.8f unwound on %s", domain.ErrPartialExecution, math.Abs(imbalance), v.Name())
	}

	if lastErr == nil {
		lastErr = errors.New("unwind attempts exhausted")
	}
	reason := fmt.Sprintf("unwind failed: %.8f %s open on %s", remaining, opp.Symbol, v.Name())
	c.risk.Pause(opp.Symbol, reason)
	c.raise(context.WithoutCancel(ctx), domain.RiskEvent{
		ID:          uuid.NewString(),
		Kind:        domain.RiskUnwindFailed,
		Symbol:      opp.Symbol,
		Venue:       v.Name(),
		ExecutionID: exec.ID,
		Exposure:    remaining * refPrice,
		Message:     reason + ": " + lastErr.Error(),
		Fatal:       true,
		At:          c.now(),
	})
	return fmt.Errorf("coordinator: %w: %s: %w", domain.ErrPartialExecution, reason, lastErr)
}

// holdUnknown handles an execution with a leg whose order may exist on the
// venue but could not be found. Unwinding against a guessed fill could double
// the position, so the symbol is paused and a fatal risk event asks for manual
// reconciliation. The returned error wraps domain.ErrPartialExecution.
func (c *Coordinator) holdUnknown(ctx context.Context, exec *domain.Execution, opp *domain.Opportunity, cause error, log *slog.Logger) error {
	var venues []string
	var exposure float64
	for _, l := range []domain.Leg{exec.Buy, exec.Sell} {
		if l.Status == domain.LegUnknown {
			venues = append(venues, l.Venue)
			exposure += l.RequestedQty * l.RequestedPrice
		}
	}
	exposure += math.Abs(exec.NetPosition()) * opp.BuyPrice
	reason := fmt.Sprintf("order state unknown on %s for %s, reconcile manually", strings.Join(venues, ","), opp.Symbol)

	log.Error("leg state unknown, not unwinding", slog.String("venues", strings.Join(venues, ",")))
	c.risk.Pause(opp.Symbol, reason)
	c.raise(context.WithoutCancel(ctx), domain.RiskEvent{
		ID:          uuid.NewString(),
		Kind:        domain.RiskUnwindFailed,
		Symbol:      opp.Symbol,
		Venue:       strings.Join(venues, ","),
		ExecutionID: exec.ID,
		Exposure:    exposure,
		Message:     reason + ": " + cause.Error(),
		Fatal:       true,
		At:          c.now(),
	})
	return fmt.Errorf("coordinator: %w: %s: %w", domain.ErrPartialExecution, reason, cause)
}
