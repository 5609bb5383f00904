package risk

import (
	"errors"
	"fmt"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Thresholds are the runtime-tunable trading limits. They are replaced as a
// whole, never mutated in place.
type Thresholds struct {
	MinProfitUSD    float64 `json:"min_profit_usd"`
	MinSpreadPct    float64 `json:"min_spread_pct"`
	MaxTradeSizeUSD float64 `json:"max_trade_size_usd"`
	// MaxSpreadPct rejects spreads wide enough to indicate bad data (0 = off).
	MaxSpreadPct float64 `json:"max_spread_pct"`
	SlippageBps  float64 `json:"slippage_bps"`
	// MaxExposureUSD caps open notional per symbol (0 = off).
	MaxExposureUSD float64 `json:"max_exposure_usd"`
}

// DefaultThresholds returns conservative defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinProfitUSD:    1,
		MinSpreadPct:    0.3,
		MaxTradeSizeUSD: 1000,
		MaxSpreadPct:    10,
		MaxExposureUSD:  5000,
	}
}

// Validate checks every field and reports all problems at once.
func (t Thresholds) Validate() error {
	var errs []error
	if t.MinProfitUSD <= 0 {
		errs = append(errs, fmt.Errorf("min_profit_usd must be > 0, got %v", t.MinProfitUSD))
	}
	if t.MinSpreadPct <= 0 {
		errs = append(errs, fmt.Errorf("min_spread_pct must be > 0, got %v", t.MinSpreadPct))
	}
	if t.MaxTradeSizeUSD <= 0 {
		errs = append(errs, fmt.Errorf("max_trade_size_usd must be > 0, got %v", t.MaxTradeSizeUSD))
	}
	if t.MaxSpreadPct < 0 || (t.MaxSpreadPct > 0 && t.MaxSpreadPct <= t.MinSpreadPct) {
		errs = append(errs, fmt.Errorf("max_spread_pct must be 0 or greater than min_spread_pct, got %v", t.MaxSpreadPct))
	}
	if t.SlippageBps < 0 {
		errs = append(errs, fmt.Errorf("slippage_bps must be >= 0, got %v", t.SlippageBps))
	}
	if t.MaxExposureUSD < 0 {
		errs = append(errs, fmt.Errorf("max_exposure_usd must be >= 0, got %v", t.MaxExposureUSD))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: thresholds: %w", domain.ErrValidation, errors.Join(errs...))
	}
	return nil
}
