package grid

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// RoundToTick rounds price to the nearest multiple of tick. A non-positive
// tick leaves price unchanged.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

func snapToTick(price, tick float64) float64 {
	return RoundToTick(decimal.NewFromFloat(price), decimal.NewFromFloat(tick)).InexactFloat64()
}

// LevelPrice is the ladder price of level (negative below the center,
// positive above): center·(1 + level·spacingPct/100), rounded to tick.
func LevelPrice(center, spacingPct float64, level int, tick float64) float64 {
	c := decimal.NewFromFloat(center)
	step := decimal.NewFromFloat(spacingPct).Div(hundred).Mul(decimal.NewFromInt(int64(level)))
	p := RoundToTick(c.Mul(decimal.NewFromInt(1).Add(step)), decimal.NewFromFloat(tick))
	return p.InexactFloat64()
}

// StepSize is one spacing interval in price units at center, rounded to tick
// and never below one tick.
func StepSize(center, spacingPct, tick float64) float64 {
	t := decimal.NewFromFloat(tick)
	step := RoundToTick(decimal.NewFromFloat(center).Mul(decimal.NewFromFloat(spacingPct)).Div(hundred), t)
	if t.IsPositive() && step.LessThan(t) {
		step = t
	}
	return step.InexactFloat64()
}

// Quantity sizes an order worth sizeUSD at price, truncated to 8 decimals.
func Quantity(sizeUSD, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return decimal.NewFromFloat(sizeUSD).Div(decimal.NewFromFloat(price)).Truncate(8).InexactFloat64()
}

// TickSpacingPct is the smallest spacing, in percent of center, whose step is
// at least one tick. Zero when tick or center is not positive.
func TickSpacingPct(center, tick float64) float64 {
	if tick <= 0 || center <= 0 {
		return 0
	}
	pct := decimal.NewFromFloat(tick).Mul(hundred).DivRound(decimal.NewFromFloat(center), 12)
	return pct.RoundCeil(10).InexactFloat64()
}

// BuildLadder lays out levels buys below center and levels sells above it.
// Buys come first, nearest level first, then sells in the same order. A
// spacing narrower than one tick is widened to one tick so no two levels
// share a price; buy levels that would price at or below zero are dropped.
func BuildLadder(center, spacingPct float64, levels int, tick, sizeUSD float64) []domain.GridOrder {
	spacingPct = max(spacingPct, TickSpacingPct(center, tick))
	orders := make([]domain.GridOrder, 0, 2*levels)
	for i := 1; i <= levels; i++ {
		p := LevelPrice(center, spacingPct, -i, tick)
		if p <= 0 {
			break
		}
		orders = append(orders, domain.GridOrder{
			Level: -i, Price: p, Side: domain.OrderSideBuy, Qty: Quantity(sizeUSD, p), Status: domain.GridOrderPending,
		})
	}
	for i := 1; i <= levels; i++ {
		p := LevelPrice(center, spacingPct, i, tick)
		orders = append(orders, domain.GridOrder{
			Level: i, Price: p, Side: domain.OrderSideSell, Qty: Quantity(sizeUSD, p), Status: domain.GridOrderPending,
		})
	}
	return orders
}
