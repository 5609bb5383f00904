package grid

import "math"

// Volatility keeps a fixed-capacity ring of recent prices and reports the
// sample standard deviation of their log returns.
type Volatility struct {
	buf   []float64
	head  int
	count int
}

// NewVolatility creates a ring holding window prices (minimum 3).
func NewVolatility(window int) *Volatility {
	if window < 3 {
		window = 3
	}
	return &Volatility{buf: make([]float64, window)}
}

// Add records a price. Non-positive prices are ignored.
func (v *Volatility) Add(price float64) {
	if price <= 0 {
		return
	}
	if v.count < len(v.buf) {
		v.buf[(v.head+v.count)%len(v.buf)] = price
		v.count++
		return
	}
	v.buf[v.head] = price
	v.head = (v.head + 1) % len(v.buf)
}

// Len returns the number of prices held.
func (v *Volatility) Len() int { return v.count }

// Value is the sample standard deviation of log returns, or 0 with fewer
// than three prices.
func (v *Volatility) Value() float64 {
	if v.count < 3 {
		return 0
	}
	returns := make([]float64, 0, v.count-1)
	prev := v.buf[v.head]
	for i := 1; i < v.count; i++ {
		p := v.buf[(v.head+i)%len(v.buf)]
		returns = append(returns, math.Log(p/prev))
		prev = p
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss / float64(len(returns)-1))
}

// SpacingParams bound the volatility-driven spacing, in percent.
type SpacingParams struct {
	BasePct float64
	MinPct  float64
	MaxPct  float64
	// K scales volatility (a fraction) into spacing percent.
	K float64
}

// Spacing is clamp(min, max, base + k·volatility·100). It never decreases as
// volatility grows.
func (p SpacingParams) Spacing(volatility float64) float64 {
	s := p.BasePct + p.K*volatility*100
	if p.MaxPct > 0 && s > p.MaxPct {
		s = p.MaxPct
	}
	if s < p.MinPct {
		s = p.MinPct
	}
	return s
}

// Regime buckets volatility, as a fraction, for dashboards.
func Regime(volatility float64) string {
	switch pct := volatility * 100; {
	case pct < 0.2:
		return "low"
	case pct < 0.5:
		return "medium"
	case pct < 1:
		return "high"
	default:
		return "extreme"
	}
}
