// Package risk holds the policy checks consulted before any opportunity is
// executed: thresholds, per-symbol exposure, pauses, cooldowns and the
// loss kill switch.
package risk

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// ErrRejected wraps every policy rejection.
var ErrRejected = errors.New("risk: rejected")

// Options are the non-threshold settings of the manager.
type Options struct {
	// SymbolCooldown is the quiet period after each settled execution on a
	// symbol (0 = off).
	SymbolCooldown time.Duration
	// KillSwitchLossUSD halts all trading once cumulative realized profit
	// falls below its negative (0 = off).
	KillSwitchLossUSD float64
}

// Manager is safe for concurrent use. Thresholds are read lock-free.
type Manager struct {
	th     atomic.Pointer[Thresholds]
	opts   Options
	now    func() time.Time
	logger *slog.Logger

	mu            sync.Mutex
	exposure      map[string]float64
	paused        map[string]string
	cooldownUntil map[string]time.Time
	realized      float64
	halted        bool
	haltReason    string
}

// New validates th and creates a Manager.
func New(th Thresholds, opts Options, logger *slog.Logger) (*Manager, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		opts:          opts,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "risk")),
		exposure:      make(map[string]float64),
		paused:        make(map[string]string),
		cooldownUntil: make(map[string]time.Time),
	}
	m.th.Store(&th)
	return m, nil
}

// SetClock replaces time.Now. Must be called before use.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Thresholds returns the thresholds in effect.
func (m *Manager) Thresholds() Thresholds { return *m.th.Load() }

// UpdateThresholds validates th and swaps it in. Evaluations already in
// progress keep the thresholds they started with.
func (m *Manager) UpdateThresholds(th Thresholds) error {
	if err := th.Validate(); err != nil {
		return err
	}
	prev := m.th.Swap(&th)
	m.logger.Info("thresholds updated",
		slog.Any("previous", *prev),
		slog.Any("current", th),
	)
	return nil
}

// CheckThresholds applies the profit, spread and size limits to opp.
func CheckThresholds(th Thresholds, opp domain.Opportunity) error {
	switch {
	case opp.Volume <= 0:
		return fmt.Errorf("%w: zero volume", ErrRejected)
	case opp.NetProfit <= th.MinProfitUSD:
		return fmt.Errorf("%w: net profit %.4f not above %.4f", ErrRejected, opp.NetProfit, th.MinProfitUSD)
	case opp.SpreadPct <= th.MinSpreadPct:
		return fmt.Errorf("%w: spread %.4f%% not above %.4f%%", ErrRejected, opp.SpreadPct, th.MinSpreadPct)
	case th.MaxSpreadPct > 0 && opp.SpreadPct > th.MaxSpreadPct:
		return fmt.Errorf("%w: spread %.4f%% above sanity cap %.4f%%", ErrRejected, opp.SpreadPct, th.MaxSpreadPct)
	case opp.Notional() > th.MaxTradeSizeUSD*(1+1e-9):
		return fmt.Errorf("%w: notional %.2f above max trade size %.2f", ErrRejected, opp.Notional(), th.MaxTradeSizeUSD)
	}
	return nil
}

// Reserve checks opp against every policy and, when it passes, books its
// notional as open exposure on the symbol. release must be called once the
// execution settles.
func (m *Manager) Reserve(opp domain.Opportunity) (release func(), err error) {
	th := m.Thresholds()
	if err := CheckThresholds(th, opp); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halted {
		return nil, fmt.Errorf("%w: trading halted: %s", ErrRejected, m.haltReason)
	}
	if reason, ok := m.paused[opp.Symbol]; ok {
		return nil, fmt.Errorf("%w: %s: %s", domain.ErrSymbolPaused, opp.Symbol, reason)
	}
	if until, ok := m.cooldownUntil[opp.Symbol]; ok && m.now().Before(until) {
		return nil, fmt.Errorf("%w: %s cooling down for %s", ErrRejected, opp.Symbol, until.Sub(m.now()).Round(time.Millisecond))
	}
	notional := opp.Notional()
	if th.MaxExposureUSD > 0 && m.exposure[opp.Symbol]+notional > th.MaxExposureUSD {
		return nil, fmt.Errorf("%w: exposure on %s would reach %.2f, limit %.2f",
			ErrRejected, opp.Symbol, m.exposure[opp.Symbol]+notional, th.MaxExposureUSD)
	}
	m.exposure[opp.Symbol] += notional

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.exposure[opp.Symbol] -= notional
			if m.exposure[opp.Symbol] <= 1e-9 {
				delete(m.exposure, opp.Symbol)
			}
			m.mu.Unlock()
		})
	}, nil
}

// Exposure returns the open notional on symbol.
func (m *Manager) Exposure(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exposure[symbol]
}

// RecordSettlement books realized profit and starts the symbol cooldown.
// When cumulative losses cross the kill-switch limit trading halts and the
// returned event is non-nil.
func (m *Manager) RecordSettlement(exec domain.Execution) *domain.RiskEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realized += exec.RealizedProfit
	if m.opts.SymbolCooldown > 0 && exec.Outcome != domain.OutcomeFailed {
		m.cooldownUntil[exec.Symbol] = m.now().Add(m.opts.SymbolCooldown)
	}
	if m.halted || m.opts.KillSwitchLossUSD <= 0 || m.realized > -m.opts.KillSwitchLossUSD {
		return nil
	}
	m.halted = true
	m.haltReason = fmt.Sprintf("realized loss %.2f beyond kill switch %.2f", -m.realized, m.opts.KillSwitchLossUSD)
	m.logger.Error("kill switch tripped, trading halted",
		slog.Float64("realized", m.realized),
		slog.Float64("limit", m.opts.KillSwitchLossUSD),
	)
	return &domain.RiskEvent{
		ID:          uuid.NewString(),
		Kind:        domain.RiskKillSwitch,
		Symbol:      exec.Symbol,
		ExecutionID: exec.ID,
		Message:     m.haltReason,
		Fatal:       true,
		At:          m.now(),
	}
}

// Realized returns cumulative realized profit recorded by the manager.
func (m *Manager) Realized() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realized
}

// Pause stops new executions on symbol until Resume.
func (m *Manager) Pause(symbol, reason string) {
	m.mu.Lock()
	m.paused[symbol] = reason
	m.mu.Unlock()
	m.logger.Warn("symbol paused", slog.String("symbol", symbol), slog.String("reason", reason))
}

// Resume lifts a pause.
func (m *Manager) Resume(symbol string) {
	m.mu.Lock()
	_, ok := m.paused[symbol]
	delete(m.paused, symbol)
	m.mu.Unlock()
	if ok {
		m.logger.Info("symbol resumed", slog.String("symbol", symbol))
	}
}

// IsPaused reports whether symbol is paused.
func (m *Manager) IsPaused(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.paused[symbol]
	return ok
}

// Paused returns the paused symbols, sorted.
func (m *Manager) Paused() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.paused))
	for s := range m.paused {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Halted reports whether the kill switch has stopped all trading.
func (m *Manager) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// ClearHalt re-arms trading after an operator reviewed the losses. The
// realized counter restarts from zero.
func (m *Manager) ClearHalt() {
	m.mu.Lock()
	m.halted = false
	m.haltReason = ""
	m.realized = 0
	m.mu.Unlock()
	m.logger.Info("trading halt cleared")
}
