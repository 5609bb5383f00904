// Package notify delivers operator alerts for settled executions and risk
// events to chat webhooks. Each alert carries an event name such as
// "execution.partial" or "risk.unwind_failed" and operators choose which
// names they receive.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier formats domain events and fans them out to every Sender.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// DefaultEvents are delivered when no event filter is configured. Successful
// executions are left out so the channel stays quiet in normal operation.
var DefaultEvents = []string{
	"execution.partial",
	"execution.failed",
	"risk.unwind_failed",
	"risk.kill_switch",
	"risk.venue_auth",
}

// NewNotifier creates a Notifier. Only the named events are delivered; an
// empty list means DefaultEvents and "*" means everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	if len(events) == 0 {
		events = DefaultEvents
	}
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether event would be delivered.
func (n *Notifier) Enabled(event string) bool {
	return n.events["*"] || n.events[event]
}

// NotifyExecution alerts on a settled execution.
func (n *Notifier) NotifyExecution(ctx context.Context, exec domain.Execution) error {
	event := "execution." + string(exec.Outcome)
	if !n.Enabled(event) {
		return nil
	}
	title := fmt.Sprintf("%s %s %s -> %s", strings.ToUpper(string(exec.Outcome)), exec.Symbol, exec.Buy.Venue, exec.Sell.Venue)
	return n.dispatch(ctx, event, title, FormatExecution(exec))
}

// NotifyRiskEvent alerts on a risk event.
func (n *Notifier) NotifyRiskEvent(ctx context.Context, ev domain.RiskEvent) error {
	event := "risk." + string(ev.Kind)
	if !n.Enabled(event) {
		return nil
	}
	title := "RISK " + strings.ToUpper(string(ev.Kind))
	if ev.Fatal {
		title += " (fatal)"
	}
	return n.dispatch(ctx, event, title, FormatRiskEvent(ev))
}

// dispatch sends to every sender. One failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, event, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("event", event),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %s: %w", event, err)
	}
	return nil
}

// FormatExecution renders the body of an execution alert.
func FormatExecution(exec domain.Execution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\n", exec.ID)
	fmt.Fprintf(&b, "buy %s: %.8g @ %.8g\n", exec.Buy.Venue, exec.Buy.FilledQty, exec.Buy.AvgFillPrice)
	fmt.Fprintf(&b, "sell %s: %.8g @ %.8g\n", exec.Sell.Venue, exec.Sell.FilledQty, exec.Sell.AvgFillPrice)
	for i, u := range exec.Unwinds {
		fmt.Fprintf(&b, "unwind %d %s %s: %.8g @ %.8g\n", i+1, u.Venue, u.Side, u.FilledQty, u.AvgFillPrice)
	}
	fmt.Fprintf(&b, "expected: %.2f USD\nrealized: %.2f USD", exec.ExpectedProfit, exec.RealizedProfit)
	if exec.Error != "" {
		fmt.Fprintf(&b, "\nerror: %s", exec.Error)
	}
	return b.String()
}

// FormatRiskEvent renders the body of a risk alert.
func FormatRiskEvent(ev domain.RiskEvent) string {
	var b strings.Builder
	b.WriteString(ev.Message)
	if ev.Symbol != "" {
		fmt.Fprintf(&b, "\nsymbol: %s", ev.Symbol)
	}
	if ev.Venue != "" {
		fmt.Fprintf(&b, "\nvenue: %s", ev.Venue)
	}
	if ev.ExecutionID != "" {
		fmt.Fprintf(&b, "\nexecution: %s", ev.ExecutionID)
	}
	if ev.Exposure != 0 {
		fmt.Fprintf(&b, "\nexposure: %.2f USD", ev.Exposure)
	}
	return b.String()
}
