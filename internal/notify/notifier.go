// Package notify pushes operator-facing alerts for agent events to all
// registered senders (Telegram, Discord), filtered by event type so
// operators receive only the alerts they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stablefi/yieldagent/internal/domain"
)

// Event types the filter recognises.
const (
	EventRebalance    = "rebalance"
	EventUnsafeMarket = "unsafe_market"
)

// Sender is one delivery channel.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches agent events to one or more Senders. Only events whose
// type appears in the configured set are forwarded; an empty set allows all.
// Delivery is best-effort: the scheduler never blocks or fails on it.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders, filtered
// to the given event types (empty = all).
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// RebalanceExecuted announces a completed (or simulated) rebalance.
func (n *Notifier) RebalanceExecuted(ctx context.Context, action domain.AgentAction, netGain float64) {
	title := "Rebalance executed"
	if action.Status == domain.ActionSimulated {
		title = "Rebalance simulated"
	} else if action.Status == domain.ActionFailed {
		title = "Rebalance failed"
	}

	route := string(action.ToProtocol)
	if action.FromProtocol != "" {
		route = fmt.Sprintf("%s → %s", action.FromProtocol, action.ToProtocol)
	}

	message := fmt.Sprintf("owner %s\n%s, $%.2f, net gain %.2f%%",
		shortAddress(action.Owner), route, action.AmountUSD, netGain*100)
	if action.TxHash != "" {
		message += "\ntx " + action.TxHash
	}

	n.notify(ctx, EventRebalance, title, message)
}

// MarketUnsafe announces that the safety gate blocked a batch.
func (n *Notifier) MarketUnsafe(ctx context.Context, reason string) {
	n.notify(ctx, EventUnsafeMarket, "Batch blocked: market unsafe", reason)
}

func (n *Notifier) notify(ctx context.Context, event, title, message string) {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return
	}

	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
}

// shortAddress renders 0xABCD…1234 for log-friendly owner references.
func shortAddress(addr string) string {
	if len(addr) < 10 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
