package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/avrell/tradeguard/internal/domain"
)

// HandleEvent formats a lifecycle event and dispatches it through the
// notifier's event filter. Wire it as the engine's event hook.
func (n *Notifier) HandleEvent(ctx context.Context, ev domain.Event) {
	title, message := formatEvent(ev)
	if err := n.Notify(ctx, ev.Type, title, message); err != nil {
		n.logger.WarnContext(ctx, "event notification failed",
			"event", ev.Type, "error", err)
	}
}

// formatEvent renders an operator-readable title and body for an event.
func formatEvent(ev domain.Event) (string, string) {
	var title string
	switch ev.Type {
	case domain.EventSLApplied:
		title = fmt.Sprintf("Stop moved on #%d %s", ev.Ticket, ev.Symbol)
	case domain.EventEmergencyApplied:
		title = fmt.Sprintf("EMERGENCY stop on #%d %s", ev.Ticket, ev.Symbol)
	case domain.EventPositionOpened:
		title = fmt.Sprintf("Opened #%d %s", ev.Ticket, ev.Symbol)
	case domain.EventPositionClosed:
		title = fmt.Sprintf("Closed #%d %s", ev.Ticket, ev.Symbol)
	case domain.EventStaleLockRelease:
		title = fmt.Sprintf("Stale lock force-released on #%d", ev.Ticket)
	case domain.EventTicketDisabled:
		title = fmt.Sprintf("Ticket #%d DISABLED", ev.Ticket)
	case domain.EventKillSwitch:
		title = "Kill switch engaged"
	default:
		title = ev.Type
	}

	var b strings.Builder
	for k, v := range ev.Detail {
		fmt.Fprintf(&b, "%s: %v\n", k, v)
	}
	return title, strings.TrimRight(b.String(), "\n")
}
