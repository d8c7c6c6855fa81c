package domain

import "time"

// Event types published on the signal bus and routed to notifiers.
const (
	EventSLApplied        = "sl_applied"
	EventEmergencyApplied = "emergency_applied"
	EventPositionOpened   = "position_opened"
	EventPositionClosed   = "position_closed"
	EventStaleLockRelease = "stale_lock_force_released"
	EventTicketDisabled   = "ticket_disabled"
	EventKillSwitch       = "kill_switch"
)

// Event is the envelope published on the signal bus.
type Event struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Ticket int64          `json:"ticket,omitempty"`
	Symbol string         `json:"symbol,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
	Time   time.Time      `json:"time"`
}
