package app

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// controlChannel carries remote operator commands when the signal bus is
// wired. Payloads are "kill" or "kill:<reason>".
const controlChannel = "tradeguard:control"

// KillSwitch is a one-way latch that suspends new entries. The protective
// side (SL worker, monitor, watchdog, exit sweeps) keeps running so open
// positions stay managed while no new risk is taken.
type KillSwitch struct {
	mu      sync.Mutex
	engaged bool
	reason  string
	logger  *slog.Logger

	// onEngage fires exactly once, on the transition into the engaged state.
	onEngage func(ctx context.Context, reason string)
}

// NewKillSwitch creates a disengaged KillSwitch.
func NewKillSwitch(logger *slog.Logger) *KillSwitch {
	return &KillSwitch{
		logger: logger.With(slog.String("component", "killswitch")),
	}
}

// OnEngage registers the engage hook. Must be called before the switch is
// shared with the agents.
func (k *KillSwitch) OnEngage(fn func(ctx context.Context, reason string)) { k.onEngage = fn }

// Engage latches the switch. Repeat calls are no-ops; the first reason wins.
func (k *KillSwitch) Engage(ctx context.Context, reason string) {
	k.mu.Lock()
	if k.engaged {
		k.mu.Unlock()
		return
	}
	k.engaged = true
	k.reason = reason
	fn := k.onEngage
	k.mu.Unlock()

	k.logger.WarnContext(ctx, "kill switch engaged", slog.String("reason", reason))
	if fn != nil {
		fn(ctx, reason)
	}
}

// Engaged reports whether the switch is latched.
func (k *KillSwitch) Engaged() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.engaged
}

// Reason returns the engage reason, empty while disengaged.
func (k *KillSwitch) Reason() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.reason
}

// HandleCommand interprets one control-channel payload. Unknown commands are
// logged and ignored so a typo cannot disturb a running engine.
func (k *KillSwitch) HandleCommand(ctx context.Context, payload []byte) {
	cmd := strings.TrimSpace(string(payload))
	switch {
	case cmd == "kill":
		k.Engage(ctx, "remote command")
	case strings.HasPrefix(cmd, "kill:"):
		reason := strings.TrimSpace(strings.TrimPrefix(cmd, "kill:"))
		if reason == "" {
			reason = "remote command"
		}
		k.Engage(ctx, reason)
	default:
		k.logger.WarnContext(ctx, "unknown control command", slog.String("command", cmd))
	}
}
