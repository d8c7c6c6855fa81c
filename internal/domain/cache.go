package domain

import "context"

// SignalBus publishes structured engine events for external consumers
// (dashboards, alert routers). Publishing is best-effort: the engine never
// blocks a protective path on the bus.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}
