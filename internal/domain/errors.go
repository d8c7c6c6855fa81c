package domain

import "errors"

// Sentinel errors shared across packages. Wrap with fmt.Errorf("pkg: verb: %w", err)
// and test with errors.Is at call sites.
var (
	// ErrPositionNotFound is returned when a ticket is not open on the broker
	// or not present in the registry.
	ErrPositionNotFound = errors.New("position not found")

	// ErrRateLimited is returned when the global RPC budget has no token.
	ErrRateLimited = errors.New("rate limited")

	// ErrLockTimeout is returned when a per-ticket lock could not be acquired
	// within the configured window.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrCircuitOpen is returned while a ticket's failure circuit is open.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrBrokerConstraint is returned when the venue rejects an SL price for
	// violating its minimum stop distance.
	ErrBrokerConstraint = errors.New("broker stops-level constraint")

	// ErrOrderRejected is returned when the venue refuses a market order.
	ErrOrderRejected = errors.New("order rejected")

	// ErrKillSwitch is returned by entry paths once the kill switch has
	// latched. Protective paths keep running.
	ErrKillSwitch = errors.New("kill switch engaged")

	// ErrMarketClosed is returned when the venue reports the symbol is not
	// currently tradable.
	ErrMarketClosed = errors.New("market closed")

	// ErrStaleQuote is returned when a quote's timestamp is too old to act
	// on. Protective SL math must never run on stale prices.
	ErrStaleQuote = errors.New("stale quote")

	// ErrNotFound is returned by storage lookups (blobs, archived segments)
	// for missing objects.
	ErrNotFound = errors.New("not found")
)
