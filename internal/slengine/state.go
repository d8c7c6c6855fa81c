package slengine

import (
	"sync"
	"time"

	"github.com/avrell/tradeguard/internal/domain"
)

// ResultKind tags the outcome of one UpdateSLAtomic invocation. Expected
// conditions are kinds, not errors.
type ResultKind string

const (
	KindOK                 ResultKind = "OK"
	KindNoPosition         ResultKind = "NO_POSITION"
	KindCircuitOpen        ResultKind = "CIRCUIT_OPEN"
	KindThrottled          ResultKind = "THROTTLED"
	KindLockTimeout        ResultKind = "LOCK_TIMEOUT"
	KindNoUpdate           ResultKind = "NO_UPDATE"
	KindNonMonotonic       ResultKind = "NON_MONOTONIC"
	KindBrokerConstraint   ResultKind = "BROKER_CONSTRAINT"
	KindRateLimited        ResultKind = "RATE_LIMITED"
	KindApplyFailed        ResultKind = "APPLY_FAILED"
	KindVerificationFailed ResultKind = "VERIFICATION_FAILED"
	KindEmergencyApplied   ResultKind = "EMERGENCY_APPLIED"
)

// Result is the outcome of one UpdateSLAtomic invocation.
type Result struct {
	Kind      ResultKind
	Reason    domain.Reason
	TargetSL  float64
	AppliedSL float64
	Err       error
}

// Terminal reports whether the invocation reached the broker.
func (r Result) Terminal() bool {
	switch r.Kind {
	case KindOK, KindApplyFailed, KindVerificationFailed, KindEmergencyApplied:
		return true
	}
	return false
}

// ticketState is the per-ticket lifecycle accumulator. All access goes
// through stateTable, which serializes on its own mutex; the per-ticket lock
// table serializes the slow path on top of that.
type ticketState struct {
	peakUSD float64

	hasLock              bool
	lockedUSD            float64
	lastAppliedSL        float64
	lastAppliedProfitUSD float64
	lastReason           domain.Reason

	consecutiveFailures int
	circuitOpenUntil    time.Time
	verifyFailingSince  time.Time
	disabledReported    bool

	sweetSpotAt time.Time
	openedAt    time.Time
}

// stateTable holds lifecycle state for every mirrored ticket.
type stateTable struct {
	mu sync.Mutex
	m  map[int64]*ticketState
}

func newStateTable() *stateTable {
	return &stateTable{m: make(map[int64]*ticketState)}
}

// get returns the ticket's state, creating it on first sight.
func (t *stateTable) get(ticket int64) *ticketState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.m[ticket]
	if !ok {
		st = &ticketState{}
		t.m[ticket] = st
	}
	return st
}

// init seeds state for a freshly opened or backfilled position.
func (t *stateTable) init(pos domain.Position, openedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[pos.Ticket] = &ticketState{
		lastReason:    domain.ReasonStrictLoss,
		lastAppliedSL: pos.StopLoss,
		openedAt:      openedAt,
	}
}

// drop removes a closed ticket's state and returns it for the closure
// journal record.
func (t *stateTable) drop(ticket int64) (*ticketState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.m[ticket]
	if ok {
		delete(t.m, ticket)
	}
	return st, ok
}

// withLocked runs fn with the table mutex held and the ticket's state
// resolved. Keeps multi-field updates atomic with respect to other readers.
func (t *stateTable) withLocked(ticket int64, fn func(st *ticketState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.m[ticket]
	if !ok {
		st = &ticketState{}
		t.m[ticket] = st
	}
	fn(st)
}
