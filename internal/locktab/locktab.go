// Package locktab implements the per-ticket lock table serializing all SL
// activity for one ticket, with timed acquisition and a watchdog that
// force-releases locks held past the hold budget.
package locktab

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind labels why the lock is wanted; profit-locking acquisitions get the
// longer timeout and show up in contention diagnostics.
type Kind string

const (
	KindUpdate Kind = "update"
	KindProfit Kind = "profit_lock"
	KindClose  Kind = "close"
)

// entry is one ticket's lock. The buffered channel of size one is the
// semaphore; generation invalidates a holder's release after a force
// release so the stale holder cannot unlock the next acquirer.
type entry struct {
	sem chan struct{}

	mu         sync.Mutex
	generation uint64
	holder     Kind
	acquiredAt time.Time
	absent     bool // set by reconciliation pass one, cleared on any acquire
}

// Table is the process-wide lock table. Locks are created lazily on first
// acquisition and reclaimed by the two-pass sweep driven by the position
// monitor.
type Table struct {
	mu      sync.Mutex
	entries map[int64]*entry

	maxHold time.Duration
	logger  *slog.Logger
	clock   func() time.Time

	// onForceRelease is invoked after every watchdog force release. Wired to
	// metrics and the signal bus by the app.
	onForceRelease func(ticket int64, holder Kind, heldFor time.Duration)

	staleReleases int64
}

// New creates a Table whose watchdog treats locks held longer than maxHold
// as stale.
func New(maxHold time.Duration, logger *slog.Logger) *Table {
	return &Table{
		entries: make(map[int64]*entry),
		maxHold: maxHold,
		logger:  logger.With(slog.String("component", "locktab")),
		clock:   time.Now,
	}
}

// OnForceRelease registers the force-release hook. Must be called before the
// watchdog starts.
func (t *Table) OnForceRelease(fn func(ticket int64, holder Kind, heldFor time.Duration)) {
	t.onForceRelease = fn
}

func (t *Table) get(ticket int64) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ticket]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		t.entries[ticket] = e
	}
	return e
}

// Acquire takes the ticket's lock, waiting up to timeout. On success it
// returns a release func bound to this acquisition; calling it after a
// watchdog force release is a no-op. Returns ctx.Err or
// context.DeadlineExceeded mapped by the caller to its lock-timeout result.
func (t *Table) Acquire(ctx context.Context, ticket int64, kind Kind, timeout time.Duration) (func(), error) {
	e := t.get(ticket)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
	case <-timer.C:
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	e.mu.Lock()
	e.generation++
	gen := e.generation
	e.holder = kind
	e.acquiredAt = t.clock()
	e.absent = false
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		if e.generation != gen {
			// Force-released in the meantime; the semaphore slot now
			// belongs to someone else.
			e.mu.Unlock()
			return
		}
		e.holder = ""
		e.mu.Unlock()
		<-e.sem
	}
	return release, nil
}

// RunWatchdog scans the table every interval and force-releases any lock
// held longer than maxHold. Runs until ctx is cancelled.
func (t *Table) RunWatchdog(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.sweepStale()
		}
	}
}

func (t *Table) sweepStale() {
	now := t.clock()

	t.mu.Lock()
	snapshot := make(map[int64]*entry, len(t.entries))
	for k, v := range t.entries {
		snapshot[k] = v
	}
	t.mu.Unlock()

	for ticket, e := range snapshot {
		e.mu.Lock()
		held := e.holder != ""
		heldFor := now.Sub(e.acquiredAt)
		holder := e.holder
		if !held || heldFor <= t.maxHold {
			e.mu.Unlock()
			continue
		}
		// Invalidate the holder's release and take its slot back.
		e.generation++
		e.holder = ""
		e.mu.Unlock()

		select {
		case <-e.sem:
		default:
			// Holder released between snapshot and drain.
			continue
		}

		t.mu.Lock()
		t.staleReleases++
		t.mu.Unlock()

		t.logger.Error("STALE_LOCK_FORCE_RELEASED",
			slog.Int64("ticket", ticket),
			slog.String("holder", string(holder)),
			slog.Duration("held_for", heldFor))

		if t.onForceRelease != nil {
			t.onForceRelease(ticket, holder, heldFor)
		}
	}
}

// MarkAbsent is reconciliation pass one: flag the ticket's lock as having no
// backing position. Any acquisition clears the flag.
func (t *Table) MarkAbsent(ticket int64) {
	t.mu.Lock()
	e, ok := t.entries[ticket]
	t.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.absent = true
	e.mu.Unlock()
}

// SweepAbsent is reconciliation pass two: remove every lock still flagged
// absent and not currently held. Returns the tickets reclaimed.
func (t *Table) SweepAbsent() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var reclaimed []int64
	for ticket, e := range t.entries {
		e.mu.Lock()
		dead := e.absent && e.holder == ""
		e.mu.Unlock()
		if dead {
			delete(t.entries, ticket)
			reclaimed = append(reclaimed, ticket)
		}
	}
	return reclaimed
}

// StaleReleases reports the number of watchdog force releases so far.
func (t *Table) StaleReleases() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.staleReleases
}

// Len reports the number of live lock entries. Diagnostic only.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
