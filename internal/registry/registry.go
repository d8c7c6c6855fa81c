// Package registry maintains the in-memory mirror of broker-side positions.
// The broker remains the source of truth; the mirror exists so hot paths can
// snapshot the book without an RPC.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avrell/tradeguard/internal/domain"
)

// Registry is the versioned position mirror keyed by ticket. Every mutation
// bumps the version so readers can tell whether a snapshot went stale across
// a slow operation.
type Registry struct {
	mu        sync.RWMutex
	positions map[int64]domain.Position
	version   uint64

	symbols   map[string]domain.SymbolInfo
	symbolAge map[string]time.Time
	symbolTTL time.Duration

	clock func() time.Time
}

// New creates an empty Registry. Symbol constraints are cached for symbolTTL
// before being re-fetched from the broker.
func New(symbolTTL time.Duration) *Registry {
	return &Registry{
		positions: make(map[int64]domain.Position),
		symbols:   make(map[string]domain.SymbolInfo),
		symbolAge: make(map[string]time.Time),
		symbolTTL: symbolTTL,
		clock:     time.Now,
	}
}

// Upsert records or refreshes a position and bumps the version.
func (r *Registry) Upsert(pos domain.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions[pos.Ticket] = pos
	r.version++
}

// Remove drops a ticket from the mirror. Returns the last known position and
// whether it was present.
func (r *Registry) Remove(ticket int64) (domain.Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.positions[ticket]
	if ok {
		delete(r.positions, ticket)
		r.version++
	}
	return pos, ok
}

// Get returns the mirrored position for ticket.
func (r *Registry) Get(ticket int64) (domain.Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.positions[ticket]
	return pos, ok
}

// Tickets returns a snapshot of all mirrored tickets. The worker iterates
// this copy, never the live map.
func (r *Registry) Tickets() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.positions))
	for t := range r.positions {
		out = append(out, t)
	}
	return out
}

// Snapshot returns a copy of every mirrored position.
func (r *Registry) Snapshot() []domain.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Position, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, p)
	}
	return out
}

// Count reports the number of mirrored positions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.positions)
}

// Version reports the current mirror version.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// SymbolInfo returns the cached constraints for symbol, fetching from the
// broker when missing or older than the TTL.
func (r *Registry) SymbolInfo(ctx context.Context, broker domain.Broker, symbol string) (domain.SymbolInfo, error) {
	r.mu.RLock()
	info, ok := r.symbols[symbol]
	age, hasAge := r.symbolAge[symbol]
	r.mu.RUnlock()

	if ok && hasAge && r.clock().Sub(age) < r.symbolTTL {
		return info, nil
	}

	fresh, err := broker.SymbolInfo(ctx, symbol)
	if err != nil {
		if ok {
			// Serve stale constraints rather than stalling a protective path.
			return info, nil
		}
		return domain.SymbolInfo{}, fmt.Errorf("registry: symbol info %s: %w", symbol, err)
	}

	r.mu.Lock()
	r.symbols[symbol] = fresh
	r.symbolAge[symbol] = r.clock()
	r.mu.Unlock()
	return fresh, nil
}
