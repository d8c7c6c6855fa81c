// Package filter implements the fixed-order entry gate chain. The first
// failing gate short-circuits the scan with a structured rejection reason.
package filter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/avrell/tradeguard/internal/domain"
)

// Gate is one entry check. Allow returns false with the gate's reason when
// the candidate must be dropped; err is reserved for broker failures, which
// also drop the candidate (fail closed).
type Gate interface {
	Name() string
	Reason() domain.RejectReason
	Allow(ctx context.Context, c domain.Candidate) (bool, error)
}

// Pipeline runs gates in the order given at construction.
type Pipeline struct {
	gates  []Gate
	logger *slog.Logger
}

// New creates a Pipeline over the given gates.
func New(logger *slog.Logger, gates ...Gate) *Pipeline {
	return &Pipeline{
		gates:  gates,
		logger: logger.With(slog.String("component", "filter")),
	}
}

// Evaluate runs the chain. It returns the empty reason when every gate
// passes; otherwise the first failing gate's reason.
func (p *Pipeline) Evaluate(ctx context.Context, c domain.Candidate) (domain.RejectReason, error) {
	for _, g := range p.gates {
		ok, err := g.Allow(ctx, c)
		if err != nil {
			p.logger.WarnContext(ctx, "gate errored, rejecting",
				slog.String("symbol", c.Symbol),
				slog.String("gate", g.Name()),
				slog.Any("error", err))
			return g.Reason(), fmt.Errorf("filter: gate %s: %w", g.Name(), err)
		}
		if !ok {
			p.logger.InfoContext(ctx, "candidate rejected",
				slog.String("symbol", c.Symbol),
				slog.String("gate", g.Name()),
				slog.String("reason", string(g.Reason())),
				slog.Float64("quality_score", c.QualityScore))
			return g.Reason(), nil
		}
	}
	return "", nil
}
