// Package scan drives the entry side: poll a signal source, run candidates
// through the filter pipeline, and hand survivors to the entry placer.
package scan

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avrell/tradeguard/internal/domain"
	"github.com/avrell/tradeguard/internal/entry"
	"github.com/avrell/tradeguard/internal/filter"
)

// Source produces entry candidates with externally supplied quality scores.
type Source interface {
	Candidates(ctx context.Context) ([]domain.Candidate, error)
}

// Loop is the scan agent.
type Loop struct {
	source   Source
	pipeline *filter.Pipeline
	placer   *entry.Placer
	interval time.Duration
	logger   *slog.Logger

	// Halted suspends entries while the kill switch is engaged. The
	// protective side keeps running elsewhere.
	Halted func() bool
}

// NewLoop creates a scan Loop.
func NewLoop(source Source, pipeline *filter.Pipeline, placer *entry.Placer, interval time.Duration, logger *slog.Logger) *Loop {
	return &Loop{
		source:   source,
		pipeline: pipeline,
		placer:   placer,
		interval: interval,
		logger:   logger.With(slog.String("component", "scan")),
	}
}

// Run scans until the context ends.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Iterate(ctx)
		}
	}
}

// Iterate runs one scan pass and returns the number of positions opened.
func (l *Loop) Iterate(ctx context.Context) int {
	if l.Halted != nil && l.Halted() {
		l.logger.WarnContext(ctx, "scan suspended, kill switch engaged")
		return 0
	}

	cands, err := l.source.Candidates(ctx)
	if err != nil {
		l.logger.WarnContext(ctx, "signal source failed", slog.Any("error", err))
		return 0
	}

	opened := 0
	for _, c := range cands {
		reason, err := l.pipeline.Evaluate(ctx, c)
		if err != nil || reason != "" {
			continue
		}
		if _, err := l.placer.Place(ctx, c); err != nil {
			if errors.Is(err, entry.ErrLotTooLarge) || errors.Is(err, entry.ErrSlackExceeded) {
				l.logger.InfoContext(ctx, "candidate skipped",
					slog.String("symbol", c.Symbol), slog.Any("reason", err))
				continue
			}
			l.logger.WarnContext(ctx, "entry failed",
				slog.String("symbol", c.Symbol), slog.Any("error", err))
			continue
		}
		opened++
	}
	return opened
}

// SymbolSource synthesizes one candidate per configured symbol each pass,
// leaving all gating to the filter pipeline. Used in simulation mode and as
// a fallback when no external signal feed is wired.
type SymbolSource struct {
	Symbols      []string
	Side         domain.Side
	QualityScore float64
	BarVolume    float64

	clock func() time.Time
}

// Candidates implements Source.
func (s *SymbolSource) Candidates(ctx context.Context) ([]domain.Candidate, error) {
	now := time.Now()
	if s.clock != nil {
		now = s.clock()
	}
	out := make([]domain.Candidate, 0, len(s.Symbols))
	for _, sym := range s.Symbols {
		out = append(out, domain.Candidate{
			Symbol:       sym,
			Side:         s.Side,
			QualityScore: s.QualityScore,
			BarVolume:    s.BarVolume,
			ScannedAt:    now,
		})
	}
	return out, nil
}

var _ Source = (*SymbolSource)(nil)
