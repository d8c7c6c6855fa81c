package journal

import (
	"context"
	"log/slog"

	"github.com/avrell/tradeguard/internal/domain"
)

// Fanout writes every record to the primary journal and mirrors it to any
// number of secondaries. A primary failure is returned; mirror failures are
// logged and swallowed so a flaky database never stalls the trading loop.
type Fanout struct {
	primary domain.TradeLog
	mirrors []domain.TradeLog
	logger  *slog.Logger
}

// NewFanout creates a Fanout over the primary and mirrors.
func NewFanout(primary domain.TradeLog, logger *slog.Logger, mirrors ...domain.TradeLog) *Fanout {
	return &Fanout{
		primary: primary,
		mirrors: mirrors,
		logger:  logger.With(slog.String("component", "journal_fanout")),
	}
}

// LogSLAttempt implements domain.TradeLog.
func (f *Fanout) LogSLAttempt(ctx context.Context, rec domain.SLAttemptRecord) error {
	err := f.primary.LogSLAttempt(ctx, rec)
	for _, m := range f.mirrors {
		if merr := m.LogSLAttempt(ctx, rec); merr != nil {
			f.logger.WarnContext(ctx, "mirror write failed", slog.Any("error", merr))
		}
	}
	return err
}

// LogClosure implements domain.TradeLog.
func (f *Fanout) LogClosure(ctx context.Context, rec domain.ClosureRecord) error {
	err := f.primary.LogClosure(ctx, rec)
	for _, m := range f.mirrors {
		if merr := m.LogClosure(ctx, rec); merr != nil {
			f.logger.WarnContext(ctx, "mirror write failed", slog.Any("error", merr))
		}
	}
	return err
}

// LogMetrics implements domain.TradeLog.
func (f *Fanout) LogMetrics(ctx context.Context, rec domain.MetricsRecord) error {
	err := f.primary.LogMetrics(ctx, rec)
	for _, m := range f.mirrors {
		if merr := m.LogMetrics(ctx, rec); merr != nil {
			f.logger.WarnContext(ctx, "mirror write failed", slog.Any("error", merr))
		}
	}
	return err
}

var _ domain.TradeLog = (*Fanout)(nil)
