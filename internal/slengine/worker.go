package slengine

import (
	"context"
	"log/slog"
	"time"
)

// minWorkerInterval is the floor for the worker loop period.
const minWorkerInterval = 50 * time.Millisecond

// Worker drives the SL engine continuously: one pass over a snapshot of the
// mirrored tickets per iteration, sequential per ticket, no locks held
// across iterations.
type Worker struct {
	engine   *Engine
	interval time.Duration
	budget   time.Duration
	logger   *slog.Logger

	clock func() time.Time
}

// NewWorker creates a Worker; interval is clamped to the 50 ms floor.
func NewWorker(engine *Engine, interval, slowBudget time.Duration, logger *slog.Logger) *Worker {
	if interval < minWorkerInterval {
		interval = minWorkerInterval
	}
	return &Worker{
		engine:   engine,
		interval: interval,
		budget:   slowBudget,
		logger:   logger.With(slog.String("component", "slworker")),
		clock:    time.Now,
	}
}

// Run loops until ctx is cancelled. The current iteration finishes its
// in-flight ticket before the loop exits, so no lock outlives the worker.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.iterate(ctx)
		}
	}
}

// iterate runs one pass over the ticket snapshot.
func (w *Worker) iterate(ctx context.Context) {
	start := w.clock()
	tickets := w.engine.registry.Tickets()

	for _, ticket := range tickets {
		if ctx.Err() != nil {
			return
		}
		res := w.engine.UpdateSLAtomic(ctx, ticket)
		if res.Err != nil && res.Kind != KindNoUpdate {
			w.logger.WarnContext(ctx, "update failed",
				slog.Int64("ticket", ticket),
				slog.String("kind", string(res.Kind)),
				slog.Any("error", res.Err))
		}
	}

	if elapsed := w.clock().Sub(start); w.budget > 0 && elapsed > w.budget {
		w.logger.WarnContext(ctx, "SLOW_ITERATION",
			slog.Duration("elapsed", elapsed),
			slog.Duration("budget", w.budget),
			slog.Int("tickets", len(tickets)))
	}
}
