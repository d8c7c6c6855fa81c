package app

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avrell/tradeguard/internal/metrics"
)

// complianceSweepInterval is the holding-rule check cadence. Violations are
// clock-driven, so a minute of slack is acceptable.
const complianceSweepInterval = time.Minute

// run starts every agent under one errgroup and blocks until the context is
// cancelled or an agent fails. The protective agents (worker, monitor,
// watchdog) and the entry side (scan) share the group: losing any one of
// them is grounds to stop the whole engine rather than run half-protected.
func (a *App) run(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return deps.Worker.Run(ctx) })
	g.Go(func() error { return deps.Monitor.Run(ctx) })
	g.Go(func() error {
		return deps.Locks.RunWatchdog(ctx, a.cfg.Locking.WatchdogInterval.Duration)
	})
	g.Go(func() error { return deps.Scan.Run(ctx) })

	// Early-exit sweeps ride the worker cadence so a qualifying closure is
	// never more than one protective cycle away.
	g.Go(func() error { return deps.Micro.Run(ctx, a.cfg.Worker.Interval.Duration) })
	if deps.Compliance != nil {
		g.Go(func() error { return deps.Compliance.Run(ctx, complianceSweepInterval) })
	}

	g.Go(func() error { return deps.Reporter.Run(ctx) })
	if a.cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.Serve(ctx, a.cfg.Metrics.Port, a.logger)
		})
	}

	if deps.Bus != nil {
		g.Go(func() error { return a.listenControl(ctx, deps) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// listenControl consumes remote operator commands from the signal bus and
// feeds them to the kill switch.
func (a *App) listenControl(ctx context.Context, deps *Dependencies) error {
	ch, err := deps.Bus.Subscribe(ctx, controlChannel)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "control channel listener started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			deps.Kill.HandleCommand(ctx, payload)
		}
	}
}
