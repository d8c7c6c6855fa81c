// Package metrics exposes Prometheus instruments for the SL lifecycle and a
// tracker whose counters feed the periodic journal snapshot.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avrell/tradeguard/internal/domain"
)

var (
	updateAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradeguard_sl_update_attempts_total",
		Help: "SL update invocations that passed the registry snapshot.",
	})
	updateSuccesses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradeguard_sl_update_successes_total",
		Help: "SL updates applied and verified.",
	})
	updateFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradeguard_sl_update_failures_total",
		Help: "SL updates that failed at the broker or verification.",
	})
	noUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradeguard_sl_no_updates_total",
		Help: "SL invocations that proposed no better stop.",
	})
	rateLimitedSkips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradeguard_sl_rate_limited_total",
		Help: "SL updates skipped for lack of an RPC token.",
	})
	lockTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradeguard_sl_lock_timeouts_total",
		Help: "Per-ticket lock acquisitions that timed out.",
	})
	emergencyApplies = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradeguard_sl_emergency_applies_total",
		Help: "Lock-free emergency loss-cap applications.",
	})
	verificationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradeguard_sl_verification_failures_total",
		Help: "Post-apply verifications that found a different stop.",
	})
	circuitOpens = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradeguard_sl_circuit_opens_total",
		Help: "Per-ticket circuits opened after consecutive failures.",
	})
	staleLockReleases = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradeguard_lock_stale_releases_total",
		Help: "Watchdog force releases of wedged ticket locks.",
	})
	openPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tradeguard_open_positions",
		Help: "Positions currently mirrored in the registry.",
	})
	applyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradeguard_sl_apply_duration_seconds",
		Help:    "Wall time of one UpdateSLAtomic invocation.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	sweetSpotActivation = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradeguard_sweet_spot_activation_seconds",
		Help:    "Time from position open to the first verified protective lock.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})
)

func init() {
	prometheus.MustRegister(
		updateAttempts,
		updateSuccesses,
		updateFailures,
		noUpdates,
		rateLimitedSkips,
		lockTimeouts,
		emergencyApplies,
		verificationFailures,
		circuitOpens,
		staleLockReleases,
		openPositions,
		applyDuration,
		sweetSpotActivation,
	)
}

// Tracker mirrors the Prometheus counters in atomics so the periodic journal
// snapshot can read them back. All methods are safe for concurrent use.
type Tracker struct {
	attempts          atomic.Int64
	successes         atomic.Int64
	failures          atomic.Int64
	noUpdates         atomic.Int64
	rateLimited       atomic.Int64
	lockTimeouts      atomic.Int64
	emergencies       atomic.Int64
	verificationFails atomic.Int64
	staleReleases     atomic.Int64
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker { return &Tracker{} }

func (t *Tracker) Attempt() {
	t.attempts.Add(1)
	updateAttempts.Inc()
}

func (t *Tracker) Success(duration time.Duration) {
	t.successes.Add(1)
	updateSuccesses.Inc()
	applyDuration.Observe(duration.Seconds())
}

func (t *Tracker) Failure() {
	t.failures.Add(1)
	updateFailures.Inc()
}

func (t *Tracker) NoUpdate() {
	t.noUpdates.Add(1)
	noUpdates.Inc()
}

func (t *Tracker) RateLimited() {
	t.rateLimited.Add(1)
	rateLimitedSkips.Inc()
}

func (t *Tracker) LockTimeout() {
	t.lockTimeouts.Add(1)
	lockTimeouts.Inc()
}

func (t *Tracker) Emergency() {
	t.emergencies.Add(1)
	emergencyApplies.Inc()
}

func (t *Tracker) VerificationFailure() {
	t.verificationFails.Add(1)
	verificationFailures.Inc()
}

func (t *Tracker) CircuitOpened() {
	circuitOpens.Inc()
}

func (t *Tracker) StaleLockRelease() {
	t.staleReleases.Add(1)
	staleLockReleases.Inc()
}

func (t *Tracker) SweetSpotActivated(sinceOpen time.Duration) {
	sweetSpotActivation.Observe(sinceOpen.Seconds())
}

// SetOpenPositions records the current registry size.
func (t *Tracker) SetOpenPositions(n int) {
	openPositions.Set(float64(n))
}

// Snapshot builds a journal record from the counters.
func (t *Tracker) Snapshot(openPositions int, now time.Time) domain.MetricsRecord {
	attempts := t.attempts.Load()
	successes := t.successes.Load()
	rate := 0.0
	if attempts > 0 {
		rate = float64(successes) / float64(attempts)
	}
	return domain.MetricsRecord{
		ID:                uuid.NewString(),
		Attempts:          attempts,
		Successes:         successes,
		Failures:          t.failures.Load(),
		NoUpdates:         t.noUpdates.Load(),
		RateLimitedSkips:  t.rateLimited.Load(),
		LockTimeouts:      t.lockTimeouts.Load(),
		EmergencyApplies:  t.emergencies.Load(),
		VerificationFails: t.verificationFails.Load(),
		StaleLockReleases: t.staleReleases.Load(),
		SuccessRate:       rate,
		OpenPositions:     openPositions,
		RecordedAt:        now,
	}
}

// Reporter journals and logs a Tracker snapshot on a fixed cadence.
type Reporter struct {
	tracker  *Tracker
	journal  domain.TradeLog
	open     func() int
	interval time.Duration
	logger   *slog.Logger
}

// NewReporter creates a Reporter; open supplies the current registry size.
func NewReporter(tracker *Tracker, journal domain.TradeLog, open func() int, interval time.Duration, logger *slog.Logger) *Reporter {
	return &Reporter{
		tracker:  tracker,
		journal:  journal,
		open:     open,
		interval: interval,
		logger:   logger.With(slog.String("component", "metrics")),
	}
}

// Run emits one snapshot per interval until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			open := r.open()
			r.tracker.SetOpenPositions(open)
			rec := r.tracker.Snapshot(open, time.Now().UTC())
			if err := r.journal.LogMetrics(ctx, rec); err != nil {
				r.logger.WarnContext(ctx, "metrics snapshot journal write failed", slog.Any("error", err))
			}
			r.logger.InfoContext(ctx, "lifecycle snapshot",
				slog.Int64("attempts", rec.Attempts),
				slog.Int64("successes", rec.Successes),
				slog.Int64("failures", rec.Failures),
				slog.Int64("no_updates", rec.NoUpdates),
				slog.Int64("emergency_applies", rec.EmergencyApplies),
				slog.Float64("success_rate", rec.SuccessRate),
				slog.Int("open_positions", rec.OpenPositions))
		}
	}
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logger.Info("metrics listener started", slog.Int("port", port))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics: listener: %w", err)
	}
}
