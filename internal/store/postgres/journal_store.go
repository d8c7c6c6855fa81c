package postgres

import (
	"context"
	"fmt"

	"github.com/avrell/tradeguard/internal/domain"
)

// JournalStore mirrors the file journal into PostgreSQL.
type JournalStore struct {
	client *Client
}

// NewJournalStore creates a JournalStore over an existing client.
func NewJournalStore(client *Client) *JournalStore {
	return &JournalStore{client: client}
}

// LogSLAttempt implements domain.TradeLog.
func (s *JournalStore) LogSLAttempt(ctx context.Context, rec domain.SLAttemptRecord) error {
	const q = `
		INSERT INTO sl_attempts (
			id, ticket, symbol, reason, outcome,
			prev_sl, target_sl, applied_sl, profit_usd, peak_usd,
			attempts, verified, duration_ms, error, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.client.pool.Exec(ctx, q,
		rec.ID, rec.Ticket, rec.Symbol, string(rec.Reason), rec.Outcome,
		rec.PrevSL, rec.TargetSL, rec.AppliedSL, rec.ProfitUSD, rec.PeakUSD,
		rec.Attempts, rec.Verified, rec.DurationMS, rec.Error, rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert sl attempt: %w", err)
	}
	return nil
}

// LogClosure implements domain.TradeLog.
func (s *JournalStore) LogClosure(ctx context.Context, rec domain.ClosureRecord) error {
	const q = `
		INSERT INTO closures (
			id, ticket, symbol, side, lots, open_price,
			final_sl, profit_usd, peak_usd, reason,
			opened_at, closed_at, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.client.pool.Exec(ctx, q,
		rec.ID, rec.Ticket, rec.Symbol, string(rec.Side), rec.Lots, rec.OpenPrice,
		rec.FinalSL, rec.ProfitUSD, rec.PeakUSD, string(rec.Reason),
		rec.OpenedAt, rec.ClosedAt, rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert closure: %w", err)
	}
	return nil
}

// LogMetrics implements domain.TradeLog.
func (s *JournalStore) LogMetrics(ctx context.Context, rec domain.MetricsRecord) error {
	const q = `
		INSERT INTO metrics_snapshots (
			id, attempts, successes, failures, no_updates,
			rate_limited_skips, lock_timeouts, emergency_applies,
			verification_fails, stale_lock_releases,
			success_rate, open_positions, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.client.pool.Exec(ctx, q,
		rec.ID, rec.Attempts, rec.Successes, rec.Failures, rec.NoUpdates,
		rec.RateLimitedSkips, rec.LockTimeouts, rec.EmergencyApplies,
		rec.VerificationFails, rec.StaleLockReleases,
		rec.SuccessRate, rec.OpenPositions, rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert metrics snapshot: %w", err)
	}
	return nil
}

var _ domain.TradeLog = (*JournalStore)(nil)
