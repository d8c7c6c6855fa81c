package domain

import (
	"context"
	"time"
)

// SLAttemptRecord is one journal row per UpdateSLAtomic invocation that
// reached the broker or was rejected on the way there.
type SLAttemptRecord struct {
	ID         string    `json:"id"`
	Ticket     int64     `json:"ticket"`
	Symbol     string    `json:"symbol"`
	Reason     Reason    `json:"reason"`
	Outcome    string    `json:"outcome"`
	PrevSL     float64   `json:"prev_sl"`
	TargetSL   float64   `json:"target_sl"`
	AppliedSL  float64   `json:"applied_sl"`
	ProfitUSD  float64   `json:"profit_usd"`
	PeakUSD    float64   `json:"peak_usd"`
	Attempts   int       `json:"attempts"`
	Verified   bool      `json:"verified"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ClosureRecord is one journal row per position that left the book.
type ClosureRecord struct {
	ID         string      `json:"id"`
	Ticket     int64       `json:"ticket"`
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	Lots       float64     `json:"lots"`
	OpenPrice  float64     `json:"open_price"`
	FinalSL    float64     `json:"final_sl"`
	ProfitUSD  float64     `json:"profit_usd"`
	PeakUSD    float64     `json:"peak_usd"`
	Reason     CloseReason `json:"reason"`
	OpenedAt   time.Time   `json:"opened_at"`
	ClosedAt   time.Time   `json:"closed_at"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// MetricsRecord is the periodic counters snapshot written to the journal.
type MetricsRecord struct {
	ID                string    `json:"id"`
	Attempts          int64     `json:"attempts"`
	Successes         int64     `json:"successes"`
	Failures          int64     `json:"failures"`
	NoUpdates         int64     `json:"no_updates"`
	RateLimitedSkips  int64     `json:"rate_limited_skips"`
	LockTimeouts      int64     `json:"lock_timeouts"`
	EmergencyApplies  int64     `json:"emergency_applies"`
	VerificationFails int64     `json:"verification_fails"`
	StaleLockReleases int64     `json:"stale_lock_releases"`
	SuccessRate       float64   `json:"success_rate"`
	OpenPositions     int       `json:"open_positions"`
	RecordedAt        time.Time `json:"recorded_at"`
}

// TradeLog is the append-only journal surface. The file journal is the
// primary implementation; the Postgres store mirrors it durably; a fan-out
// implementation writes to both.
type TradeLog interface {
	LogSLAttempt(ctx context.Context, rec SLAttemptRecord) error
	LogClosure(ctx context.Context, rec ClosureRecord) error
	LogMetrics(ctx context.Context, rec MetricsRecord) error
}
