// Package config defines the top-level configuration for the tradeguard
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADEGUARD_* environment variables.
// The struct is immutable after Load; agents receive it by value or behind a
// pointer they never write through.
type Config struct {
	Broker   BrokerConfig   `toml:"broker"`
	Risk     RiskConfig     `toml:"risk"`
	Locking  LockingConfig  `toml:"locking"`
	Worker   WorkerConfig   `toml:"worker"`
	Limits   LimitsConfig   `toml:"limits"`
	Scan     ScanConfig     `toml:"scan"`
	Filters  FiltersConfig  `toml:"filters"`
	Entry    EntryConfig    `toml:"entry"`
	Exit     ExitConfig     `toml:"exit"`
	Journal  JournalConfig  `toml:"journal"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// BrokerConfig holds connector parameters for LIVE mode and symbol seeds for
// SIMULATION mode.
type BrokerConfig struct {
	// BridgeURL is the base URL of the external connector sidecar (live mode).
	BridgeURL string `toml:"bridge_url"`
	// BridgeToken authenticates to the connector (live mode).
	BridgeToken string `toml:"bridge_token"`
	// RequestTimeout bounds every connector call.
	RequestTimeout duration `toml:"request_timeout"`
	// SimSymbols seeds the simulated venue (simulation mode).
	SimSymbols []string `toml:"sim_symbols"`
}

// RiskConfig holds the profit-locking state machine parameters. All values
// are USD of floating profit unless noted.
type RiskConfig struct {
	// MaxRiskPerTradeUSD is the loss cap: the initial SL is placed so the
	// worst case loss does not exceed this.
	MaxRiskPerTradeUSD float64 `toml:"max_risk_per_trade_usd"`
	// SweetSpotMinUSD / SweetSpotMaxUSD bound the immediate break-even zone.
	SweetSpotMinUSD float64 `toml:"sweet_spot_min_usd"`
	SweetSpotMaxUSD float64 `toml:"sweet_spot_max_usd"`
	// TrailIncrementUSD is the trailing floor step.
	TrailIncrementUSD float64 `toml:"trail_increment_usd"`
	// PullbackTolerance is the fraction of peak profit given back before the
	// elastic lock tightens.
	PullbackTolerance float64 `toml:"pullback_tolerance"`
	// BigJumpThresholdUSD triggers the jump override when profit rises this
	// much in a single observation.
	BigJumpThresholdUSD float64 `toml:"big_jump_threshold_usd"`
	// BigJumpLockOffsetUSD is how far below the new peak the jump lock sits.
	BigJumpLockOffsetUSD float64 `toml:"big_jump_lock_offset_usd"`
	// HighPeakUSD / HighPeakMinLockUSD: once peak reaches HighPeakUSD the
	// lock never sits below HighPeakMinLockUSD.
	HighPeakUSD        float64 `toml:"high_peak_usd"`
	HighPeakMinLockUSD float64 `toml:"high_peak_min_lock_usd"`
	// MinImprovementUSD is the smallest lock improvement worth an RPC.
	MinImprovementUSD float64 `toml:"min_improvement_usd"`
}

// LockingConfig holds per-ticket lock acquisition and watchdog parameters.
type LockingConfig struct {
	AcquireTimeout       duration `toml:"acquire_timeout"`
	ProfitAcquireTimeout duration `toml:"profit_acquire_timeout"`
	MaxHoldTime          duration `toml:"max_hold_time"`
	WatchdogInterval     duration `toml:"watchdog_interval"`
}

// WorkerConfig holds the SL worker loop parameters.
type WorkerConfig struct {
	// Interval is the loop period; clamped to a 50 ms floor at runtime.
	Interval duration `toml:"interval"`
	// SlowIterationBudget triggers a SLOW_ITERATION warning when exceeded.
	SlowIterationBudget duration `toml:"slow_iteration_budget"`
	// ReconcileInterval is the mirror reconciliation cadence; clamped to a
	// 5 s floor at runtime.
	ReconcileInterval duration `toml:"reconcile_interval"`
}

// LimitsConfig holds RPC budgets, retry policy, and verification parameters.
type LimitsConfig struct {
	// GlobalRPCRatePerSec is the token-bucket refill rate and capacity.
	GlobalRPCRatePerSec float64 `toml:"global_rpc_rate_per_sec"`
	// PerTicketMinInterval throttles repeat attempts on the same ticket.
	PerTicketMinInterval duration `toml:"per_ticket_min_interval"`
	// MaxModifyRetries bounds ModifyStopLoss attempts per invocation.
	MaxModifyRetries int `toml:"max_modify_retries"`
	// RetryBackoffBase is doubled per retry.
	RetryBackoffBase duration `toml:"retry_backoff_base"`
	// VerifyDelay is the pause before re-reading the position after a modify.
	VerifyDelay duration `toml:"verify_delay"`
	// VerifyTolerancePoints scales the price step into the verification
	// tolerance band.
	VerifyTolerancePoints float64 `toml:"verify_tolerance_points"`
	// CircuitFailureThreshold consecutive failures open the ticket circuit.
	CircuitFailureThreshold int `toml:"circuit_failure_threshold"`
	// CircuitOpenFor is how long an opened circuit rejects attempts.
	CircuitOpenFor duration `toml:"circuit_open_for"`
	// DisableAfter reports a ticket DISABLED when verification has been
	// failing continuously for this long.
	DisableAfter duration `toml:"disable_after"`
}

// ScanConfig holds the entry scan loop parameters.
type ScanConfig struct {
	// Interval is the pause between scans; clamped into [MinInterval, MaxInterval].
	Interval    duration `toml:"interval"`
	MinInterval duration `toml:"min_interval"`
	MaxInterval duration `toml:"max_interval"`
	// Symbols is the scan universe.
	Symbols []string `toml:"symbols"`
}

// FiltersConfig holds the entry filter pipeline thresholds, one block per gate.
type FiltersConfig struct {
	MaxSpreadPoints   float64  `toml:"max_spread_points"`
	MarketCloseBuffer duration `toml:"market_close_buffer"`
	MinBarVolume      float64  `toml:"min_bar_volume"`
	// NewsWindows are "HH:MM-HH:MM" UTC spans during which entries pause.
	NewsWindows []string `toml:"news_windows"`
	// MinQualityScore is on the connector's 0-100 scale.
	MinQualityScore float64 `toml:"min_quality_score"`
	// MaxOpenTrades caps concurrent positions; -1 disables the cap.
	MaxOpenTrades int      `toml:"max_open_trades"`
	AllowSymbols  []string `toml:"allow_symbols"`
	DenySymbols   []string `toml:"deny_symbols"`
}

// EntryConfig holds lot sizing and initial-SL placement parameters.
type EntryConfig struct {
	DefaultLot float64 `toml:"default_lot"`
	MaxLot     float64 `toml:"max_lot"`
	// MaxSlackUSD bounds how much the initial SL may be widened beyond the
	// loss cap to satisfy the venue's stops level.
	MaxSlackUSD float64 `toml:"max_slack_usd"`
}

// ExitConfig holds the early-exit bypass parameters.
type ExitConfig struct {
	// MicroProfitBufferUSD is added to the sweet-spot minimum before a
	// micro-profit closure qualifies, absorbing spread and slippage.
	MicroProfitBufferUSD float64 `toml:"micro_profit_buffer_usd"`
	// ExtendedBandMarginUSD is how close profit must sit to a whole
	// multiple of the trailing increment for an extended-band closure.
	ExtendedBandMarginUSD float64 `toml:"extended_band_margin_usd"`
	// ExtendedBandEnabled turns on closure near trailing multiples above
	// the sweet spot.
	ExtendedBandEnabled bool `toml:"extended_band_enabled"`
	// ComplianceCutoffHour is the UTC hour after which overnight holds close.
	ComplianceCutoffHour int `toml:"compliance_cutoff_hour"`
	// MaxHoldingDuration closes positions held longer than this regardless
	// of the clock.
	MaxHoldingDuration duration `toml:"max_holding_duration"`
	ComplianceEnabled  bool     `toml:"compliance_enabled"`
}

// JournalConfig holds the append-only file journal parameters.
type JournalConfig struct {
	Dir string `toml:"dir"`
	// SnapshotInterval is the metrics record cadence.
	SnapshotInterval duration `toml:"snapshot_interval"`
	// ArchiveEnabled uploads rotated segments to S3.
	ArchiveEnabled bool `toml:"archive_enabled"`
}

// PostgresConfig holds the optional durable journal mirror parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds the optional signal bus connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for journal
// segment archival.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// MetricsConfig holds the Prometheus listener parameters.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			BridgeURL:      "http://localhost:8787",
			RequestTimeout: duration{5 * time.Second},
			SimSymbols:     []string{"EURUSD", "GBPUSD", "USDJPY"},
		},
		Risk: RiskConfig{
			MaxRiskPerTradeUSD:   2.0,
			SweetSpotMinUSD:      0.03,
			SweetSpotMaxUSD:      0.10,
			TrailIncrementUSD:    0.10,
			PullbackTolerance:    0.30,
			BigJumpThresholdUSD:  0.40,
			BigJumpLockOffsetUSD: 0.10,
			HighPeakUSD:          1.0,
			HighPeakMinLockUSD:   0.80,
			MinImprovementUSD:    0.01,
		},
		Locking: LockingConfig{
			AcquireTimeout:       duration{200 * time.Millisecond},
			ProfitAcquireTimeout: duration{400 * time.Millisecond},
			MaxHoldTime:          duration{500 * time.Millisecond},
			WatchdogInterval:     duration{100 * time.Millisecond},
		},
		Worker: WorkerConfig{
			Interval:            duration{250 * time.Millisecond},
			SlowIterationBudget: duration{2 * time.Second},
			ReconcileInterval:   duration{10 * time.Second},
		},
		Limits: LimitsConfig{
			GlobalRPCRatePerSec:     8,
			PerTicketMinInterval:    duration{1 * time.Second},
			MaxModifyRetries:        3,
			RetryBackoffBase:        duration{100 * time.Millisecond},
			VerifyDelay:             duration{300 * time.Millisecond},
			VerifyTolerancePoints:   1.0,
			CircuitFailureThreshold: 5,
			CircuitOpenFor:          duration{30 * time.Second},
			DisableAfter:            duration{10 * time.Minute},
		},
		Scan: ScanConfig{
			Interval:    duration{45 * time.Second},
			MinInterval: duration{20 * time.Second},
			MaxInterval: duration{90 * time.Second},
			Symbols:     []string{"EURUSD", "GBPUSD", "USDJPY"},
		},
		Filters: FiltersConfig{
			MaxSpreadPoints:   20,
			MarketCloseBuffer: duration{30 * time.Minute},
			MinBarVolume:      50,
			NewsWindows:       []string{},
			MinQualityScore:   60,
			MaxOpenTrades:     3,
			AllowSymbols:      []string{},
			DenySymbols:       []string{},
		},
		Entry: EntryConfig{
			DefaultLot:  0.01,
			MaxLot:      0.05,
			MaxSlackUSD: 1.0,
		},
		Exit: ExitConfig{
			MicroProfitBufferUSD:  0.02,
			ExtendedBandMarginUSD: 0.02,
			ExtendedBandEnabled:   false,
			ComplianceCutoffHour: 21,
			MaxHoldingDuration:   duration{20 * time.Hour},
			ComplianceEnabled:    true,
		},
		Journal: JournalConfig{
			Dir:              "journal",
			SnapshotInterval: duration{30 * time.Second},
			ArchiveEnabled:   false,
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "tradeguard",
			User:          "tradeguard",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tradeguard-journal",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9091,
		},
		Notify: NotifyConfig{
			Events: []string{"emergency_applied", "position_closed", "kill_switch"},
		},
		Mode:     "simulation",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":       true,
	"simulation": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, simulation)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Broker
	if strings.ToLower(c.Mode) == "live" && c.Broker.BridgeURL == "" {
		errs = append(errs, "broker: bridge_url is required for live mode")
	}
	if c.Broker.RequestTimeout.Duration <= 0 {
		errs = append(errs, "broker: request_timeout must be > 0")
	}

	// Risk: the locking zone ordering must hold or the state machine is
	// unsound.
	if c.Risk.MaxRiskPerTradeUSD <= 0 {
		errs = append(errs, "risk: max_risk_per_trade_usd must be > 0")
	}
	if c.Risk.SweetSpotMinUSD <= 0 || c.Risk.SweetSpotMaxUSD <= c.Risk.SweetSpotMinUSD {
		errs = append(errs, "risk: sweet spot bounds must satisfy 0 < min < max")
	}
	if c.Risk.TrailIncrementUSD <= 0 {
		errs = append(errs, "risk: trail_increment_usd must be > 0")
	}
	if c.Risk.SweetSpotMaxUSD > c.Risk.TrailIncrementUSD {
		errs = append(errs, "risk: sweet_spot_max_usd must not exceed trail_increment_usd")
	}
	if c.Risk.PullbackTolerance <= 0 || c.Risk.PullbackTolerance >= 1 {
		errs = append(errs, "risk: pullback_tolerance must be in (0, 1)")
	}
	if c.Risk.BigJumpThresholdUSD <= 0 {
		errs = append(errs, "risk: big_jump_threshold_usd must be > 0")
	}
	if c.Risk.BigJumpLockOffsetUSD <= 0 || c.Risk.BigJumpLockOffsetUSD >= c.Risk.BigJumpThresholdUSD {
		errs = append(errs, "risk: big_jump_lock_offset_usd must be in (0, big_jump_threshold_usd)")
	}
	if c.Risk.HighPeakMinLockUSD >= c.Risk.HighPeakUSD {
		errs = append(errs, "risk: high_peak_min_lock_usd must be below high_peak_usd")
	}
	if c.Risk.MinImprovementUSD <= 0 {
		errs = append(errs, "risk: min_improvement_usd must be > 0")
	}

	// Locking
	if c.Locking.AcquireTimeout.Duration <= 0 {
		errs = append(errs, "locking: acquire_timeout must be > 0")
	}
	if c.Locking.ProfitAcquireTimeout.Duration < c.Locking.AcquireTimeout.Duration {
		errs = append(errs, "locking: profit_acquire_timeout must be >= acquire_timeout")
	}
	if c.Locking.MaxHoldTime.Duration <= 0 {
		errs = append(errs, "locking: max_hold_time must be > 0")
	}
	if c.Locking.WatchdogInterval.Duration <= 0 {
		errs = append(errs, "locking: watchdog_interval must be > 0")
	}

	// Worker
	if c.Worker.Interval.Duration <= 0 {
		errs = append(errs, "worker: interval must be > 0")
	}
	if c.Worker.ReconcileInterval.Duration <= 0 {
		errs = append(errs, "worker: reconcile_interval must be > 0")
	}

	// Limits
	if c.Limits.GlobalRPCRatePerSec <= 0 {
		errs = append(errs, "limits: global_rpc_rate_per_sec must be > 0")
	}
	if c.Limits.MaxModifyRetries < 1 {
		errs = append(errs, "limits: max_modify_retries must be >= 1")
	}
	if c.Limits.CircuitFailureThreshold < 1 {
		errs = append(errs, "limits: circuit_failure_threshold must be >= 1")
	}

	// Scan
	if c.Scan.MinInterval.Duration <= 0 || c.Scan.MaxInterval.Duration < c.Scan.MinInterval.Duration {
		errs = append(errs, "scan: intervals must satisfy 0 < min_interval <= max_interval")
	}
	if len(c.Scan.Symbols) == 0 {
		errs = append(errs, "scan: symbols must not be empty")
	}

	// Filters
	if c.Filters.MaxSpreadPoints <= 0 {
		errs = append(errs, "filters: max_spread_points must be > 0")
	}
	if c.Filters.MaxOpenTrades < 1 && c.Filters.MaxOpenTrades != -1 {
		errs = append(errs, "filters: max_open_trades must be >= 1, or -1 for no cap")
	}
	for _, w := range c.Filters.NewsWindows {
		if _, _, err := ParseClockWindow(w); err != nil {
			errs = append(errs, fmt.Sprintf("filters: bad news window %q: %v", w, err))
		}
	}

	// Entry
	if c.Entry.DefaultLot <= 0 {
		errs = append(errs, "entry: default_lot must be > 0")
	}
	if c.Entry.MaxLot < c.Entry.DefaultLot {
		errs = append(errs, "entry: max_lot must be >= default_lot")
	}
	if c.Entry.MaxSlackUSD < 0 {
		errs = append(errs, "entry: max_slack_usd must be >= 0")
	}

	// Exit
	if c.Exit.MicroProfitBufferUSD < 0 {
		errs = append(errs, "exit: micro_profit_buffer_usd must be >= 0")
	}
	if c.Exit.ExtendedBandEnabled && c.Exit.ExtendedBandMarginUSD <= 0 {
		errs = append(errs, "exit: extended_band_margin_usd must be > 0 when the extended band is enabled")
	}
	if c.Exit.ComplianceCutoffHour < 0 || c.Exit.ComplianceCutoffHour > 23 {
		errs = append(errs, fmt.Sprintf("exit: compliance_cutoff_hour must be 0-23, got %d", c.Exit.ComplianceCutoffHour))
	}

	// Journal
	if c.Journal.Dir == "" {
		errs = append(errs, "journal: dir must not be empty")
	}
	if c.Journal.ArchiveEnabled && !c.S3.Enabled {
		errs = append(errs, "journal: archive_enabled requires s3.enabled")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be within [0, pool_max_conns]")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Metrics
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			errs = append(errs, fmt.Sprintf("metrics: port must be 1-65535, got %d", c.Metrics.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ParseClockWindow parses an "HH:MM-HH:MM" span into start and end minutes
// since midnight UTC. Windows may wrap past midnight (start > end).
func ParseClockWindow(s string) (startMin, endMin int, err error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want HH:MM-HH:MM")
	}
	startMin, err = parseClock(parts[0])
	if err != nil {
		return 0, 0, err
	}
	endMin, err = parseClock(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return startMin, endMin, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
