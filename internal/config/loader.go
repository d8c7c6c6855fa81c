package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADEGUARD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADEGUARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Broker ──
	setStr(&cfg.Broker.BridgeURL, "TRADEGUARD_BROKER_BRIDGE_URL")
	setStr(&cfg.Broker.BridgeToken, "TRADEGUARD_BROKER_BRIDGE_TOKEN")
	setDuration(&cfg.Broker.RequestTimeout, "TRADEGUARD_BROKER_REQUEST_TIMEOUT")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxRiskPerTradeUSD, "TRADEGUARD_RISK_MAX_RISK_PER_TRADE_USD")
	setFloat64(&cfg.Risk.SweetSpotMinUSD, "TRADEGUARD_RISK_SWEET_SPOT_MIN_USD")
	setFloat64(&cfg.Risk.SweetSpotMaxUSD, "TRADEGUARD_RISK_SWEET_SPOT_MAX_USD")
	setFloat64(&cfg.Risk.TrailIncrementUSD, "TRADEGUARD_RISK_TRAIL_INCREMENT_USD")
	setFloat64(&cfg.Risk.PullbackTolerance, "TRADEGUARD_RISK_PULLBACK_TOLERANCE")
	setFloat64(&cfg.Risk.BigJumpThresholdUSD, "TRADEGUARD_RISK_BIG_JUMP_THRESHOLD_USD")
	setFloat64(&cfg.Risk.BigJumpLockOffsetUSD, "TRADEGUARD_RISK_BIG_JUMP_LOCK_OFFSET_USD")
	setFloat64(&cfg.Risk.MinImprovementUSD, "TRADEGUARD_RISK_MIN_IMPROVEMENT_USD")

	// ── Locking ──
	setDuration(&cfg.Locking.AcquireTimeout, "TRADEGUARD_LOCKING_ACQUIRE_TIMEOUT")
	setDuration(&cfg.Locking.ProfitAcquireTimeout, "TRADEGUARD_LOCKING_PROFIT_ACQUIRE_TIMEOUT")
	setDuration(&cfg.Locking.MaxHoldTime, "TRADEGUARD_LOCKING_MAX_HOLD_TIME")
	setDuration(&cfg.Locking.WatchdogInterval, "TRADEGUARD_LOCKING_WATCHDOG_INTERVAL")

	// ── Worker ──
	setDuration(&cfg.Worker.Interval, "TRADEGUARD_WORKER_INTERVAL")
	setDuration(&cfg.Worker.SlowIterationBudget, "TRADEGUARD_WORKER_SLOW_ITERATION_BUDGET")
	setDuration(&cfg.Worker.ReconcileInterval, "TRADEGUARD_WORKER_RECONCILE_INTERVAL")

	// ── Limits ──
	setFloat64(&cfg.Limits.GlobalRPCRatePerSec, "TRADEGUARD_LIMITS_GLOBAL_RPC_RATE_PER_SEC")
	setDuration(&cfg.Limits.PerTicketMinInterval, "TRADEGUARD_LIMITS_PER_TICKET_MIN_INTERVAL")
	setInt(&cfg.Limits.MaxModifyRetries, "TRADEGUARD_LIMITS_MAX_MODIFY_RETRIES")
	setDuration(&cfg.Limits.RetryBackoffBase, "TRADEGUARD_LIMITS_RETRY_BACKOFF_BASE")
	setDuration(&cfg.Limits.VerifyDelay, "TRADEGUARD_LIMITS_VERIFY_DELAY")
	setFloat64(&cfg.Limits.VerifyTolerancePoints, "TRADEGUARD_LIMITS_VERIFY_TOLERANCE_POINTS")
	setInt(&cfg.Limits.CircuitFailureThreshold, "TRADEGUARD_LIMITS_CIRCUIT_FAILURE_THRESHOLD")
	setDuration(&cfg.Limits.CircuitOpenFor, "TRADEGUARD_LIMITS_CIRCUIT_OPEN_FOR")
	setDuration(&cfg.Limits.DisableAfter, "TRADEGUARD_LIMITS_DISABLE_AFTER")

	// ── Scan ──
	setDuration(&cfg.Scan.Interval, "TRADEGUARD_SCAN_INTERVAL")
	setStringSlice(&cfg.Scan.Symbols, "TRADEGUARD_SCAN_SYMBOLS")

	// ── Filters ──
	setFloat64(&cfg.Filters.MaxSpreadPoints, "TRADEGUARD_FILTERS_MAX_SPREAD_POINTS")
	setDuration(&cfg.Filters.MarketCloseBuffer, "TRADEGUARD_FILTERS_MARKET_CLOSE_BUFFER")
	setFloat64(&cfg.Filters.MinBarVolume, "TRADEGUARD_FILTERS_MIN_BAR_VOLUME")
	setStringSlice(&cfg.Filters.NewsWindows, "TRADEGUARD_FILTERS_NEWS_WINDOWS")
	setFloat64(&cfg.Filters.MinQualityScore, "TRADEGUARD_FILTERS_MIN_QUALITY_SCORE")
	setInt(&cfg.Filters.MaxOpenTrades, "TRADEGUARD_FILTERS_MAX_OPEN_TRADES")
	setStringSlice(&cfg.Filters.AllowSymbols, "TRADEGUARD_FILTERS_ALLOW_SYMBOLS")
	setStringSlice(&cfg.Filters.DenySymbols, "TRADEGUARD_FILTERS_DENY_SYMBOLS")

	// ── Entry ──
	setFloat64(&cfg.Entry.DefaultLot, "TRADEGUARD_ENTRY_DEFAULT_LOT")
	setFloat64(&cfg.Entry.MaxLot, "TRADEGUARD_ENTRY_MAX_LOT")
	setFloat64(&cfg.Entry.MaxSlackUSD, "TRADEGUARD_ENTRY_MAX_SLACK_USD")

	// ── Exit ──
	setFloat64(&cfg.Exit.MicroProfitBufferUSD, "TRADEGUARD_EXIT_MICRO_PROFIT_BUFFER_USD")
	setFloat64(&cfg.Exit.ExtendedBandMarginUSD, "TRADEGUARD_EXIT_EXTENDED_BAND_MARGIN_USD")
	setBool(&cfg.Exit.ExtendedBandEnabled, "TRADEGUARD_EXIT_EXTENDED_BAND_ENABLED")
	setInt(&cfg.Exit.ComplianceCutoffHour, "TRADEGUARD_EXIT_COMPLIANCE_CUTOFF_HOUR")
	setDuration(&cfg.Exit.MaxHoldingDuration, "TRADEGUARD_EXIT_MAX_HOLDING_DURATION")
	setBool(&cfg.Exit.ComplianceEnabled, "TRADEGUARD_EXIT_COMPLIANCE_ENABLED")

	// ── Journal ──
	setStr(&cfg.Journal.Dir, "TRADEGUARD_JOURNAL_DIR")
	setDuration(&cfg.Journal.SnapshotInterval, "TRADEGUARD_JOURNAL_SNAPSHOT_INTERVAL")
	setBool(&cfg.Journal.ArchiveEnabled, "TRADEGUARD_JOURNAL_ARCHIVE_ENABLED")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "TRADEGUARD_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "TRADEGUARD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TRADEGUARD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRADEGUARD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRADEGUARD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRADEGUARD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRADEGUARD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRADEGUARD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRADEGUARD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRADEGUARD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRADEGUARD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TRADEGUARD_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TRADEGUARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADEGUARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADEGUARD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRADEGUARD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRADEGUARD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRADEGUARD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TRADEGUARD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TRADEGUARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRADEGUARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRADEGUARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRADEGUARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRADEGUARD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRADEGUARD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRADEGUARD_S3_FORCE_PATH_STYLE")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "TRADEGUARD_METRICS_ENABLED")
	setInt(&cfg.Metrics.Port, "TRADEGUARD_METRICS_PORT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADEGUARD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADEGUARD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADEGUARD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRADEGUARD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRADEGUARD_MODE")
	setStr(&cfg.LogLevel, "TRADEGUARD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
