package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "paper"
	cfg.Risk.MaxRiskPerTradeUSD = 0
	cfg.Risk.PullbackTolerance = 1.5
	cfg.Worker.Interval.Duration = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "max_risk_per_trade_usd")
	assert.Contains(t, err.Error(), "pullback_tolerance")
	assert.Contains(t, err.Error(), "worker: interval")
}

func TestValidateSweetSpotOrdering(t *testing.T) {
	cfg := Defaults()
	cfg.Risk.SweetSpotMaxUSD = cfg.Risk.SweetSpotMinUSD

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sweet spot bounds")
}

func TestValidateMaxOpenTrades(t *testing.T) {
	cfg := Defaults()
	cfg.Filters.MaxOpenTrades = -1
	require.NoError(t, cfg.Validate(), "-1 disables the portfolio cap")

	cfg.Filters.MaxOpenTrades = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_open_trades")

	cfg.Filters.MaxOpenTrades = -2
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_open_trades")
}

func TestValidateRequiresBridgeURLInLiveMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"
	cfg.Broker.BridgeURL = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge_url")
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
mode = "live"

[broker]
bridge_url = "http://sidecar:9000"

[risk]
max_risk_per_trade_usd = 3.5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "live", cfg.Mode)
	assert.Equal(t, "http://sidecar:9000", cfg.Broker.BridgeURL)
	assert.Equal(t, 3.5, cfg.Risk.MaxRiskPerTradeUSD)
	// Untouched fields keep their defaults.
	assert.Equal(t, 0.10, cfg.Risk.TrailIncrementUSD)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.Interval.Duration)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("mode = \"simulation\"\n"), 0o600))

	t.Setenv("TRADEGUARD_BROKER_BRIDGE_TOKEN", "s3cret")
	t.Setenv("TRADEGUARD_RISK_MAX_RISK_PER_TRADE_USD", "4.0")
	t.Setenv("TRADEGUARD_WORKER_RECONCILE_INTERVAL", "30s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Broker.BridgeToken)
	assert.Equal(t, 4.0, cfg.Risk.MaxRiskPerTradeUSD)
	assert.Equal(t, 30*time.Second, cfg.Worker.ReconcileInterval.Duration)
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Broker.BridgeToken = "token"
	cfg.Postgres.Password = "pw"
	cfg.S3.SecretKey = "sk"
	cfg.Notify.TelegramToken = "tg"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Broker.BridgeToken)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.S3.SecretKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)
	// Empty secrets stay empty rather than advertising a redaction.
	assert.Empty(t, red.Postgres.DSN)
	// The original is untouched.
	assert.Equal(t, "token", cfg.Broker.BridgeToken)

	red.Scan.Symbols[0] = "XXXXXX"
	assert.Equal(t, "EURUSD", cfg.Scan.Symbols[0])
}
