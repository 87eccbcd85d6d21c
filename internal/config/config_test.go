package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.InDelta(t, 10.0, cfg.Gateway.RateLimit, 0.001)
	assert.Equal(t, "TAO", cfg.Price.Asset)
	assert.Equal(t, "USD", cfg.Price.Currency)
	assert.Equal(t, 8, cfg.Ingest.Workers)
	assert.Equal(t, int64(500), cfg.Ingest.MaxRange)
	assert.Equal(t, 5, cfg.Ingest.MaxRetries)
	assert.Equal(t, 45, cfg.Ingest.CallTimeoutSecs)
	assert.Equal(t, 60, cfg.Gateway.TimeoutSecs)
	assert.Equal(t, 240, cfg.Ingest.LeaseTTLSecs)
	assert.Equal(t, 4, cfg.Conversion.Workers)
	assert.Equal(t, int64(10), cfg.Rules.SafetyMargin)
	assert.Equal(t, "0 2 1 * *", cfg.Ledger.Schedule)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.False(t, cfg.Monitoring.AlertOnWarning)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: rakeback.db
log:
  level: debug
  format: console
gateway:
  url: https://gateway.example
  rate_limit: 2.5
rules:
  safety_margin: 25
ledger:
  schedule: "@monthly"
monitoring:
  webhook_url: https://hooks.example/alerts
  alert_on_warning: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "rakeback.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "https://gateway.example", cfg.Gateway.URL)
	assert.InDelta(t, 2.5, cfg.Gateway.RateLimit, 0.001)
	assert.Equal(t, int64(25), cfg.Rules.SafetyMargin)
	assert.Equal(t, "@monthly", cfg.Ledger.Schedule)
	assert.Equal(t, "https://hooks.example/alerts", cfg.Monitoring.WebhookURL)
	assert.True(t, cfg.Monitoring.AlertOnWarning)
	// Untouched sections keep their defaults.
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("RAKEBACK_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("RAKEBACK_SERVER_PORT", "9999")
	t.Setenv("RAKEBACK_INGEST_WORKERS", "16")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 16, cfg.Ingest.Workers)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RAKEBACK_GATEWAY_KEY=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("RAKEBACK_GATEWAY_KEY") }) //nolint:errcheck

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Gateway.Key)
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RAKEBACK_GATEWAY_KEY=from-dotenv\n"), 0o600))
	t.Setenv("RAKEBACK_GATEWAY_KEY", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Gateway.Key)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, 90*time.Second, Seconds(90))
	assert.Equal(t, time.Duration(0), Seconds(0))
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/rakeback"
	cfg.Gateway.URL = "https://gateway.example"
	cfg.Server.Port = 8080
	cfg.Ingest.Workers = 8
	cfg.Conversion.Workers = 4
	cfg.Ledger.Workers = 4
	cfg.Ledger.Schedule = "0 2 1 * *"
	cfg.Rules.SafetyMargin = 10
	return cfg
}

func TestValidateServe_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("serve"))
}

func TestValidateServe_MissingFields(t *testing.T) {
	cfg := &Config{}

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "gateway.url is required")
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.Contains(t, err.Error(), "ledger.schedule is required")
}

func TestValidateMigrate_OnlyNeedsStore(t *testing.T) {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "rakeback.db"

	assert.NoError(t, cfg.Validate("migrate"))
	assert.NoError(t, cfg.Validate("completeness"))
	assert.Error(t, cfg.Validate("ingest"))
}

func TestValidateLedger_NoGateway(t *testing.T) {
	cfg := validDefaults()
	cfg.Gateway.URL = ""

	assert.NoError(t, cfg.Validate("ledger"))
	assert.Error(t, cfg.Validate("partners"))
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateWorkerBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Ingest.Workers = 0
	err := cfg.Validate("ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest.workers must be between 1 and 64")

	cfg.Ingest.Workers = 65
	assert.Error(t, cfg.Validate("ingest"))

	cfg.Ingest.Workers = 64
	assert.NoError(t, cfg.Validate("ingest"))
}

func TestValidateSafetyMargin(t *testing.T) {
	cfg := validDefaults()
	cfg.Rules.SafetyMargin = -1

	err := cfg.Validate("ledger")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rules.safety_margin must be >= 0")
}

func TestValidateIngestTimings(t *testing.T) {
	chdirTemp(t)
	loaded, err := Load()
	require.NoError(t, err)
	loaded.Store.DatabaseURL = "postgres://localhost/rakeback"
	loaded.Gateway.URL = "https://gateway.example"
	require.NoError(t, loaded.Validate("ingest"))
	assert.Greater(t, Seconds(loaded.Ingest.LeaseTTLSecs),
		loaded.Ingest.RetryPolicy().Budget(Seconds(loaded.Ingest.CallTimeoutSecs)))

	cfg := validDefaults()
	cfg.Ingest.CallTimeoutSecs = 45
	cfg.Ingest.RetryAttempts = 4
	cfg.Ingest.LeaseTTLSecs = 120
	cfg.Gateway.TimeoutSecs = 30

	err = cfg.Validate("ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway.timeout_secs must exceed ingest.call_timeout_secs")
	assert.Contains(t, err.Error(), "ingest.lease_ttl_secs must exceed")

	cfg.Gateway.TimeoutSecs = 60
	cfg.Ingest.LeaseTTLSecs = 240
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Ingest.RetryAttempts = 6
	assert.Error(t, cfg.Validate("serve"))
}

func TestIngestRetryPolicy(t *testing.T) {
	assert.Equal(t, 4, IngestConfig{}.RetryPolicy().Attempts)
	assert.Equal(t, 2, IngestConfig{RetryAttempts: 2}.RetryPolicy().Attempts)
}
