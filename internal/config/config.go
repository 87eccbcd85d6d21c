package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/rakeback-engine/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Gateway    GatewayConfig    `yaml:"gateway" mapstructure:"gateway"`
	Price      PriceConfig      `yaml:"price" mapstructure:"price"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Conversion ConversionConfig `yaml:"conversion" mapstructure:"conversion"`
	Rules      RulesConfig      `yaml:"rules" mapstructure:"rules"`
	Ledger     LedgerConfig     `yaml:"ledger" mapstructure:"ledger"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// GatewayConfig holds the chain data gateway settings.
type GatewayConfig struct {
	URL         string  `yaml:"url" mapstructure:"url"`
	Key         string  `yaml:"key" mapstructure:"key"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// PriceConfig holds the market price source settings. An empty URL leaves
// prices to whatever the gateway reports.
type PriceConfig struct {
	URL            string `yaml:"url" mapstructure:"url"`
	Key            string `yaml:"key" mapstructure:"key"`
	Asset          string `yaml:"asset" mapstructure:"asset"`
	Currency       string `yaml:"currency" mapstructure:"currency"`
	ResolutionSecs int    `yaml:"resolution_secs" mapstructure:"resolution_secs"`
	TimeoutSecs    int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// IngestConfig configures attribution ingestion.
type IngestConfig struct {
	Workers         int   `yaml:"workers" mapstructure:"workers"`
	MaxRange        int64 `yaml:"max_range" mapstructure:"max_range"`
	LeaseTTLSecs    int   `yaml:"lease_ttl_secs" mapstructure:"lease_ttl_secs"`
	CallTimeoutSecs int   `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	RetryAttempts   int   `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	MaxRetries      int   `yaml:"max_retries" mapstructure:"max_retries"`
}

// ConversionConfig configures conversion ingestion and allocation.
type ConversionConfig struct {
	Workers      int   `yaml:"workers" mapstructure:"workers"`
	MaxRange     int64 `yaml:"max_range" mapstructure:"max_range"`
	LeaseTTLSecs int   `yaml:"lease_ttl_secs" mapstructure:"lease_ttl_secs"`
}

// RulesConfig configures the eligibility rule engine.
type RulesConfig struct {
	// SafetyMargin is how many blocks behind the chain head a rule may take
	// effect.
	SafetyMargin int64  `yaml:"safety_margin" mapstructure:"safety_margin"`
	CacheTTLSecs int    `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
	SeedFile     string `yaml:"seed_file" mapstructure:"seed_file"`
}

// LedgerConfig configures ledger aggregation.
type LedgerConfig struct {
	Schedule       string `yaml:"schedule" mapstructure:"schedule"`
	Workers        int    `yaml:"workers" mapstructure:"workers"`
	LeaseTTLSecs   int    `yaml:"lease_ttl_secs" mapstructure:"lease_ttl_secs"`
	JobTimeoutSecs int    `yaml:"job_timeout_secs" mapstructure:"job_timeout_secs"`
}

// MonitoringConfig configures the background issue checker and its webhook.
type MonitoringConfig struct {
	CheckIntervalSecs  int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	WebhookURL         string `yaml:"webhook_url" mapstructure:"webhook_url"`
	WebhookTimeoutSecs int    `yaml:"webhook_timeout_secs" mapstructure:"webhook_timeout_secs"`
	AlertOnWarning     bool   `yaml:"alert_on_warning" mapstructure:"alert_on_warning"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
	// APIToken guards mutating routes. Empty disables the check.
	APIToken    string   `yaml:"api_token" mapstructure:"api_token"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Seconds converts a whole-second setting to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// RetryPolicy is the gateway retry policy for block fetches.
func (c IngestConfig) RetryPolicy() resilience.Policy {
	p := resilience.DefaultPolicy()
	if c.RetryAttempts > 0 {
		p.Attempts = c.RetryAttempts
	}
	return p
}

// Load reads configuration from .env, file and environment, in increasing
// order of precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: read .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RAKEBACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without defaults must be bound for Unmarshal to see them.
	for _, key := range []string{
		"store.database_url", "gateway.url", "gateway.key", "price.url", "price.key",
		"server.api_token", "monitoring.webhook_url", "rules.seed_file",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("gateway.rate_limit", 10.0)
	v.SetDefault("gateway.timeout_secs", 60)
	v.SetDefault("price.asset", "TAO")
	v.SetDefault("price.currency", "USD")
	v.SetDefault("price.resolution_secs", 60)
	v.SetDefault("price.timeout_secs", 10)
	v.SetDefault("ingest.workers", 8)
	v.SetDefault("ingest.max_range", 500)
	v.SetDefault("ingest.lease_ttl_secs", 240)
	v.SetDefault("ingest.call_timeout_secs", 45)
	v.SetDefault("ingest.retry_attempts", 4)
	v.SetDefault("ingest.max_retries", 5)
	v.SetDefault("conversion.workers", 4)
	v.SetDefault("conversion.max_range", 10000)
	v.SetDefault("conversion.lease_ttl_secs", 300)
	v.SetDefault("rules.safety_margin", 10)
	v.SetDefault("rules.cache_ttl_secs", 30)
	v.SetDefault("ledger.schedule", "0 2 1 * *")
	v.SetDefault("ledger.workers", 4)
	v.SetDefault("ledger.lease_ttl_secs", 300)
	v.SetDefault("ledger.job_timeout_secs", 1800)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.webhook_timeout_secs", 10)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Every problem is
// reported at once.
func (c *Config) Validate(mode string) error {
	var errs []string
	requireStore := func() {
		switch c.Store.Driver {
		case "postgres", "sqlite":
		default:
			errs = append(errs, "store.driver must be postgres or sqlite")
		}
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	}
	requireGateway := func() {
		if c.Gateway.URL == "" {
			errs = append(errs, "gateway.url is required")
		}
	}
	// A block lease must outlive every retry of its fetch, and the HTTP
	// client must not cut a call off before the per-attempt timeout does.
	ingestTimings := func() {
		in := c.Ingest
		if in.CallTimeoutSecs > 0 && c.Gateway.TimeoutSecs > 0 && c.Gateway.TimeoutSecs <= in.CallTimeoutSecs {
			errs = append(errs, "gateway.timeout_secs must exceed ingest.call_timeout_secs")
		}
		if in.CallTimeoutSecs > 0 && in.LeaseTTLSecs > 0 {
			budget := in.RetryPolicy().Budget(Seconds(in.CallTimeoutSecs))
			if Seconds(in.LeaseTTLSecs) <= budget {
				errs = append(errs, fmt.Sprintf(
					"ingest.lease_ttl_secs must exceed %s (retry_attempts x call_timeout_secs plus backoff)", budget))
			}
		}
	}
	bounded := func(name string, n, lo, hi int) {
		if n < lo || n > hi {
			errs = append(errs, fmt.Sprintf("%s must be between %d and %d", name, lo, hi))
		}
	}

	switch mode {
	case "serve":
		requireStore()
		requireGateway()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Ledger.Schedule == "" {
			errs = append(errs, "ledger.schedule is required")
		}
		bounded("ingest.workers", c.Ingest.Workers, 1, 64)
		bounded("conversion.workers", c.Conversion.Workers, 1, 64)
		bounded("ledger.workers", c.Ledger.Workers, 1, 64)
		ingestTimings()
	case "ingest":
		requireStore()
		requireGateway()
		ingestTimings()
		bounded("ingest.workers", c.Ingest.Workers, 1, 64)
		bounded("conversion.workers", c.Conversion.Workers, 1, 64)
	case "partners":
		requireStore()
		requireGateway()
	case "ledger":
		requireStore()
		bounded("ledger.workers", c.Ledger.Workers, 1, 64)
	case "migrate", "completeness":
		requireStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Rules.SafetyMargin < 0 {
		errs = append(errs, "rules.safety_margin must be >= 0")
	}
	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
