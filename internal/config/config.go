package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Capacity   CapacityConfig   `yaml:"capacity" mapstructure:"capacity"`
	SkipTrace  SkipTraceConfig  `yaml:"skiptrace" mapstructure:"skiptrace"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Dispatch   DispatchConfig   `yaml:"dispatch" mapstructure:"dispatch"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// RedisConfig configures the job queue backend.
type RedisConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	Queue       string `yaml:"queue" mapstructure:"queue"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// CapacityConfig configures block sizing and metered daily pulls.
type CapacityConfig struct {
	BlockSize int `yaml:"block_size" mapstructure:"block_size"`
	DailyPull int `yaml:"daily_pull" mapstructure:"daily_pull"`
}

// SkipTraceConfig holds skip-trace provider settings.
type SkipTraceConfig struct {
	Key              string `yaml:"key" mapstructure:"key"`
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	PollIntervalSecs int    `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	MaxWaitSecs      int    `yaml:"max_wait_secs" mapstructure:"max_wait_secs"`
	Depth            string `yaml:"depth" mapstructure:"depth"`
}

// ScoringConfig holds contact-scoring provider settings.
type ScoringConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Concurrency int     `yaml:"concurrency" mapstructure:"concurrency"`
}

// DispatchConfig holds outbound channel settings and send limits.
type DispatchConfig struct {
	Key              string `yaml:"key" mapstructure:"key"`
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	DailyCap         int    `yaml:"daily_cap" mapstructure:"daily_cap"`
	MinDelayMs       int    `yaml:"min_delay_ms" mapstructure:"min_delay_ms"`
	FailureThreshold int    `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	OptOutText       string `yaml:"opt_out_text" mapstructure:"opt_out_text"`
	ChannelsFile     string `yaml:"channels_file" mapstructure:"channels_file"`
}

// RetryConfig configures bounded exponential backoff for job-level retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentLeads int `yaml:"max_concurrent_leads" mapstructure:"max_concurrent_leads"`
}

// MonitoringConfig configures background alert checks.
type MonitoringConfig struct {
	Enabled           bool     `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL        string   `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs int      `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	Tenants           []string `yaml:"tenants" mapstructure:"tenants"`
	DLQThreshold      int      `yaml:"dlq_threshold" mapstructure:"dlq_threshold"`
	// CapWarnFraction alerts once sent-today reaches this share of the daily cap.
	CapWarnFraction   float64  `yaml:"cap_warn_fraction" mapstructure:"cap_warn_fraction"`
}

// PricingConfig holds per-unit provider prices in USD. Zero values use the
// built-in list prices.
type PricingConfig struct {
	TraceBasic    float64 `yaml:"trace_basic" mapstructure:"trace_basic"`
	TraceEnhanced float64 `yaml:"trace_enhanced" mapstructure:"trace_enhanced"`
	ScorePerPhone float64 `yaml:"score_per_phone" mapstructure:"score_per_phone"`
	SMSPerMessage float64 `yaml:"sms_per_message" mapstructure:"sms_per_message"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OUTREACH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("redis.queue", "default")
	v.SetDefault("redis.concurrency", 10)
	v.SetDefault("capacity.block_size", 10000)
	v.SetDefault("capacity.daily_pull", 500)
	v.SetDefault("skiptrace.base_url", "https://api.skiptrace.example.com/v1")
	v.SetDefault("skiptrace.poll_interval_secs", 5)
	v.SetDefault("skiptrace.max_wait_secs", 600)
	v.SetDefault("skiptrace.depth", "basic")
	v.SetDefault("scoring.base_url", "https://api.contactscore.example.com/v1")
	v.SetDefault("scoring.rate_limit", 5.0)
	v.SetDefault("scoring.concurrency", 8)
	v.SetDefault("dispatch.base_url", "https://api.sms.example.com/v1")
	v.SetDefault("dispatch.daily_cap", 2000)
	v.SetDefault("dispatch.min_delay_ms", 1000)
	v.SetDefault("dispatch.failure_threshold", 5)
	v.SetDefault("dispatch.opt_out_text", "Reply STOP to opt out.")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("batch.max_concurrent_leads", 5)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.dlq_threshold", 10)
	v.SetDefault("monitoring.cap_warn_fraction", 0.9)
	v.SetDefault("pricing.trace_basic", 0.07)
	v.SetDefault("pricing.trace_enhanced", 0.15)
	v.SetDefault("pricing.score_per_phone", 0.01)
	v.SetDefault("pricing.sms_per_message", 0.0079)

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

// Validate checks the settings a given run mode depends on. Modes are
// "pipeline" (import through qualification), "dispatch", "serve" and "worker".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}

	if c.Capacity.BlockSize <= 0 {
		errs = append(errs, "capacity.block_size must be > 0")
	}
	if c.Batch.MaxConcurrentLeads < 1 || c.Batch.MaxConcurrentLeads > 50 {
		errs = append(errs, "batch.max_concurrent_leads must be between 1 and 50")
	}

	switch mode {
	case "pipeline":
		errs = append(errs, c.validateEnrichment()...)
	case "dispatch":
		errs = append(errs, c.validateDispatch()...)
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "worker":
		if c.Redis.URL == "" {
			errs = append(errs, "redis.url is required")
		}
		errs = append(errs, c.validateEnrichment()...)
		errs = append(errs, c.validateDispatch()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateEnrichment() []string {
	var errs []string
	if c.SkipTrace.Key == "" {
		errs = append(errs, "skiptrace.key is required")
	}
	if c.Scoring.Key == "" {
		errs = append(errs, "scoring.key is required")
	}
	if c.SkipTrace.Depth != "basic" && c.SkipTrace.Depth != "enhanced" {
		errs = append(errs, "skiptrace.depth must be basic or enhanced")
	}
	if c.SkipTrace.PollIntervalSecs <= 0 || c.SkipTrace.MaxWaitSecs < c.SkipTrace.PollIntervalSecs {
		errs = append(errs, "skiptrace.max_wait_secs must be >= poll_interval_secs > 0")
	}
	return errs
}

func (c *Config) validateDispatch() []string {
	var errs []string
	if c.Dispatch.Key == "" {
		errs = append(errs, "dispatch.key is required")
	}
	if c.Dispatch.DailyCap <= 0 {
		errs = append(errs, "dispatch.daily_cap must be > 0")
	}
	if c.Dispatch.MinDelayMs < 0 {
		errs = append(errs, "dispatch.min_delay_ms must be >= 0")
	}
	if c.Dispatch.FailureThreshold <= 0 {
		errs = append(errs, "dispatch.failure_threshold must be > 0")
	}
	return errs
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
