package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"listing-sentinel/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	State      StateConfig      `mapstructure:"state"`
	Redis      RedisConfig      `mapstructure:"redis"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// DatabaseConfig selects and tunes the listing store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs sweep cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	// Cron replaces the interval loop when set, e.g. "0 */6 * * *".
	Cron       string `mapstructure:"cron"`
	RunOnStart bool   `mapstructure:"run_on_start"`
}

// ClassifierConfig covers the sentiment classification service.
type ClassifierConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxInputChars     int           `mapstructure:"max_input_chars"`
	MaxOutputTokens   int           `mapstructure:"max_output_tokens"`
	DefaultConfidence float64       `mapstructure:"default_confidence"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// RateLimitConfig are the service quotas.
type RateLimitConfig struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	TokensPerMinute   int           `mapstructure:"tokens_per_minute"`
	Window            time.Duration `mapstructure:"window"`
}

// PipelineConfig tunes the classification batch.
type PipelineConfig struct {
	Workers     int           `mapstructure:"workers"`
	BatchSize   int           `mapstructure:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	MaxSweeps   int           `mapstructure:"max_sweeps"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// MetricsConfig controls snapshot derivation.
type MetricsConfig struct {
	HistoryWindow time.Duration `mapstructure:"history_window"`
	RecentWindow  int           `mapstructure:"recent_window"`
	MinReviews    int           `mapstructure:"min_reviews"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled             bool           `mapstructure:"enabled"`
	PriceDropPct        float64        `mapstructure:"price_drop_pct"`
	PriceRisePct        float64        `mapstructure:"price_rise_pct"`
	SentimentDeltaPct   float64        `mapstructure:"sentiment_delta_pct"`
	Channels            []string       `mapstructure:"channels"`
	MinDispatchInterval time.Duration  `mapstructure:"min_dispatch_interval"`
	Currency            string         `mapstructure:"currency"`
	DashboardURL        string         `mapstructure:"dashboard_url"`
	Telegram            TelegramConfig `mapstructure:"telegram"`
	Email               EmailConfig    `mapstructure:"email"`
	Teams               TeamsConfig    `mapstructure:"teams"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// EmailConfig describes SMTP delivery.
type EmailConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Host       string   `mapstructure:"host"`
	Port       int      `mapstructure:"port"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	From       string   `mapstructure:"from"`
	Recipients []string `mapstructure:"recipients"`
}

// TeamsConfig describes the incoming webhook.
type TeamsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Supported alert-state backends.
const (
	StateDatabase = "database"
	StateFile     = "file"
	StateAzBlob   = "azblob"
)

// StateConfig selects where the detector's alert state lives.
type StateConfig struct {
	Backend    string `mapstructure:"backend"`
	Path       string `mapstructure:"path"`
	AccountURL string `mapstructure:"account_url"`
	Container  string `mapstructure:"container"`
	BlobName   string `mapstructure:"blob_name"`
}

// RedisConfig enables the limiter stats recorder when Addr is set.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Prefix       string        `mapstructure:"prefix"`
	StatsTTL     time.Duration `mapstructure:"stats_ttl"`
	StatsTimeout time.Duration `mapstructure:"stats_timeout"`
}

// HTTPConfig exposes the status API when Addr is set.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "listing-sentinel")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.time_format", "")

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", "data/sentinel.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.interval", "6h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6c73656e))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.cron", "")
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("classifier.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("classifier.api_key", "")
	v.SetDefault("classifier.model", "llama-3.3-70b-versatile")
	v.SetDefault("classifier.timeout", "30s")
	v.SetDefault("classifier.max_input_chars", 1000)
	v.SetDefault("classifier.max_output_tokens", 10)
	v.SetDefault("classifier.default_confidence", 95.0)
	v.SetDefault("classifier.user_agent", "listing-sentinel/1.0")

	v.SetDefault("ratelimit.requests_per_minute", 30)
	v.SetDefault("ratelimit.tokens_per_minute", 6000)
	v.SetDefault("ratelimit.window", "1m")

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.batch_size", 100)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.max_sweeps", 3)
	v.SetDefault("pipeline.base_backoff", "2s")
	v.SetDefault("pipeline.max_backoff", "30s")

	v.SetDefault("metrics.history_window", "2160h")
	v.SetDefault("metrics.recent_window", 7)
	v.SetDefault("metrics.min_reviews", 5)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.price_drop_pct", 5.0)
	v.SetDefault("alerting.price_rise_pct", 5.0)
	v.SetDefault("alerting.sentiment_delta_pct", 10.0)
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.min_dispatch_interval", "1s")
	v.SetDefault("alerting.currency", "Rs.")
	v.SetDefault("alerting.dashboard_url", "")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
	v.SetDefault("alerting.email.enabled", false)
	v.SetDefault("alerting.email.host", "smtp.gmail.com")
	v.SetDefault("alerting.email.port", 587)
	v.SetDefault("alerting.email.username", "")
	v.SetDefault("alerting.email.password", "")
	v.SetDefault("alerting.email.from", "")
	v.SetDefault("alerting.email.recipients", []string{})
	v.SetDefault("alerting.teams.enabled", false)
	v.SetDefault("alerting.teams.webhook_url", "")
	v.SetDefault("alerting.teams.timeout", "30s")

	v.SetDefault("state.backend", StateDatabase)
	v.SetDefault("state.path", "data/alert_state.json")
	v.SetDefault("state.account_url", "")
	v.SetDefault("state.container", "sentinel")
	v.SetDefault("state.blob_name", "alert_state.json")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "sentinel:ratelimit")
	v.SetDefault("redis.stats_ttl", "24h")
	v.SetDefault("redis.stats_timeout", "50ms")

	v.SetDefault("http.addr", "")
	v.SetDefault("http.shutdown_timeout", "5s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver must be one of postgres, sqlite, memory")
	}

	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 && c.Scheduler.Cron == "" {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("ratelimit.requests_per_minute must be greater than zero")
	}
	if c.RateLimit.TokensPerMinute <= 0 {
		return fmt.Errorf("ratelimit.tokens_per_minute must be greater than zero")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be greater than zero")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be greater than zero")
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be greater than zero")
	}
	if c.Pipeline.MaxSweeps < 0 {
		return fmt.Errorf("pipeline.max_sweeps cannot be negative")
	}
	if c.Metrics.RecentWindow <= 0 {
		return fmt.Errorf("metrics.recent_window must be greater than zero")
	}
	if c.Metrics.MinReviews < 0 {
		return fmt.Errorf("metrics.min_reviews cannot be negative")
	}

	if c.Alerting.PriceDropPct <= 0 || c.Alerting.PriceRisePct <= 0 || c.Alerting.SentimentDeltaPct <= 0 {
		return fmt.Errorf("alerting thresholds must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Email.Enabled {
		if c.Alerting.Email.Host == "" {
			return fmt.Errorf("alerting.email.host is required")
		}
		if len(c.Alerting.Email.Recipients) == 0 {
			return fmt.Errorf("alerting.email.recipients is required")
		}
	}
	if c.Alerting.Teams.Enabled && c.Alerting.Teams.WebhookURL == "" {
		return fmt.Errorf("alerting.teams.webhook_url is required")
	}

	switch c.State.Backend {
	case StateDatabase:
	case StateFile:
		if c.State.Path == "" {
			return fmt.Errorf("state.path is required for the file backend")
		}
	case StateAzBlob:
		if c.State.AccountURL == "" || c.State.Container == "" {
			return fmt.Errorf("state.account_url and state.container are required for the azblob backend")
		}
	default:
		return fmt.Errorf("state.backend must be one of database, file, azblob")
	}
	return nil
}

// RequireClassifier checks the settings needed to call the classification
// service. Commands that never classify skip it.
func (c *Config) RequireClassifier() error {
	if c.Classifier.BaseURL == "" {
		return fmt.Errorf("classifier.base_url is required")
	}
	if c.Classifier.APIKey == "" {
		return fmt.Errorf("classifier.api_key is required")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
