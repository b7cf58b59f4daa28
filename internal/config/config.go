package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rewired-gh/govpower/internal/models"
	"github.com/rewired-gh/govpower/internal/segment"
)

// Config represents the complete application configuration
type Config struct {
	Upstream  UpstreamConfig       `mapstructure:"upstream"`
	Tracker   TrackerConfig        `mapstructure:"tracker"`
	Cache     CacheConfig          `mapstructure:"cache"`
	Snapshot  SnapshotConfig       `mapstructure:"snapshot"`
	Analytics AnalyticsConfig      `mapstructure:"analytics"`
	Segments  []segment.Definition `mapstructure:"segments"`
	Forecast  ForecastConfig       `mapstructure:"forecast"`
	Alerts    AlertsConfig         `mapstructure:"alerts"`
	Metrics   MetricsConfig        `mapstructure:"metrics"`
	Workers   WorkersConfig        `mapstructure:"workers"`
	Logging   LoggingConfig        `mapstructure:"logging"`
}

// UpstreamConfig holds the indexer API and stream settings
type UpstreamConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	StreamURL           string        `mapstructure:"stream_url"` // empty disables streaming
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryDelayBase      time.Duration `mapstructure:"retry_delay_base"`
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
	BlockPollInterval   time.Duration `mapstructure:"block_poll_interval"` // 0 disables polling
}

// TrackerConfig holds record store settings
type TrackerConfig struct {
	MaxHistory  int           `mapstructure:"max_history"`
	Shards      int           `mapstructure:"shards"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	AutoTrack   bool          `mapstructure:"auto_track"`
	Addresses   []string      `mapstructure:"addresses"`
}

// CacheConfig selects the cache backend and entry lifetimes
type CacheConfig struct {
	Backend       string        `mapstructure:"backend"` // memory or sqlite
	DBPath        string        `mapstructure:"db_path"`
	MaxEntries    int           `mapstructure:"max_entries"`
	PowerTTL      time.Duration `mapstructure:"power_ttl"`
	AnalyticsTTL  time.Duration `mapstructure:"analytics_ttl"`
	PredictionTTL time.Duration `mapstructure:"prediction_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SnapshotConfig holds snapshot retention and scheduling
type SnapshotConfig struct {
	MaxRetained int           `mapstructure:"max_retained"`
	TopHolders  int           `mapstructure:"top_holders"`
	Interval    time.Duration `mapstructure:"interval"`
}

// RiskConfig holds the risk grading thresholds
type RiskConfig struct {
	CriticalNakamoto int     `mapstructure:"critical_nakamoto"`
	CriticalCR1      float64 `mapstructure:"critical_cr1"`
	HighNakamoto     int     `mapstructure:"high_nakamoto"`
	HighGini         float64 `mapstructure:"high_gini"`
	MediumGini       float64 `mapstructure:"medium_gini"`
	MediumCR10       float64 `mapstructure:"medium_cr10"`
}

// AnalyticsConfig holds concentration analysis settings
type AnalyticsConfig struct {
	LorenzPoints int        `mapstructure:"lorenz_points"`
	Risk         RiskConfig `mapstructure:"risk"`
}

// ForecastConfig holds prediction settings
type ForecastConfig struct {
	MinHistory      int           `mapstructure:"min_history"`
	WindowDays      int           `mapstructure:"window_days"`
	DefaultHorizon  int           `mapstructure:"default_horizon"`
	ConfidenceFloor float64       `mapstructure:"confidence_floor"`
	SignalTimeout   time.Duration `mapstructure:"signal_timeout"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// AlertsConfig holds alert delivery and throttling
type AlertsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	MinRisk  string         `mapstructure:"min_risk"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// WorkersConfig sizes the event worker pool
type WorkersConfig struct {
	Count     int `mapstructure:"count"`
	QueueSize int `mapstructure:"queue_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables. A .env file
// in the working directory, if present, is loaded into the environment first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	// GOVPOWER_ALERTS_TELEGRAM_BOT_TOKEN overrides alerts.telegram.bot_token
	v.SetEnvPrefix("GOVPOWER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Segments) == 0 {
		cfg.Segments = segment.DefaultDefinitions()
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Upstream defaults
	v.SetDefault("upstream.base_url", "")
	v.SetDefault("upstream.stream_url", "")
	v.SetDefault("upstream.timeout", "10s")
	v.SetDefault("upstream.max_retries", 3)
	v.SetDefault("upstream.retry_delay_base", "1s")
	v.SetDefault("upstream.max_idle_conns", 100)
	v.SetDefault("upstream.max_idle_conns_per_host", 10)
	v.SetDefault("upstream.idle_conn_timeout", "90s")
	v.SetDefault("upstream.block_poll_interval", "0s")

	// Tracker defaults
	v.SetDefault("tracker.max_history", 1000)
	v.SetDefault("tracker.shards", 32)
	v.SetDefault("tracker.read_timeout", "5s")
	v.SetDefault("tracker.auto_track", false)

	// Cache defaults
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.db_path", "./data/govpower.db")
	v.SetDefault("cache.max_entries", 100000)
	v.SetDefault("cache.power_ttl", "5m")
	v.SetDefault("cache.analytics_ttl", "10m")
	v.SetDefault("cache.prediction_ttl", "15m")
	v.SetDefault("cache.sweep_interval", "5m")

	// Snapshot defaults
	v.SetDefault("snapshot.max_retained", 100)
	v.SetDefault("snapshot.top_holders", 10)
	v.SetDefault("snapshot.interval", "15m")

	// Analytics defaults
	v.SetDefault("analytics.lorenz_points", 101)
	v.SetDefault("analytics.risk.critical_nakamoto", 1)
	v.SetDefault("analytics.risk.critical_cr1", 50.0)
	v.SetDefault("analytics.risk.high_nakamoto", 3)
	v.SetDefault("analytics.risk.high_gini", 0.8)
	v.SetDefault("analytics.risk.medium_gini", 0.6)
	v.SetDefault("analytics.risk.medium_cr10", 70.0)

	// Forecast defaults
	v.SetDefault("forecast.min_history", 10)
	v.SetDefault("forecast.window_days", 30)
	v.SetDefault("forecast.default_horizon", 30)
	v.SetDefault("forecast.confidence_floor", 0.1)
	v.SetDefault("forecast.signal_timeout", "2s")

	// Alert defaults
	v.SetDefault("alerts.telegram.bot_token", "")
	v.SetDefault("alerts.telegram.chat_id", "")
	v.SetDefault("alerts.telegram.enabled", false)
	v.SetDefault("alerts.telegram.max_retries", 3)
	v.SetDefault("alerts.telegram.retry_delay_base", "1s")
	v.SetDefault("alerts.min_risk", "high")
	v.SetDefault("alerts.cooldown", "6h")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")

	// Worker defaults
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.queue_size", 1024)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Upstream config
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if c.Upstream.MaxRetries < 1 {
		return fmt.Errorf("upstream.max_retries must be at least 1")
	}
	if c.Upstream.BlockPollInterval < 0 {
		return fmt.Errorf("upstream.block_poll_interval must not be negative")
	}

	// Validate Tracker config
	if c.Tracker.MaxHistory < 1 {
		return fmt.Errorf("tracker.max_history must be at least 1")
	}
	if c.Tracker.Shards < 1 {
		return fmt.Errorf("tracker.shards must be at least 1")
	}
	for _, a := range c.Tracker.Addresses {
		if !common.IsHexAddress(a) {
			return fmt.Errorf("tracker.addresses: %q is not a valid address", a)
		}
	}

	// Validate Cache config
	switch c.Cache.Backend {
	case "memory":
	case "sqlite":
		if c.Cache.DBPath == "" {
			return fmt.Errorf("cache.db_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("cache.backend must be one of: memory, sqlite")
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be at least 1")
	}
	if c.Cache.PowerTTL <= 0 || c.Cache.AnalyticsTTL <= 0 || c.Cache.PredictionTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}

	// Validate Snapshot config
	if c.Snapshot.MaxRetained < 1 {
		return fmt.Errorf("snapshot.max_retained must be at least 1")
	}
	if c.Snapshot.TopHolders < 1 {
		return fmt.Errorf("snapshot.top_holders must be at least 1")
	}
	if c.Snapshot.Interval < time.Minute {
		return fmt.Errorf("snapshot.interval must be at least 1 minute")
	}

	// Validate Analytics config
	if c.Analytics.LorenzPoints < 2 {
		return fmt.Errorf("analytics.lorenz_points must be at least 2")
	}
	for name, g := range map[string]float64{"high_gini": c.Analytics.Risk.HighGini, "medium_gini": c.Analytics.Risk.MediumGini} {
		if g < 0 || g > 1 {
			return fmt.Errorf("analytics.risk.%s must be between 0.0 and 1.0", name)
		}
	}

	// Validate Segments
	if _, err := segment.ParseBreakpoints(c.Segments); err != nil {
		return fmt.Errorf("segments: %w", err)
	}

	// Validate Forecast config
	if c.Forecast.MinHistory < 2 {
		return fmt.Errorf("forecast.min_history must be at least 2")
	}
	if c.Forecast.WindowDays < 1 {
		return fmt.Errorf("forecast.window_days must be at least 1")
	}
	if c.Forecast.DefaultHorizon < 1 || c.Forecast.DefaultHorizon > 365 {
		return fmt.Errorf("forecast.default_horizon must be between 1 and 365")
	}
	if c.Forecast.ConfidenceFloor < 0 || c.Forecast.ConfidenceFloor > 1 {
		return fmt.Errorf("forecast.confidence_floor must be between 0.0 and 1.0")
	}

	// Validate Alerts config
	if c.Alerts.Telegram.Enabled {
		if c.Alerts.Telegram.BotToken == "" {
			return fmt.Errorf("alerts.telegram.bot_token is required when telegram is enabled")
		}
		if c.Alerts.Telegram.ChatID == "" {
			return fmt.Errorf("alerts.telegram.chat_id is required when telegram is enabled")
		}
	}
	switch models.RiskLevel(c.Alerts.MinRisk) {
	case models.RiskLow, models.RiskMedium, models.RiskHigh, models.RiskCritical:
	default:
		return fmt.Errorf("alerts.min_risk must be one of: low, medium, high, critical")
	}
	if c.Alerts.Cooldown < 0 {
		return fmt.Errorf("alerts.cooldown must not be negative")
	}

	// Validate Metrics config
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	// Validate Workers config
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1")
	}
	if c.Workers.QueueSize < 1 {
		return fmt.Errorf("workers.queue_size must be at least 1")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
