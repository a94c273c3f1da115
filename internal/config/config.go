package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rewired-gh/polysignal/internal/models"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. POLYSIGNAL_REASONING_API_KEY.
const EnvPrefix = "POLYSIGNAL"

// Config represents the complete application configuration
type Config struct {
	Cycle      CycleConfig      `mapstructure:"cycle"`
	News       NewsConfig       `mapstructure:"news"`
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
	Reasoning  ReasoningConfig  `mapstructure:"reasoning"`
	Detector   DetectorConfig   `mapstructure:"detector"`
	State      StateConfig      `mapstructure:"state"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	API        APIConfig        `mapstructure:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// CycleConfig paces the detection loop and bounds the work per cycle.
type CycleConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	MaxCycles          int           `mapstructure:"max_cycles"`
	MaxNewsPerCycle    int           `mapstructure:"max_news_per_cycle"`
	MaxMarketsPerCycle int           `mapstructure:"max_markets_per_cycle"`
	MaxPriceFetches    int           `mapstructure:"max_price_fetches"`
	SearchQueries      []string      `mapstructure:"search_queries"`
}

// NewsConfig holds news source configuration
type NewsConfig struct {
	Brave            BraveConfig   `mapstructure:"brave"`
	MaxResults       int           `mapstructure:"max_results"`
	Freshness        string        `mapstructure:"freshness"`
	MaxAgeDays       int           `mapstructure:"max_age_days"`
	Feeds            []string      `mapstructure:"feeds"`
	EnrichContent    bool          `mapstructure:"enrich_content"`
	EnrichTimeout    time.Duration `mapstructure:"enrich_timeout"`
	EnrichMinSummary int           `mapstructure:"enrich_min_summary"`
}

// BraveConfig holds Brave News Search API configuration
type BraveConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	RateLimit int           `mapstructure:"rate_limit"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// PolymarketConfig holds Polymarket API configuration
type PolymarketConfig struct {
	GammaAPIURL string        `mapstructure:"gamma_api_url"`
	ClobAPIURL  string        `mapstructure:"clob_api_url"`
	RateLimit   int           `mapstructure:"rate_limit"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	MarketLimit int           `mapstructure:"market_limit"`
}

// ReasoningConfig selects and tunes the generative model.
type ReasoningConfig struct {
	Provider       string        `mapstructure:"provider"`
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	BaseURL        string        `mapstructure:"base_url"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Timeout        time.Duration `mapstructure:"timeout"`
	CallsPerWindow int           `mapstructure:"calls_per_window"`
	Window         time.Duration `mapstructure:"window"`
}

// DetectorConfig holds opportunity thresholds.
type DetectorConfig struct {
	ConfidenceThreshold   float64 `mapstructure:"confidence_threshold"`
	MinProfitMargin       float64 `mapstructure:"min_profit_margin"`
	InvestigateConfidence float64 `mapstructure:"investigate_confidence"`
}

// StateConfig bounds in-memory history and locates the heartbeat file.
type StateConfig struct {
	MaxAlerts         int           `mapstructure:"max_alerts"`
	MaxCycles         int           `mapstructure:"max_cycles"`
	HeartbeatPath     string        `mapstructure:"heartbeat_path"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	BotToken          string        `mapstructure:"bot_token"`
	AdminChatID       string        `mapstructure:"admin_chat_id"`
	MinSeverity       string        `mapstructure:"min_severity"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelayBase    time.Duration `mapstructure:"retry_delay_base"`
	MessagesPerSecond float64       `mapstructure:"messages_per_second"`
}

// APIConfig holds the HTTP status API configuration
type APIConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	AlertPollInterval time.Duration `mapstructure:"alert_poll_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from defaults, an optional YAML file and
// environment variables, in that order of precedence. An empty path skips
// the file.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options.
// Every key needs a default so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("cycle.interval", "60s")
	v.SetDefault("cycle.max_cycles", 0)
	v.SetDefault("cycle.max_news_per_cycle", 5)
	v.SetDefault("cycle.max_markets_per_cycle", 10)
	v.SetDefault("cycle.max_price_fetches", 50)
	v.SetDefault("cycle.search_queries", []string{"breaking news politics"})

	v.SetDefault("news.brave.api_key", "")
	v.SetDefault("news.brave.base_url", "https://api.search.brave.com/res/v1")
	v.SetDefault("news.brave.rate_limit", 1)
	v.SetDefault("news.brave.timeout", "30s")
	v.SetDefault("news.max_results", 10)
	v.SetDefault("news.freshness", "pd")
	v.SetDefault("news.max_age_days", 7)
	v.SetDefault("news.feeds", []string{})
	v.SetDefault("news.enrich_content", false)
	v.SetDefault("news.enrich_timeout", "15s")
	v.SetDefault("news.enrich_min_summary", 200)

	v.SetDefault("polymarket.gamma_api_url", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.clob_api_url", "https://clob.polymarket.com")
	v.SetDefault("polymarket.rate_limit", 10)
	v.SetDefault("polymarket.timeout", "30s")
	v.SetDefault("polymarket.max_attempts", 3)
	v.SetDefault("polymarket.market_limit", 100)

	v.SetDefault("reasoning.provider", "gemini")
	v.SetDefault("reasoning.api_key", "")
	v.SetDefault("reasoning.model", "gemini-2.5-flash")
	v.SetDefault("reasoning.base_url", "")
	v.SetDefault("reasoning.temperature", 0.7)
	v.SetDefault("reasoning.max_tokens", 500)
	v.SetDefault("reasoning.timeout", "30s")
	v.SetDefault("reasoning.calls_per_window", 10)
	v.SetDefault("reasoning.window", "60s")

	v.SetDefault("detector.confidence_threshold", 0.7)
	v.SetDefault("detector.min_profit_margin", 0.05)
	v.SetDefault("detector.investigate_confidence", 0.8)

	v.SetDefault("state.max_alerts", 1000)
	v.SetDefault("state.max_cycles", 100)
	v.SetDefault("state.heartbeat_path", "./data/worker_heartbeat.json")
	v.SetDefault("state.stale_after", "30s")
	v.SetDefault("state.heartbeat_interval", "10s")

	v.SetDefault("storage.db_path", "./data/polysignal.db")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.admin_chat_id", "")
	v.SetDefault("telegram.min_severity", "WARNING")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")
	v.SetDefault("telegram.messages_per_second", 25)

	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.alert_poll_interval", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
}

var validProviders = map[string]bool{"gemini": true, "anthropic": true, "openai": true}

var validFreshness = map[string]bool{"pd": true, "pw": true, "pm": true, "py": true}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Cycle
	if c.Cycle.Interval < time.Second {
		return fmt.Errorf("cycle.interval must be at least 1 second")
	}
	if c.Cycle.MaxCycles < 0 {
		return fmt.Errorf("cycle.max_cycles must not be negative")
	}
	if c.Cycle.MaxNewsPerCycle < 1 {
		return fmt.Errorf("cycle.max_news_per_cycle must be at least 1")
	}
	if c.Cycle.MaxMarketsPerCycle < 1 {
		return fmt.Errorf("cycle.max_markets_per_cycle must be at least 1")
	}
	if c.Cycle.MaxPriceFetches < 1 {
		return fmt.Errorf("cycle.max_price_fetches must be at least 1")
	}
	if len(c.Cycle.SearchQueries) == 0 {
		return fmt.Errorf("cycle.search_queries must contain at least one query")
	}
	for _, q := range c.Cycle.SearchQueries {
		if strings.TrimSpace(q) == "" {
			return fmt.Errorf("cycle.search_queries must not contain empty queries")
		}
	}

	// News
	if c.News.Brave.APIKey == "" && len(c.News.Feeds) == 0 {
		return fmt.Errorf("news.brave.api_key or news.feeds must be set")
	}
	if c.News.Brave.APIKey != "" {
		if c.News.Brave.BaseURL == "" {
			return fmt.Errorf("news.brave.base_url is required")
		}
		if c.News.Brave.RateLimit < 1 {
			return fmt.Errorf("news.brave.rate_limit must be at least 1")
		}
	}
	if c.News.MaxResults < 1 || c.News.MaxResults > 50 {
		return fmt.Errorf("news.max_results must be between 1 and 50")
	}
	if !validFreshness[strings.ToLower(c.News.Freshness)] {
		return fmt.Errorf("news.freshness must be one of: pd, pw, pm, py")
	}
	if c.News.MaxAgeDays < 1 {
		return fmt.Errorf("news.max_age_days must be at least 1")
	}
	if c.News.EnrichContent && c.News.EnrichTimeout <= 0 {
		return fmt.Errorf("news.enrich_timeout must be positive when enrichment is enabled")
	}

	// Polymarket
	if c.Polymarket.GammaAPIURL == "" {
		return fmt.Errorf("polymarket.gamma_api_url is required")
	}
	if c.Polymarket.ClobAPIURL == "" {
		return fmt.Errorf("polymarket.clob_api_url is required")
	}
	if c.Polymarket.RateLimit < 1 {
		return fmt.Errorf("polymarket.rate_limit must be at least 1")
	}
	if c.Polymarket.MaxAttempts < 1 {
		return fmt.Errorf("polymarket.max_attempts must be at least 1")
	}
	if c.Polymarket.MarketLimit < 1 {
		return fmt.Errorf("polymarket.market_limit must be at least 1")
	}

	// Reasoning
	if !validProviders[strings.ToLower(c.Reasoning.Provider)] {
		return fmt.Errorf("reasoning.provider must be one of: gemini, anthropic, openai")
	}
	if c.Reasoning.Temperature < 0 || c.Reasoning.Temperature > 2 {
		return fmt.Errorf("reasoning.temperature must be between 0.0 and 2.0")
	}
	if c.Reasoning.MaxTokens < 1 {
		return fmt.Errorf("reasoning.max_tokens must be at least 1")
	}
	if c.Reasoning.Timeout <= 0 {
		return fmt.Errorf("reasoning.timeout must be positive")
	}
	if c.Reasoning.CallsPerWindow < 1 {
		return fmt.Errorf("reasoning.calls_per_window must be at least 1")
	}
	if c.Reasoning.Window < time.Second {
		return fmt.Errorf("reasoning.window must be at least 1 second")
	}

	// Detector
	if !inUnit(c.Detector.ConfidenceThreshold) {
		return fmt.Errorf("detector.confidence_threshold must be between 0.0 and 1.0")
	}
	if !inUnit(c.Detector.MinProfitMargin) {
		return fmt.Errorf("detector.min_profit_margin must be between 0.0 and 1.0")
	}
	if !inUnit(c.Detector.InvestigateConfidence) {
		return fmt.Errorf("detector.investigate_confidence must be between 0.0 and 1.0")
	}

	// State
	if c.State.MaxAlerts < 1 {
		return fmt.Errorf("state.max_alerts must be at least 1")
	}
	if c.State.MaxCycles < 1 {
		return fmt.Errorf("state.max_cycles must be at least 1")
	}
	if c.State.HeartbeatPath == "" {
		return fmt.Errorf("state.heartbeat_path is required")
	}
	if c.State.HeartbeatInterval <= 0 {
		return fmt.Errorf("state.heartbeat_interval must be positive")
	}
	if c.State.StaleAfter <= c.State.HeartbeatInterval {
		return fmt.Errorf("state.stale_after must be longer than state.heartbeat_interval")
	}

	// Storage
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}

	// Telegram
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if _, err := models.ParseSeverity(c.Telegram.MinSeverity); err != nil {
			return fmt.Errorf("telegram.min_severity must be one of: INFO, WARNING, CRITICAL")
		}
		if c.Telegram.MaxRetries < 1 {
			return fmt.Errorf("telegram.max_retries must be at least 1")
		}
		if c.Telegram.MessagesPerSecond <= 0 {
			return fmt.Errorf("telegram.messages_per_second must be positive")
		}
	}

	// API
	if c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required")
	}
	if c.API.AlertPollInterval <= 0 {
		return fmt.Errorf("api.alert_poll_interval must be positive")
	}

	// Logging
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

// ValidateForAPI checks only what the read-only API process needs. It does not
// search news, so neither a Brave key nor feeds are required.
func (c *Config) ValidateForAPI() error {
	if c.State.HeartbeatPath == "" {
		return fmt.Errorf("state.heartbeat_path is required")
	}
	if c.State.StaleAfter <= 0 {
		return fmt.Errorf("state.stale_after must be positive")
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required")
	}
	if c.API.AlertPollInterval <= 0 {
		return fmt.Errorf("api.alert_poll_interval must be positive")
	}
	return nil
}

func inUnit(v float64) bool { return v >= 0 && v <= 1 }

// ParsedMinSeverity returns the telegram severity gate, WARNING if unset or invalid.
func (t TelegramConfig) ParsedMinSeverity() models.Severity {
	sev, err := models.ParseSeverity(t.MinSeverity)
	if err != nil {
		return models.SeverityWarning
	}
	return sev
}
