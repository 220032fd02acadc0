package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// VolumeType selects which candles feed the trailing volume average.
type VolumeType string

const (
	VolumeTypeLong  VolumeType = "long"  // bullish candles only
	VolumeTypeShort VolumeType = "short" // bearish candles only
	VolumeTypeAll   VolumeType = "all"
)

type Config struct {
	BybitConfig        BybitConfig        `json:"bybit"`
	SignalConfig       SignalConfig       `json:"signals"`
	TimeSyncConfig     TimeSyncConfig     `json:"time_sync"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	ServerConfig       ServerConfig       `json:"server"`
	NotificationConfig NotificationConfig `json:"notification"`
	LoggingConfig      LoggingConfig      `json:"logging"`
}

// BybitConfig holds the exchange endpoints and stream pacing knobs.
type BybitConfig struct {
	RESTBaseURL        string `json:"rest_base_url"`
	WSBaseURL          string `json:"ws_base_url"`
	Category           string `json:"category"`             // "linear" for USDT perpetuals
	SubscribeBatchSize int    `json:"subscribe_batch_size"` // max symbols per subscribe op
	SubscribeBatchMs   int    `json:"subscribe_batch_ms"`   // pacing between batches
	BackfillSymbolMs   int    `json:"backfill_symbol_ms"`   // pacing between historical loads
	IdleTimeoutSec     int    `json:"idle_timeout_sec"`     // stream teardown threshold
	ReconnectDelaySec  int    `json:"reconnect_delay_sec"`
	PingIntervalSec    int    `json:"ping_interval_sec"`
}

// SignalConfig holds the detector tunables. This subset is hot-reloadable:
// an updated copy is published through Store and picked up on the next
// handler call.
type SignalConfig struct {
	AnalysisHours            int        `json:"analysis_hours"`
	OffsetMinutes            int        `json:"offset_minutes"`
	VolumeMultiplier         float64    `json:"volume_multiplier"`
	MinVolumeQuote           float64    `json:"min_volume_quote"`
	ConsecutiveLongCount     int        `json:"consecutive_long_count"`
	AlertGroupingMinutes     int        `json:"alert_grouping_minutes"`
	DataRetentionHours       int        `json:"data_retention_hours"`
	UpdateIntervalSeconds    int        `json:"update_interval_seconds"`
	VolumeType               VolumeType `json:"volume_type"`
	ImbalanceEnabled         bool       `json:"imbalance_enabled"`
	FVGEnabled               bool       `json:"fvg_enabled"`
	OrderBlockEnabled        bool       `json:"order_block_enabled"`
	BreakerBlockEnabled      bool       `json:"breaker_block_enabled"`
	OrderbookSnapshotOnAlert bool       `json:"orderbook_snapshot_on_alert"`
	VolumeAlertsEnabled      bool       `json:"volume_alerts_enabled"`
	ConsecutiveAlertsEnabled bool       `json:"consecutive_alerts_enabled"`
	PriorityAlertsEnabled    bool       `json:"priority_alerts_enabled"`

	// Imbalance thresholds
	MinGapPercent         float64 `json:"min_gap_percent"`
	OrderBlockMovePercent float64 `json:"order_block_move_percent"`
	BreakerMovePercent    float64 `json:"breaker_move_percent"`
}

// TimeSyncConfig configures the two-level time synchronization.
type TimeSyncConfig struct {
	ExternalURLs        []string `json:"external_urls"`         // NTP-like HTTP time endpoints, tried in order
	ExternalIntervalMin int      `json:"external_interval_min"` // external re-sync cadence
	ExchangeIntervalMin int      `json:"exchange_interval_min"` // exchange re-sync cadence
	RequestTimeoutSec   int      `json:"request_timeout_sec"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
	Channel  string `json:"channel"` // alert broadcast channel
}

type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // JSON lines vs console writer
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BybitConfig: BybitConfig{
			RESTBaseURL:        "https://api.bybit.com",
			WSBaseURL:          "wss://stream.bybit.com/v5/public/linear",
			Category:           "linear",
			SubscribeBatchSize: 50,
			SubscribeBatchMs:   500,
			BackfillSymbolMs:   100,
			IdleTimeoutSec:     120,
			ReconnectDelaySec:  5,
			PingIntervalSec:    20,
		},
		SignalConfig: SignalConfig{
			AnalysisHours:            1,
			OffsetMinutes:            0,
			VolumeMultiplier:         2.0,
			MinVolumeQuote:           1000,
			ConsecutiveLongCount:     5,
			AlertGroupingMinutes:     5,
			DataRetentionHours:       2,
			UpdateIntervalSeconds:    1,
			VolumeType:               VolumeTypeLong,
			ImbalanceEnabled:         true,
			FVGEnabled:               true,
			OrderBlockEnabled:        true,
			BreakerBlockEnabled:      true,
			OrderbookSnapshotOnAlert: false,
			VolumeAlertsEnabled:      true,
			ConsecutiveAlertsEnabled: true,
			PriorityAlertsEnabled:    true,
			MinGapPercent:            0.1,
			OrderBlockMovePercent:    2.0,
			BreakerMovePercent:       1.0,
		},
		TimeSyncConfig: TimeSyncConfig{
			ExternalURLs: []string{
				"https://worldtimeapi.org/api/timezone/Etc/UTC",
			},
			ExternalIntervalMin: 60,
			ExchangeIntervalMin: 5,
			RequestTimeoutSec:   5,
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "alert_bot",
			Password: "alert_bot_password",
			Database: "alert_bot",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Enabled:  false,
			Address:  "localhost:6379",
			PoolSize: 10,
			Channel:  "alerts.stream",
		},
		ServerConfig: ServerConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8085,
		},
		LoggingConfig: LoggingConfig{
			Level:      "info",
			Output:     "stdout",
			JSONFormat: true,
		},
	}
}

// Load reads configuration from config.json (when present), applies
// environment overrides, and validates the result.
func Load() (*Config, error) {
	cfg := Default()

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.json"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true" || v == "1"
	}

	cfg.BybitConfig.RESTBaseURL = getEnvOrDefault("BYBIT_REST_URL", cfg.BybitConfig.RESTBaseURL)
	cfg.BybitConfig.WSBaseURL = getEnvOrDefault("BYBIT_WS_URL", cfg.BybitConfig.WSBaseURL)

	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)

	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)

	if v := os.Getenv("VOLUME_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SignalConfig.VolumeMultiplier = f
		}
	}
	if v := os.Getenv("VOLUME_TYPE"); v != "" {
		cfg.SignalConfig.VolumeType = VolumeType(strings.ToLower(v))
	}
	cfg.SignalConfig.ConsecutiveLongCount = getEnvIntOrDefault("CONSECUTIVE_LONG_COUNT", cfg.SignalConfig.ConsecutiveLongCount)
}

// Validate fails fast on settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if err := c.SignalConfig.Validate(); err != nil {
		return err
	}
	if c.BybitConfig.SubscribeBatchSize <= 0 || c.BybitConfig.SubscribeBatchSize > 50 {
		return fmt.Errorf("subscribe_batch_size must be in (0, 50], got %d", c.BybitConfig.SubscribeBatchSize)
	}
	if len(c.TimeSyncConfig.ExternalURLs) == 0 {
		return fmt.Errorf("time_sync.external_urls must list at least one endpoint")
	}
	return nil
}

// Validate checks the detector tunables. It is also run when a new
// snapshot is published at runtime.
func (c *SignalConfig) Validate() error {
	if c.VolumeMultiplier <= 0 {
		return fmt.Errorf("volume_multiplier must be positive, got %v", c.VolumeMultiplier)
	}
	if c.MinVolumeQuote < 0 {
		return fmt.Errorf("min_volume_quote must be non-negative, got %v", c.MinVolumeQuote)
	}
	if c.ConsecutiveLongCount < 1 {
		return fmt.Errorf("consecutive_long_count must be at least 1, got %d", c.ConsecutiveLongCount)
	}
	if c.AnalysisHours < 1 {
		return fmt.Errorf("analysis_hours must be at least 1, got %d", c.AnalysisHours)
	}
	if c.OffsetMinutes < 0 {
		return fmt.Errorf("offset_minutes must be non-negative, got %d", c.OffsetMinutes)
	}
	if c.DataRetentionHours < 1 {
		return fmt.Errorf("data_retention_hours must be at least 1, got %d", c.DataRetentionHours)
	}
	switch c.VolumeType {
	case VolumeTypeLong, VolumeTypeShort, VolumeTypeAll:
	default:
		return fmt.Errorf("unknown volume_type %q", c.VolumeType)
	}
	if c.MinGapPercent < 0 || c.OrderBlockMovePercent < 0 || c.BreakerMovePercent < 0 {
		return fmt.Errorf("imbalance thresholds must be non-negative")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes a sample configuration file with defaults.
func GenerateSampleConfig(filename string) error {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
