package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment variable overrides, e.g.
// RELAY_PANEL_CACHE_DIR overrides cache.dir.
const EnvPrefix = "RELAY_PANEL"

// Config represents the complete application configuration
type Config struct {
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ArchiveConfig holds the monthly consensus archive source configuration
type ArchiveConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	UserAgent string `mapstructure:"user_agent"`
	// Timeout of zero leaves the transport default in place.
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryDelayBase  time.Duration `mapstructure:"retry_delay_base"`
	RetryMultiplier float64       `mapstructure:"retry_multiplier"`
}

// CacheConfig holds the on-disk archive cache configuration
type CacheConfig struct {
	Dir string `mapstructure:"dir"`
}

// StorageConfig holds the run ledger configuration. An empty DBPath disables the ledger.
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// An empty path skips the file and uses defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Enable environment variable override
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Archive defaults
	v.SetDefault("archive.base_url", "https://collector.torproject.org/archive/relay-descriptors/consensuses")
	v.SetDefault("archive.user_agent", "tor-relay-data/1.0 (+research use)")
	v.SetDefault("archive.timeout", "0s")
	v.SetDefault("archive.max_attempts", 1)
	v.SetDefault("archive.retry_delay_base", "1s")
	v.SetDefault("archive.retry_multiplier", 1.5)

	// Cache defaults
	v.SetDefault("cache.dir", ".cache/tor-consensuses")

	// Storage defaults
	v.SetDefault("storage.db_path", "")

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Archive config
	if c.Archive.BaseURL == "" {
		return fmt.Errorf("archive.base_url is required")
	}
	if !strings.HasPrefix(c.Archive.BaseURL, "http://") && !strings.HasPrefix(c.Archive.BaseURL, "https://") {
		return fmt.Errorf("archive.base_url must be an http(s) URL")
	}
	if c.Archive.Timeout < 0 {
		return fmt.Errorf("archive.timeout must not be negative")
	}
	if c.Archive.MaxAttempts < 1 {
		return fmt.Errorf("archive.max_attempts must be at least 1")
	}
	if c.Archive.RetryDelayBase < 0 {
		return fmt.Errorf("archive.retry_delay_base must not be negative")
	}
	if c.Archive.RetryMultiplier < 1.0 {
		return fmt.Errorf("archive.retry_multiplier must be at least 1.0")
	}

	// Validate Cache config
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
		if c.Telegram.MaxRetries < 1 {
			return fmt.Errorf("telegram.max_retries must be at least 1")
		}
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
