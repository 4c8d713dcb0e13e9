// Package config provides centralized configuration management for the kline fetcher.
// This module handles configuration loading from multiple sources (JSON or YAML files,
// environment variables), validation, and provides typed configuration structures for
// the exchange client, the fetch orchestrator and the supporting services.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-kline-fetcher/internal/models"
	"gopkg.in/yaml.v3"
)

// StartDateLayout is the dd-mm-yyyy layout used for the configured start date.
const StartDateLayout = "02-01-2006"

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Application metadata
	AppName    string `json:"app_name" yaml:"app_name"`
	Version    string `json:"version" yaml:"version"`
	ConfigPath string `json:"-" yaml:"-"`

	Exchange      ExchangeConfig      `json:"exchange" yaml:"exchange"`
	Fetch         FetchConfig         `json:"fetch" yaml:"fetch"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Schedule      ScheduleConfig      `json:"schedule" yaml:"schedule"`
	Journal       JournalConfig       `json:"journal" yaml:"journal"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	Metrics       MetricsConfig       `json:"metrics" yaml:"metrics"`
	ErrorHandling ErrorHandlingConfig `json:"error_handling" yaml:"error_handling"`
}

// ExchangeConfig configures the exchange client
type ExchangeConfig struct {
	BaseURL           string `json:"base_url" yaml:"base_url"`                       // REST endpoint root
	APIKey            string `json:"api_key" yaml:"api_key"`                         // Optional API key sent as X-MBX-APIKEY
	APISecret         string `json:"api_secret" yaml:"api_secret"`                   // Kept for parity with the provider credentials
	Timeout           string `json:"timeout" yaml:"timeout"`                         // HTTP request timeout
	RequestsPerSecond int    `json:"requests_per_second" yaml:"requests_per_second"` // Local request limiter
	WeightLimit       int    `json:"weight_limit" yaml:"weight_limit"`               // Provider weight ceiling per minute
}

// FetchConfig configures what is fetched and how the rate budget is spent
type FetchConfig struct {
	BaseCurrencies    []string          `json:"base_currencies" yaml:"base_currencies"`
	Interval          string            `json:"interval" yaml:"interval"`
	StartDate         string            `json:"start_date" yaml:"start_date"` // dd-mm-yyyy
	CanaryTickers     map[string]string `json:"canary_tickers" yaml:"canary_tickers"`
	DeprecatedTickers []string          `json:"deprecated_tickers" yaml:"deprecated_tickers"`
	SafetyFactor      float64           `json:"safety_factor" yaml:"safety_factor"`
	SessionOverhead   int               `json:"session_overhead" yaml:"session_overhead"`
	ThrottleMargin    string            `json:"throttle_margin" yaml:"throttle_margin"`
	DryRun            bool              `json:"dry_run" yaml:"dry_run"`
}

// StorageConfig configures where series files live
type StorageConfig struct {
	BasePath string `json:"base_path" yaml:"base_path"`
}

// ScheduleConfig configures the periodic update daemon
type ScheduleConfig struct {
	Cron       string `json:"cron" yaml:"cron"` // 6-field spec with seconds
	RunOnStart bool   `json:"run_on_start" yaml:"run_on_start"`
}

// JournalConfig configures the run journal
type JournalConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level"`             // Log level: debug, info, warn, error
	Format        string            `json:"format" yaml:"format"`           // Log format: json, text
	Output        string            `json:"output" yaml:"output"`           // Output: stdout, stderr, file
	FilePath      string            `json:"file_path" yaml:"file_path"`     // Log file path
	MaxSize       int               `json:"max_size" yaml:"max_size"`       // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups" yaml:"max_backups"` // Maximum log file backups
	MaxAge        int               `json:"max_age" yaml:"max_age"`         // Maximum log file age in days
	Compress      bool              `json:"compress" yaml:"compress"`       // Compress old log files
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// ErrorHandlingConfig configures retry policies per operation
type ErrorHandlingConfig struct {
	LatestOpenTime RetryPolicyConfig `json:"latest_open_time" yaml:"latest_open_time"`
	Historical     RetryPolicyConfig `json:"historical" yaml:"historical"`
}

// RetryPolicyConfig configures retry behavior
type RetryPolicyConfig struct {
	MaxAttempts     int      `json:"max_attempts" yaml:"max_attempts"`         // Attempt ceiling, first call included
	InitialDelay    string   `json:"initial_delay" yaml:"initial_delay"`       // Initial delay between retries
	MaxDelay        string   `json:"max_delay" yaml:"max_delay"`               // Maximum delay between retries
	Multiplier      float64  `json:"multiplier" yaml:"multiplier"`             // Geometric growth per retry
	RetryableErrors []string `json:"retryable_errors" yaml:"retryable_errors"` // Error types that are retried
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		logger:     logger,
	}
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()
	config.ConfigPath = cm.configPath

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Debug("configuration loaded successfully",
		"config_path", cm.configPath,
		"base_currencies", config.Fetch.BaseCurrencies,
		"interval", config.Fetch.Interval,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile loads configuration from a JSON or YAML file
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadFromEnv loads configuration from OHLCV_* environment variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	if val := os.Getenv("OHLCV_BASE_URL"); val != "" {
		config.Exchange.BaseURL = val
	}
	if val := os.Getenv("OHLCV_API_KEY"); val != "" {
		config.Exchange.APIKey = val
	}
	if val := os.Getenv("OHLCV_API_SECRET"); val != "" {
		config.Exchange.APISecret = val
	}
	if val := os.Getenv("OHLCV_HTTP_TIMEOUT"); val != "" {
		config.Exchange.Timeout = val
	}
	if val := os.Getenv("OHLCV_WEIGHT_LIMIT"); val != "" {
		limit, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid OHLCV_WEIGHT_LIMIT: %w", err)
		}
		config.Exchange.WeightLimit = limit
	}

	if val := os.Getenv("OHLCV_BASE_CURRENCIES"); val != "" {
		config.Fetch.BaseCurrencies = splitList(val)
	}
	if val := os.Getenv("OHLCV_INTERVAL"); val != "" {
		config.Fetch.Interval = val
	}
	if val := os.Getenv("OHLCV_START_DATE"); val != "" {
		config.Fetch.StartDate = val
	}
	if val := os.Getenv("OHLCV_DEPRECATED_TICKERS"); val != "" {
		config.Fetch.DeprecatedTickers = splitList(val)
	}
	if val := os.Getenv("OHLCV_DRY_RUN"); val != "" {
		config.Fetch.DryRun = val == "true"
	}

	if val := os.Getenv("OHLCV_BASE_PATH"); val != "" {
		config.Storage.BasePath = val
	}
	if val := os.Getenv("OHLCV_SCHEDULE"); val != "" {
		config.Schedule.Cron = val
	}
	if val := os.Getenv("OHLCV_JOURNAL_PATH"); val != "" {
		config.Journal.Enabled = true
		config.Journal.Path = val
	}

	if val := os.Getenv("OHLCV_LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("OHLCV_LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("OHLCV_LOG_OUTPUT"); val != "" {
		config.Logging.Output = val
	}
	if val := os.Getenv("OHLCV_LOG_FILE_PATH"); val != "" {
		config.Logging.FilePath = val
	}

	if val := os.Getenv("OHLCV_METRICS_ENABLED"); val != "" {
		config.Metrics.Enabled = val == "true"
	}
	if val := os.Getenv("OHLCV_METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid OHLCV_METRICS_PORT: %w", err)
		}
		config.Metrics.Port = port
	}

	return nil
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errors []string

	if config.Exchange.BaseURL == "" {
		errors = append(errors, "exchange.base_url is required")
	}
	if _, err := time.ParseDuration(config.Exchange.Timeout); err != nil {
		errors = append(errors, fmt.Sprintf("exchange.timeout is not a valid duration: %v", err))
	}
	if config.Exchange.WeightLimit <= 0 {
		errors = append(errors, "exchange.weight_limit must be greater than 0")
	}
	if config.Exchange.RequestsPerSecond <= 0 {
		errors = append(errors, "exchange.requests_per_second must be greater than 0")
	}

	if len(config.Fetch.BaseCurrencies) == 0 {
		errors = append(errors, "fetch.base_currencies must not be empty")
	}
	if _, err := models.IntervalDuration(config.Fetch.Interval); err != nil {
		errors = append(errors, fmt.Sprintf("fetch.interval %q is not supported", config.Fetch.Interval))
	}
	if _, err := time.Parse(StartDateLayout, config.Fetch.StartDate); err != nil {
		errors = append(errors, "fetch.start_date must use the dd-mm-yyyy format")
	}
	if config.Fetch.SafetyFactor <= 0 || config.Fetch.SafetyFactor > 1 {
		errors = append(errors, "fetch.safety_factor must be in (0, 1]")
	}
	if config.Fetch.SessionOverhead < 0 {
		errors = append(errors, "fetch.session_overhead must not be negative")
	}
	if _, err := time.ParseDuration(config.Fetch.ThrottleMargin); err != nil {
		errors = append(errors, fmt.Sprintf("fetch.throttle_margin is not a valid duration: %v", err))
	}

	if config.Storage.BasePath == "" {
		errors = append(errors, "storage.base_path is required")
	}
	if config.Journal.Enabled && config.Journal.Path == "" {
		errors = append(errors, "journal.path is required when the journal is enabled")
	}

	for name, policy := range map[string]RetryPolicyConfig{
		"latest_open_time": config.ErrorHandling.LatestOpenTime,
		"historical":       config.ErrorHandling.Historical,
	} {
		if policy.MaxAttempts <= 0 {
			errors = append(errors, fmt.Sprintf("error_handling.%s.max_attempts must be greater than 0", name))
		}
		if _, err := time.ParseDuration(policy.InitialDelay); err != nil {
			errors = append(errors, fmt.Sprintf("error_handling.%s.initial_delay is not a valid duration", name))
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errors = append(errors, "logging.level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}

	if config.Metrics.Enabled {
		if config.Metrics.Port <= 0 || config.Metrics.Port > 65535 {
			errors = append(errors, "metrics.port must be between 1 and 65535")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "kline-fetcher",
		Version: "1.0.0",
		Exchange: ExchangeConfig{
			BaseURL:           "https://api.binance.com",
			Timeout:           "30s",
			RequestsPerSecond: 20,
			WeightLimit:       1200,
		},
		Fetch: FetchConfig{
			BaseCurrencies: []string{"BTC"},
			Interval:       "5m",
			StartDate:      "01-01-2020",
			CanaryTickers: map[string]string{
				"BTC":  "ETH",
				"USDT": "BTC",
			},
			DeprecatedTickers: []string{
				"BCC", "BCHABC", "BCHSV", "HSR", "VEN", "NPXS", "ERD",
				"LEND", "MITH", "STORM", "STRAT", "BTCST", "SRM",
			},
			SafetyFactor:    0.8,
			SessionOverhead: 2,
			ThrottleMargin:  "2s",
		},
		Storage: StorageConfig{
			BasePath: "data/",
		},
		Schedule: ScheduleConfig{
			Cron: "0 */15 * * * *",
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    "data/journal.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
			ContextFields: map[string]string{
				"service": "kline-fetcher",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
		ErrorHandling: ErrorHandlingConfig{
			LatestOpenTime: RetryPolicyConfig{
				MaxAttempts:     3,
				InitialDelay:    "500ms",
				MaxDelay:        "10s",
				Multiplier:      2.0,
				RetryableErrors: []string{"transient"},
			},
			Historical: RetryPolicyConfig{
				MaxAttempts:     5,
				InitialDelay:    "1s",
				MaxDelay:        "30s",
				Multiplier:      2.0,
				RetryableErrors: []string{"transient", "rate_limit"},
			},
		},
	}
}

// StartTime parses the configured start date as a UTC midnight.
func (f FetchConfig) StartTime() (time.Time, error) {
	return time.ParseInLocation(StartDateLayout, f.StartDate, time.UTC)
}

// ThrottleMarginDuration returns the parsed inter-batch safety margin.
func (f FetchConfig) ThrottleMarginDuration() time.Duration {
	d, err := time.ParseDuration(f.ThrottleMargin)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// TimeoutDuration returns the parsed HTTP timeout.
func (e ExchangeConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(e.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// String returns a string representation of the configuration (excluding sensitive data)
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Exchange.APIKey != "" {
		sanitized.Exchange.APIKey = "[REDACTED]"
	}
	if sanitized.Exchange.APISecret != "" {
		sanitized.Exchange.APISecret = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
