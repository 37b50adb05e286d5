package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"offlinequeue/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Remote       RemoteConfig       `yaml:"remote"`
	Sync         SyncConfig         `yaml:"sync"`
	Retention    RetentionConfig    `yaml:"retention"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Backup       BackupConfig       `yaml:"backup"`
	API          APIConfig          `yaml:"api"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type RedisConfig struct {
	Address       string `yaml:"address"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	PoolSize      int    `yaml:"pool_size"`
	DeadLetterKey string `yaml:"dead_letter_key"`
}

type RemoteConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

type SyncConfig struct {
	ApplyTimeout   string      `yaml:"apply_timeout"`
	RateLimitRPS   float64     `yaml:"rate_limit_rps"`
	RateLimitBurst int         `yaml:"rate_limit_burst"`
	Retry          RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	InitialDelay  string  `yaml:"initial_delay"`
	MaxDelay      string  `yaml:"max_delay"`
	BackoffFactor float64 `yaml:"backoff_factor"`
}

type RetentionConfig struct {
	Horizon    string `yaml:"horizon"`
	MaxRetries int    `yaml:"max_retries"`
	Interval   string `yaml:"interval"`
}

type ConnectivityConfig struct {
	StateFile   string `yaml:"state_file"`
	Debounce    string `yaml:"debounce"`
	FireOnStart bool   `yaml:"fire_on_start"`
	StartOnline bool   `yaml:"start_online"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Port int `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// Load reads the YAML config, expanding ${VAR} references from the environment
// and an optional .env file next to the working directory.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse decodes raw YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database path is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Retention.MaxRetries <= 0 {
		return errors.New("retention.max_retries must be positive")
	}

	durations := map[string]string{
		"remote.timeout":           c.Remote.Timeout,
		"sync.apply_timeout":       c.Sync.ApplyTimeout,
		"sync.retry.initial_delay": c.Sync.Retry.InitialDelay,
		"sync.retry.max_delay":     c.Sync.Retry.MaxDelay,
		"retention.horizon":        c.Retention.Horizon,
		"retention.interval":       c.Retention.Interval,
		"connectivity.debounce":    c.Connectivity.Debounce,
	}
	for key, raw := range durations {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}

	if c.Remote.BaseURL != "" && !strings.HasPrefix(c.Remote.BaseURL, "http://") && !strings.HasPrefix(c.Remote.BaseURL, "https://") {
		return fmt.Errorf("remote.base_url must be an http(s) URL")
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "offlinequeue"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Redis.DeadLetterKey == "" {
		c.Redis.DeadLetterKey = "offlinequeue:deadletter"
	}
	if c.Remote.Timeout == "" {
		c.Remote.Timeout = "10s"
	}

	if c.Sync.ApplyTimeout == "" {
		c.Sync.ApplyTimeout = models.DefaultApplyTimeout.String()
	}
	if c.Sync.RateLimitRPS > 0 && c.Sync.RateLimitBurst <= 0 {
		c.Sync.RateLimitBurst = 1
	}
	if c.Sync.Retry.InitialDelay == "" {
		c.Sync.Retry.InitialDelay = "2s"
	}
	if c.Sync.Retry.MaxDelay == "" {
		c.Sync.Retry.MaxDelay = "1m"
	}
	if c.Sync.Retry.BackoffFactor == 0 {
		c.Sync.Retry.BackoffFactor = 2
	}

	if c.Retention.Horizon == "" {
		c.Retention.Horizon = models.DefaultRetentionHorizon.String()
	}
	if c.Retention.MaxRetries == 0 {
		c.Retention.MaxRetries = models.DefaultMaxRetries
	}
	if c.Retention.Interval == "" {
		c.Retention.Interval = models.DefaultCleanupInterval.String()
	}

	if c.Connectivity.Debounce == "" {
		c.Connectivity.Debounce = models.DefaultDebounce.String()
	}

	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}

	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}

// Duration parses a validated duration field. Invalid values fall back to def.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
