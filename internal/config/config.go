package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/redis/go-redis/v9"

	"github.com/livinlefevreloca/aapsync/internal/connector"
	"github.com/livinlefevreloca/aapsync/internal/db"
	"github.com/livinlefevreloca/aapsync/internal/metrics"
	"github.com/livinlefevreloca/aapsync/internal/scheduler"
	"github.com/livinlefevreloca/aapsync/internal/taskrunner"
)

// Config represents the application configuration
type Config struct {
	Database  db.Config         `toml:"database"`
	Redis     RedisConfig       `toml:"redis"`
	Scheduler scheduler.Config  `toml:"scheduler"`
	Worker    taskrunner.Config `toml:"worker"`
	Connector connector.Config  `toml:"connector"`
	Metrics   metrics.Config    `toml:"metrics"`
	Logging   LoggingConfig     `toml:"logging"`
}

// RedisConfig holds the broker connection settings
type RedisConfig struct {
	URL string `toml:"url"`
	// Namespace prefixes every key: queues, cancel flags, metrics, locks
	Namespace string `toml:"namespace"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: db.Config{
			Driver:          db.DriverSQLite,
			DSN:             "aapsync.db?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL&_foreign_keys=on",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			SkipMigrations:  false,
		},
		Redis: RedisConfig{
			URL:       "redis://localhost:6379/0",
			Namespace: "aapsync",
		},
		Scheduler: scheduler.DefaultConfig(),
		Worker:    taskrunner.DefaultConfig(),
		Connector: connector.DefaultConfig(),
		Metrics:   metrics.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	meta, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}

	config.derive()
	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		config := DefaultConfig()
		config.derive()
		return config, nil
	}
	return LoadFromFile(configPath)
}

// derive fills settings computed from other sections
func (c *Config) derive() {
	if c.Worker.Instance == "" {
		if host, err := os.Hostname(); err == nil {
			c.Worker.Instance = host
		}
	}
	c.Worker.CacheTimeout = c.Scheduler.CacheTimeout
	c.Metrics.Namespace = c.Redis.Namespace
}

// Validate checks every section and reports all problems
func (c *Config) Validate() error {
	var errs []error

	if c.Database.Driver == "" {
		errs = append(errs, fmt.Errorf("database driver must be specified"))
	} else if c.Database.Driver != db.DriverSQLite && c.Database.Driver != db.DriverPostgres {
		errs = append(errs, fmt.Errorf("unsupported database driver: %s (must be sqlite3 or postgres)", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, fmt.Errorf("database DSN must be specified"))
	}

	if c.Redis.URL == "" {
		errs = append(errs, fmt.Errorf("redis url must be specified"))
	} else if _, err := redis.ParseURL(c.Redis.URL); err != nil {
		errs = append(errs, fmt.Errorf("redis url: %w", err))
	}
	if c.Redis.Namespace == "" {
		errs = append(errs, fmt.Errorf("redis namespace must be specified"))
	}

	if err := c.Scheduler.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if err := c.Worker.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("worker: %w", err))
	}
	if err := validateConnector(c.Connector); err != nil {
		errs = append(errs, fmt.Errorf("connector: %w", err))
	}
	if err := validateMetrics(c.Metrics); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	}
	if err := c.Logging.validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	return errors.Join(errs...)
}

func validateConnector(config connector.Config) error {
	if config.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", config.RequestTimeout)
	}
	if config.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", config.PageSize)
	}
	if config.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must not be negative, got %v", config.RequestsPerSecond)
	}
	if _, err := connector.LastWindowStart(config.InitialSyncCron, time.Now()); err != nil {
		return fmt.Errorf("initial_sync_cron: %w", err)
	}
	return nil
}

func validateMetrics(config metrics.Config) error {
	if config.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive, got %v", config.FlushInterval)
	}
	if config.PublishInterval < config.FlushInterval {
		return fmt.Errorf("publish_interval (%v) must not be shorter than flush_interval (%v)",
			config.PublishInterval, config.FlushInterval)
	}
	if config.LockTimeout <= 0 {
		return fmt.Errorf("lock_timeout must be positive, got %v", config.LockTimeout)
	}
	if config.SnapshotTTL < config.PublishInterval {
		return fmt.Errorf("snapshot_ttl (%v) must not be shorter than publish_interval (%v)",
			config.SnapshotTTL, config.PublishInterval)
	}
	return nil
}

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func (l LoggingConfig) validate() error {
	if _, ok := levels[strings.ToLower(l.Level)]; !ok {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", l.Level)
	}
	switch l.Format {
	case "text", "json":
		return nil
	}
	return fmt.Errorf("invalid log format: %s (must be text or json)", l.Format)
}

// NewLogger builds the process logger writing to w
func (l LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	if err := l.validate(); err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: levels[strings.ToLower(l.Level)]}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// NewClient connects to the configured redis server
func (r RedisConfig) NewClient() (*redis.Client, error) {
	opts, err := redis.ParseURL(r.URL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}
