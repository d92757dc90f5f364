package taskrunner

import (
	"fmt"
	"time"

	"github.com/livinlefevreloca/aapsync/internal/jobs"
)

// Config defines a worker process
type Config struct {
	// Instance names this process in claims, heartbeats and control
	// commands. Empty means the host name.
	Instance string `toml:"instance"`

	// Workers per job type
	SyncConcurrency  int `toml:"sync_concurrency"`
	ParseConcurrency int `toml:"parse_concurrency"`

	// How long one queue poll blocks
	PollTimeout time.Duration `toml:"poll_timeout"`

	// Heartbeat configuration
	HeartbeatInterval   time.Duration `toml:"heartbeat_interval"`
	MaxMissedHeartbeats int           `toml:"max_missed_heartbeats"`

	// Event inbox between workers and the pool loop
	InboxBufferSize  int           `toml:"inbox_buffer_size"`
	InboxSendTimeout time.Duration `toml:"inbox_send_timeout"`

	// Cooldown put on a cluster whose sync failed. Copied from the
	// scheduler settings.
	CacheTimeout time.Duration `toml:"-"`

	jobs.Config
}

// DefaultConfig returns the worker configuration defaults
func DefaultConfig() Config {
	return Config{
		SyncConcurrency:     4,
		ParseConcurrency:    8,
		PollTimeout:         5 * time.Second,
		HeartbeatInterval:   10 * time.Second,
		MaxMissedHeartbeats: 3,
		InboxBufferSize:     1000,
		InboxSendTimeout:    5 * time.Second,
		Config:              jobs.DefaultConfig(),
	}
}

// Concurrency returns the number of workers per job type
func (c Config) Concurrency() map[string]int {
	return map[string]int{
		jobs.TypeSyncJobs:     c.SyncConcurrency,
		jobs.TypeParseJobData: c.ParseConcurrency,
	}
}

// HeartbeatTTL is how long a heartbeat stays visible
func (c Config) HeartbeatTTL() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.MaxMissedHeartbeats)
}

// Validate returns an error describing the first invalid setting
func (c Config) Validate() error {
	return validateConfig(c)
}

func validateConfig(config Config) error {
	if config.Instance == "" {
		return fmt.Errorf("Instance must not be empty")
	}

	if config.SyncConcurrency < 0 || config.ParseConcurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got sync=%d parse=%d",
			config.SyncConcurrency, config.ParseConcurrency)
	}

	if config.SyncConcurrency+config.ParseConcurrency == 0 {
		return fmt.Errorf("at least one worker is required")
	}

	if config.PollTimeout < time.Second {
		return fmt.Errorf("PollTimeout must be at least 1s, got %v", config.PollTimeout)
	}

	if config.HeartbeatInterval <= 0 {
		return fmt.Errorf("HeartbeatInterval must be positive, got %v", config.HeartbeatInterval)
	}

	if config.MaxMissedHeartbeats <= 0 {
		return fmt.Errorf("MaxMissedHeartbeats must be positive, got %d", config.MaxMissedHeartbeats)
	}

	if config.InboxBufferSize <= 0 {
		return fmt.Errorf("InboxBufferSize must be positive, got %d", config.InboxBufferSize)
	}

	if config.InboxSendTimeout <= 0 {
		return fmt.Errorf("InboxSendTimeout must be positive, got %v", config.InboxSendTimeout)
	}

	if config.RetrySlice <= 0 {
		return fmt.Errorf("RetrySlice must be positive, got %v", config.RetrySlice)
	}

	if config.DowntimeTolerance < 0 {
		return fmt.Errorf("DowntimeTolerance must not be negative, got %v", config.DowntimeTolerance)
	}

	if config.CancelTTL <= 0 {
		return fmt.Errorf("CancelTTL must be positive, got %v", config.CancelTTL)
	}

	return nil
}
