package scheduler

import (
	"fmt"
	"time"
)

// Config defines the task manager pass and the periodic schedule pass
type Config struct {
	// Longest wait between two task manager passes when nobody asks for one
	LoopInterval time.Duration `toml:"loop_interval"`

	// Maximum number of jobs dispatched by one pass
	StartLimit int `toml:"start_limit"`

	// Wall clock budget of one pass; remaining jobs wait for the next one
	PassTimeout time.Duration `toml:"pass_timeout"`

	// Advisory lock serializing task manager passes across processes
	LockName string `toml:"lock_name"`

	// Bounds how long a crashed holder keeps either lock
	LockTimeout time.Duration `toml:"lock_timeout"`

	// How often the schedule-due and parse promotion pass runs
	PeriodicInterval time.Duration `toml:"periodic_interval"`

	// Advisory lock serializing periodic passes across processes
	PeriodicLockName string `toml:"periodic_lock_name"`

	// Cooldown applied to a cluster after a failed sync
	CacheTimeout time.Duration `toml:"cache_timeout"`

	// Maximum number of parse jobs promoted by one periodic pass
	ParseBatchLimit int `toml:"parse_batch_limit"`
}

// DefaultConfig returns the scheduler configuration defaults
func DefaultConfig() Config {
	return Config{
		LoopInterval:     20 * time.Second,
		StartLimit:       100,
		PassTimeout:      time.Minute,
		LockName:         "aapsync_task_manager",
		LockTimeout:      5 * time.Minute,
		PeriodicInterval: 30 * time.Second,
		PeriodicLockName: "aapsync_periodic_scheduler",
		CacheTimeout:     5 * time.Minute,
		ParseBatchLimit:  200,
	}
}

// Validate returns an error describing the first invalid setting
func (c Config) Validate() error {
	return validateConfig(c)
}

func validateConfig(config Config) error {
	if config.LoopInterval < time.Second {
		return fmt.Errorf("LoopInterval must be at least 1s, got %v", config.LoopInterval)
	}

	if config.StartLimit <= 0 {
		return fmt.Errorf("StartLimit must be positive, got %d", config.StartLimit)
	}

	if config.PassTimeout <= 0 {
		return fmt.Errorf("PassTimeout must be positive, got %v", config.PassTimeout)
	}

	if config.LockName == "" {
		return fmt.Errorf("LockName must not be empty")
	}

	if config.PeriodicLockName == "" {
		return fmt.Errorf("PeriodicLockName must not be empty")
	}

	if config.LockName == config.PeriodicLockName {
		return fmt.Errorf("LockName and PeriodicLockName must differ, both are %q", config.LockName)
	}

	if config.LockTimeout < config.PassTimeout {
		return fmt.Errorf("LockTimeout (%v) must not be shorter than PassTimeout (%v)",
			config.LockTimeout, config.PassTimeout)
	}

	if config.PeriodicInterval <= 0 {
		return fmt.Errorf("PeriodicInterval must be positive, got %v", config.PeriodicInterval)
	}

	if config.CacheTimeout < 0 {
		return fmt.Errorf("CacheTimeout must not be negative, got %v", config.CacheTimeout)
	}

	if config.ParseBatchLimit <= 0 {
		return fmt.Errorf("ParseBatchLimit must be positive, got %d", config.ParseBatchLimit)
	}

	return nil
}
