package metrics

import "time"

// Config defines metrics aggregation settings
type Config struct {
	// Namespace prefixes every redis key
	Namespace string `toml:"-"`

	// Flush configuration
	FlushInterval time.Duration `toml:"flush_interval"`

	// Publish configuration
	PublishInterval time.Duration `toml:"publish_interval"`
	LockTimeout     time.Duration `toml:"lock_timeout"`
	SnapshotTTL     time.Duration `toml:"snapshot_ttl"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() Config {
	return Config{
		Namespace:       "aapsync",
		FlushInterval:   5 * time.Second,
		PublishInterval: 15 * time.Second,
		LockTimeout:     10 * time.Second,
		SnapshotTTL:     24 * time.Hour,
	}
}
