package syncer

import (
	"fmt"
	"time"
)

// Config defines configuration for the syncer's store write buffering
type Config struct {
	// Maximum buffered updates before the scheduler stops accepting work
	MaxBufferedUpdates int `toml:"max_buffered_updates"`

	// Channel buffer size between the scheduler loop and the writer
	ChannelSize int `toml:"channel_size"`

	// Flushing - dual mechanism (size OR time triggers flush)
	FlushThreshold int           `toml:"flush_threshold"`
	FlushInterval  time.Duration `toml:"flush_interval"`
}

// DefaultConfig returns syncer configuration defaults
func DefaultConfig() Config {
	return Config{
		MaxBufferedUpdates: 10000,
		ChannelSize:        200,
		FlushThreshold:     100,
		FlushInterval:      1 * time.Second,
	}
}

// Validate checks the configuration and returns an error if invalid
func (c Config) Validate() error {
	if c.MaxBufferedUpdates <= 0 {
		return fmt.Errorf("MaxBufferedUpdates must be positive, got %d", c.MaxBufferedUpdates)
	}

	if c.ChannelSize <= 0 {
		return fmt.Errorf("ChannelSize must be positive, got %d", c.ChannelSize)
	}

	if c.FlushThreshold <= 0 {
		return fmt.Errorf("FlushThreshold must be positive, got %d", c.FlushThreshold)
	}

	if c.FlushInterval <= 0 {
		return fmt.Errorf("FlushInterval must be positive, got %v", c.FlushInterval)
	}

	return nil
}
