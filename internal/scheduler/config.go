package scheduler

import (
	"fmt"
	"time"

	"github.com/livinlefevreloca/deferral/internal/syncer"
)

// Config defines configuration for the scheduler's main loop and dispatching
type Config struct {
	// Main loop iteration interval
	LoopInterval time.Duration `toml:"loop_interval"`

	// How often the index builder reloads items from the store
	IndexRebuildInterval time.Duration `toml:"index_rebuild_interval"`

	// How far ahead of now the index holds items
	LookaheadWindow time.Duration `toml:"lookahead_window"`

	// How long finished dispatches are remembered before cleanup
	GracePeriod time.Duration `toml:"grace_period"`

	// Inbox buffer size
	InboxBufferSize int `toml:"inbox_buffer_size"`

	// Timeout for sending to inbox
	InboxSendTimeout time.Duration `toml:"inbox_send_timeout"`

	// Dispatch configuration
	MaxConcurrentDispatches int           `toml:"max_concurrent_dispatches"`
	DispatchTimeout         time.Duration `toml:"dispatch_timeout"`
	MaxAttempts             int           `toml:"max_attempts"`
	RetryDelay              time.Duration `toml:"retry_delay"`
	MaxRetryDelay           time.Duration `toml:"max_retry_delay"`

	// Items older than startup minus this tolerance are reported missed
	// instead of being dispatched
	MissTolerance time.Duration `toml:"miss_tolerance"`

	// How long shutdown waits for running handlers before cancelling them
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// DefaultConfig returns scheduler configuration defaults
func DefaultConfig() Config {
	return Config{
		LoopInterval:            250 * time.Millisecond,
		IndexRebuildInterval:    1 * time.Minute,
		LookaheadWindow:         10 * time.Minute,
		GracePeriod:             30 * time.Second,
		InboxBufferSize:         10000,
		InboxSendTimeout:        5 * time.Second,
		MaxConcurrentDispatches: 16,
		DispatchTimeout:         30 * time.Second,
		MaxAttempts:             3,
		RetryDelay:              5 * time.Second,
		MaxRetryDelay:           5 * time.Minute,
		MissTolerance:           0,
		ShutdownTimeout:         10 * time.Second,
	}
}

// DefaultSyncerConfig returns syncer configuration defaults
func DefaultSyncerConfig() syncer.Config {
	return syncer.DefaultConfig()
}

// Validate validates scheduler configuration and returns error if invalid
func (c Config) Validate() error {
	if c.LoopInterval <= 0 {
		return fmt.Errorf("LoopInterval must be positive, got %v", c.LoopInterval)
	}

	if c.IndexRebuildInterval <= 0 {
		return fmt.Errorf("IndexRebuildInterval must be positive, got %v", c.IndexRebuildInterval)
	}

	if c.LookaheadWindow <= 0 {
		return fmt.Errorf("LookaheadWindow must be positive, got %v", c.LookaheadWindow)
	}

	if c.IndexRebuildInterval >= c.LookaheadWindow {
		return fmt.Errorf("IndexRebuildInterval (%v) must be less than LookaheadWindow (%v)",
			c.IndexRebuildInterval, c.LookaheadWindow)
	}

	if c.GracePeriod <= 0 {
		return fmt.Errorf("GracePeriod must be positive, got %v", c.GracePeriod)
	}

	if c.InboxBufferSize <= 0 {
		return fmt.Errorf("InboxBufferSize must be positive, got %d", c.InboxBufferSize)
	}

	if c.InboxSendTimeout <= 0 {
		return fmt.Errorf("InboxSendTimeout must be positive, got %v", c.InboxSendTimeout)
	}

	if c.MaxConcurrentDispatches <= 0 {
		return fmt.Errorf("MaxConcurrentDispatches must be positive, got %d", c.MaxConcurrentDispatches)
	}

	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("DispatchTimeout must be positive, got %v", c.DispatchTimeout)
	}

	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MaxAttempts must be positive, got %d", c.MaxAttempts)
	}

	if c.RetryDelay <= 0 {
		return fmt.Errorf("RetryDelay must be positive, got %v", c.RetryDelay)
	}

	if c.MaxRetryDelay < c.RetryDelay {
		return fmt.Errorf("MaxRetryDelay (%v) must not be less than RetryDelay (%v)",
			c.MaxRetryDelay, c.RetryDelay)
	}

	if c.MissTolerance < 0 {
		return fmt.Errorf("MissTolerance must not be negative, got %v", c.MissTolerance)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("ShutdownTimeout must be positive, got %v", c.ShutdownTimeout)
	}

	return nil
}
