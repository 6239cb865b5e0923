package inbox

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Inbox is a bounded, typed message channel with a send timeout.
// Any number of goroutines may Send; a single owner drains it.
type Inbox[T any] struct {
	ch      chan T
	timeout time.Duration
	logger  *slog.Logger

	totalSent     atomic.Int64
	totalReceived atomic.Int64
	timeoutCount  atomic.Int64
	currentDepth  atomic.Int64
	maxDepthSeen  atomic.Int64
}

// Stats tracks inbox usage
type Stats struct {
	TotalSent     int64 `json:"total_sent"`
	TotalReceived int64 `json:"total_received"`
	TimeoutCount  int64 `json:"timeout_count"`
	CurrentDepth  int   `json:"current_depth"`
	MaxDepthSeen  int   `json:"max_depth_seen"`
}

// New creates a new inbox with the specified buffer size and timeout
func New[T any](bufferSize int, timeout time.Duration, logger *slog.Logger) *Inbox[T] {
	return &Inbox[T]{
		ch:      make(chan T, bufferSize),
		timeout: timeout,
		logger:  logger,
	}
}

// Send enqueues msg, waiting at most the configured timeout for room.
// Returns false if the message was dropped.
func (ib *Inbox[T]) Send(msg T) bool {
	select {
	case ib.ch <- msg:
		ib.totalSent.Add(1)
		return true
	default:
	}

	timer := time.NewTimer(ib.timeout)
	defer timer.Stop()

	select {
	case ib.ch <- msg:
		ib.totalSent.Add(1)
		return true
	case <-timer.C:
		ib.timeoutCount.Add(1)
		ib.logger.Warn("inbox send timeout",
			"timeout", ib.timeout,
			"current_depth", len(ib.ch))
		return false
	}
}

// TryReceive attempts to receive a message without blocking
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case msg := <-ib.ch:
		ib.totalReceived.Add(1)
		return msg, true
	default:
		var zero T
		return zero, false
	}
}

// UpdateDepthStats samples the current depth
func (ib *Inbox[T]) UpdateDepthStats() {
	depth := int64(len(ib.ch))
	ib.currentDepth.Store(depth)
	for {
		seen := ib.maxDepthSeen.Load()
		if depth <= seen || ib.maxDepthSeen.CompareAndSwap(seen, depth) {
			return
		}
	}
}

// GetStats returns a snapshot of the inbox statistics
func (ib *Inbox[T]) GetStats() Stats {
	return Stats{
		TotalSent:     ib.totalSent.Load(),
		TotalReceived: ib.totalReceived.Load(),
		TimeoutCount:  ib.timeoutCount.Load(),
		CurrentDepth:  int(ib.currentDepth.Load()),
		MaxDepthSeen:  int(ib.maxDepthSeen.Load()),
	}
}

// Len returns the current number of messages in the inbox
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}
