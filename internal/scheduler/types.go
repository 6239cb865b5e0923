package scheduler

import (
	"context"
	"time"

	"github.com/livinlefevreloca/deferral/internal/db"
)

// Handler receives items from the scheduler.
//
// HandleDue is called once per dispatch attempt, on its own goroutine, with a
// context that expires after DispatchTimeout. HandleMissed is called once at
// construction with every item whose time passed while the process was down.
type Handler interface {
	HandleDue(ctx context.Context, item db.Item) error
	HandleMissed(ctx context.Context, items []db.Item) error
}

// HandlerFuncs adapts plain functions to Handler. A nil function accepts
// everything it is given.
type HandlerFuncs struct {
	Due    func(ctx context.Context, item db.Item) error
	Missed func(ctx context.Context, items []db.Item) error
}

func (h HandlerFuncs) HandleDue(ctx context.Context, item db.Item) error {
	if h.Due == nil {
		return nil
	}
	return h.Due(ctx, item)
}

func (h HandlerFuncs) HandleMissed(ctx context.Context, items []db.Item) error {
	if h.Missed == nil {
		return nil
	}
	return h.Missed(ctx, items)
}

// Clock supplies the scheduler's notion of now
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// dispatchState tracks one item the loop has started dispatching
type dispatchState struct {
	Item        db.Item
	Status      DispatchStatus
	Attempts    int
	StartedAt   time.Time // start of the current attempt
	NextAttempt time.Time // when a retrying item may run again
	FinishedAt  time.Time
	LastError   string

	// A newer item was scheduled at the same key while this one ran
	replaced bool
	cancel   context.CancelFunc
}

// DispatchStatus represents where an item is in its dispatch lifecycle
type DispatchStatus int

const (
	DispatchRunning  DispatchStatus = iota // Handler call in progress
	DispatchRetrying                       // Failed, waiting for NextAttempt

	// Terminal states
	DispatchDelivered // Handler succeeded
	DispatchFailed    // Out of attempts
	DispatchCancelled // Cancelled by the caller
)

// String returns a human-readable representation of the dispatch status
func (s DispatchStatus) String() string {
	switch s {
	case DispatchRunning:
		return "running"
	case DispatchRetrying:
		return "retrying"
	case DispatchDelivered:
		return "delivered"
	case DispatchFailed:
		return "failed"
	case DispatchCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further attempts will be made
func (s DispatchStatus) IsTerminal() bool {
	return s == DispatchDelivered || s == DispatchFailed || s == DispatchCancelled
}

// SchedulerStats provides high-level scheduler statistics
type SchedulerStats struct {
	StartedAt              time.Time     `json:"started_at"`
	IndexSize              int           `json:"index_size"`
	Running                int           `json:"running"`
	Retrying               int           `json:"retrying"`
	Delivered              uint64        `json:"delivered"`
	Failed                 uint64        `json:"failed"`
	Cancelled              uint64        `json:"cancelled"`
	Missed                 int           `json:"missed"`
	Retries                uint64        `json:"retries"`
	IndexBuildCount        int64         `json:"index_build_count"`
	LastIndexBuildDuration time.Duration `json:"last_index_build_duration"`
}
