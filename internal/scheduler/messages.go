package scheduler

import (
	"time"

	"github.com/livinlefevreloca/deferral/internal/db"
	"github.com/livinlefevreloca/deferral/internal/inbox"
	"github.com/livinlefevreloca/deferral/internal/syncer"
)

// InboxMessage is the container for all messages sent to the scheduler
type InboxMessage struct {
	Type         MessageType
	Data         interface{}
	ResponseChan chan<- interface{} // Optional, for request/response pattern
}

// MessageType identifies the type of message being sent to the scheduler
type MessageType int

const (
	// From dispatch goroutines
	MsgDispatchResult MessageType = iota

	// From Schedule and Cancel
	MsgItemScheduled
	MsgItemCancelled

	// State queries
	MsgGetStats

	// Control
	MsgRebuildIndex
	MsgShutdown
)

// String returns a human-readable representation of the message type
func (m MessageType) String() string {
	switch m {
	case MsgDispatchResult:
		return "dispatch_result"
	case MsgItemScheduled:
		return "item_scheduled"
	case MsgItemCancelled:
		return "item_cancelled"
	case MsgGetStats:
		return "get_stats"
	case MsgRebuildIndex:
		return "rebuild_index"
	case MsgShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// DispatchResultMsg is sent when a handler call returns
type DispatchResultMsg struct {
	TimeStamp   int64
	Attempt     int
	Err         error
	Duration    time.Duration
	CompletedAt time.Time
}

// ItemScheduledMsg announces an item already written to the store
type ItemScheduledMsg struct {
	Item db.Item
}

// ItemCancelledMsg announces an item already removed from the store
type ItemCancelledMsg struct {
	TimeStamp int64
}

// StatsResponse is the response to MsgGetStats
type StatsResponse struct {
	Scheduler SchedulerStats `json:"scheduler"`
	Inbox     inbox.Stats    `json:"inbox"`
	Syncer    syncer.Stats   `json:"syncer"`
}
