package db

import (
	"encoding/json"
	"time"
)

// Dispatch outcomes recorded in the dispatch history
const (
	OutcomeDelivered = "delivered"
	OutcomeMissed    = "missed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Item is a payload scheduled for a point in time.
// TimeStamp (epoch milliseconds) is the primary key, so at most one item
// exists per millisecond; putting a second one replaces the first.
type Item struct {
	TimeStamp int64           `json:"time_stamp"`
	Payload   json.RawMessage `json:"payload"`
	Cron      string          `json:"cron,omitempty"` // optional 5-field expression; empty means one-shot
	CreatedAt time.Time       `json:"created_at"`
}

// ScheduledAt returns the item's key as a time
func (i Item) ScheduledAt() time.Time {
	return time.UnixMilli(i.TimeStamp)
}

// Recurring reports whether the item is re-armed after it fires
func (i Item) Recurring() bool {
	return i.Cron != ""
}

// payloadBytes returns the stored form of the payload; an empty payload is
// stored as JSON null
func (i Item) payloadBytes() []byte {
	if len(i.Payload) == 0 {
		return []byte("null")
	}
	return []byte(i.Payload)
}

// NewItem builds an item keyed at the given time
func NewItem(at time.Time, payload json.RawMessage) *Item {
	return &Item{
		TimeStamp: at.UnixMilli(),
		Payload:   payload,
	}
}

// Dispatch is one entry of the dispatch history
type Dispatch struct {
	ID           string    `json:"id"`
	TimeStamp    int64     `json:"time_stamp"`
	Outcome      string    `json:"outcome"`
	Attempts     int       `json:"attempts"`
	Error        *string   `json:"error,omitempty"`
	DispatchedAt time.Time `json:"dispatched_at"`
}
