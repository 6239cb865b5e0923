package syncer

import "github.com/livinlefevreloca/deferral/internal/db"

// UpdateKind selects the store write an Update performs
type UpdateKind int

const (
	UpdatePut    UpdateKind = iota // store Item, replacing its key
	UpdateDelete                   // remove the item at TimeStamp
	UpdateRecord                   // append Dispatch to the history
)

func (k UpdateKind) String() string {
	switch k {
	case UpdatePut:
		return "put"
	case UpdateDelete:
		return "delete"
	case UpdateRecord:
		return "record"
	default:
		return "unknown"
	}
}

// Update represents one buffered store write
type Update struct {
	UpdateID  string // UUID for idempotent history writes
	Seq       uint64 // assigned by Buffer, increasing in write order
	Kind      UpdateKind
	TimeStamp int64
	Item      *db.Item
	Dispatch  *db.Dispatch
}

// Stats provides current syncer statistics
type Stats struct {
	BufferedUpdates int    `json:"buffered_updates"`
	PendingWrites   int    `json:"pending_writes"`
	WrittenUpdates  uint64 `json:"written_updates"`
	FailedWrites    uint64 `json:"failed_writes"`
}
