// Package store selects the item store backend named in the configuration.
package store

import (
	"fmt"

	"github.com/livinlefevreloca/deferral/internal/boltdb"
	"github.com/livinlefevreloca/deferral/internal/db"
)

// Supported drivers
const (
	DriverSQLite = "sqlite3"
	DriverBolt   = "bolt"
)

// Store is the durable home of scheduled items and their dispatch history
type Store interface {
	PutItem(item *db.Item) error
	GetItem(timeStamp int64) (*db.Item, error)
	DeleteItem(timeStamp int64) error
	ListItemsBefore(timeStamp int64) ([]db.Item, error)
	ListItemsBetween(start, end int64) ([]db.Item, error)
	CountItems() (int, error)

	RecordDispatch(d *db.Dispatch) error
	ListDispatches(limit int) ([]db.Dispatch, error)
	ListDispatchesForItem(timeStamp int64, limit int) ([]db.Dispatch, error)

	Close() error
}

// Retirer is implemented by stores that can replace an item with its
// successor and record the outcome atomically
type Retirer interface {
	RetireItem(timeStamp int64, successor *db.Item, d *db.Dispatch) error
}

var (
	_ Store   = (*db.DB)(nil)
	_ Store   = (*boltdb.DB)(nil)
	_ Retirer = (*db.DB)(nil)
	_ Retirer = (*boltdb.DB)(nil)
)

// Open opens the backend selected by config.Driver
func Open(config db.Config) (Store, error) {
	switch config.Driver {
	case DriverSQLite:
		sqlite, err := db.OpenWithConfig(config)
		if err != nil {
			return nil, err
		}
		return sqlite, nil
	case DriverBolt:
		bolt, err := boltdb.Open(config.DSN, config.LockTimeout)
		if err != nil {
			return nil, err
		}
		return bolt, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s (must be %s or %s)", config.Driver, DriverSQLite, DriverBolt)
	}
}

// Info summarises an open store for startup logging
type Info struct {
	Items int
	// Applied migration version; zero for backends without migrations
	SchemaVersion int
}

// Describe counts the stored items and reads the schema version of
// migrated backends
func Describe(st Store) (Info, error) {
	count, err := st.CountItems()
	if err != nil {
		return Info{}, fmt.Errorf("failed to count items: %w", err)
	}

	info := Info{Items: count}
	if sqlite, ok := st.(*db.DB); ok {
		version, err := sqlite.SchemaVersion()
		if err != nil {
			return Info{}, fmt.Errorf("failed to read schema version: %w", err)
		}
		info.SchemaVersion = version
	}

	return info, nil
}
