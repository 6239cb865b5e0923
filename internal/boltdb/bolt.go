// Package boltdb is an embedded key/value backend for the item store.
//
// Items live in a single bucket under 8-byte big-endian keys derived from
// their millisecond timestamp, so a cursor walks them in schedule order.
package boltdb

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/deferral/internal/db"
	bolt "go.etcd.io/bbolt"
)

var (
	itemsBucket       = []byte("items")
	dispatchesBucket  = []byte("dispatches")
	dispatchIDsBucket = []byte("dispatch_ids")
)

// DB wraps a bbolt database holding scheduled items
type DB struct {
	*bolt.DB
}

// storedItem is the on-disk form of an item; the timestamp is the key
type storedItem struct {
	Payload   json.RawMessage `json:"payload"`
	Cron      string          `json:"cron,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type storedDispatch struct {
	ID           string    `json:"id"`
	TimeStamp    int64     `json:"time_stamp"`
	Outcome      string    `json:"outcome"`
	Attempts     int       `json:"attempts"`
	Error        *string   `json:"error,omitempty"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// Open opens or creates the database file and its buckets
func Open(path string, timeout time.Duration) (*DB, error) {
	if timeout <= 0 {
		timeout = time.Second
	}

	boltDB, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = boltDB.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{itemsBucket, dispatchesBucket, dispatchIDsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		boltDB.Close()
		return nil, err
	}

	return &DB{boltDB}, nil
}

// encodeKey maps a timestamp to a key whose byte order matches numeric
// order, negative timestamps included
func encodeKey(ts int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(ts)^(1<<63))
	return key
}

func decodeKey(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key) ^ (1 << 63))
}

// PutItem stores an item under its timestamp, replacing any item already there
func (d *DB) PutItem(item *db.Item) error {
	data, err := encodeItem(item)
	if err != nil {
		return err
	}

	return d.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).Put(encodeKey(item.TimeStamp), data)
	})
}

func encodeItem(item *db.Item) ([]byte, error) {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	payload := item.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	data, err := json.Marshal(storedItem{
		Payload:   payload,
		Cron:      item.Cron,
		CreatedAt: item.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item: %w", err)
	}
	return data, nil
}

// GetItem retrieves an item by timestamp
func (d *DB) GetItem(timeStamp int64) (*db.Item, error) {
	var item *db.Item

	err := d.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(itemsBucket).Get(encodeKey(timeStamp))
		if data == nil {
			return db.ErrNotFound
		}

		var err error
		item, err = decodeItem(timeStamp, data)
		return err
	})
	if err != nil {
		return nil, err
	}

	return item, nil
}

// DeleteItem removes an item by timestamp
func (d *DB) DeleteItem(timeStamp int64) error {
	return d.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(itemsBucket)
		key := encodeKey(timeStamp)
		if b.Get(key) == nil {
			return db.ErrNotFound
		}
		return b.Delete(key)
	})
}

// ListItemsBefore returns every item scheduled strictly before timeStamp,
// oldest first
func (d *DB) ListItemsBefore(timeStamp int64) ([]db.Item, error) {
	return d.scanItems(nil, encodeKey(timeStamp))
}

// ListItemsBetween returns items in [start, end), oldest first
func (d *DB) ListItemsBetween(start, end int64) ([]db.Item, error) {
	return d.scanItems(encodeKey(start), encodeKey(end))
}

// CountItems returns the number of stored items
func (d *DB) CountItems() (int, error) {
	var count int
	err := d.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(itemsBucket).Stats().KeyN
		return nil
	})
	return count, err
}

// scanItems walks keys in [from, to); a nil from starts at the first key
func (d *DB) scanItems(from, to []byte) ([]db.Item, error) {
	items := []db.Item{}

	err := d.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(itemsBucket).Cursor()

		var k, v []byte
		if from == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(from)
		}

		for ; k != nil && bytes.Compare(k, to) < 0; k, v = c.Next() {
			item, err := decodeItem(decodeKey(k), v)
			if err != nil {
				return err
			}
			items = append(items, *item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return items, nil
}

func decodeItem(timeStamp int64, data []byte) (*db.Item, error) {
	var stored storedItem
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item %d: %w", timeStamp, err)
	}

	return &db.Item{
		TimeStamp: timeStamp,
		Payload:   stored.Payload,
		Cron:      stored.Cron,
		CreatedAt: stored.CreatedAt,
	}, nil
}

// RecordDispatch appends an entry to the dispatch history.
// Recording the same ID twice is a no-op.
func (d *DB) RecordDispatch(rec *db.Dispatch) error {
	data, err := encodeDispatch(rec)
	if err != nil {
		return err
	}

	return d.Update(func(tx *bolt.Tx) error {
		return putDispatch(tx, rec, data)
	})
}

// RetireItem puts successor (when not nil), removes the item at timeStamp
// and records rec in a single update. A missing item is not an error.
func (d *DB) RetireItem(timeStamp int64, successor *db.Item, rec *db.Dispatch) error {
	var itemData []byte
	if successor != nil {
		var err error
		if itemData, err = encodeItem(successor); err != nil {
			return err
		}
	}

	recData, err := encodeDispatch(rec)
	if err != nil {
		return err
	}

	return d.Update(func(tx *bolt.Tx) error {
		items := tx.Bucket(itemsBucket)
		if err := items.Delete(encodeKey(timeStamp)); err != nil {
			return err
		}
		if successor != nil {
			if err := items.Put(encodeKey(successor.TimeStamp), itemData); err != nil {
				return err
			}
		}
		return putDispatch(tx, rec, recData)
	})
}

func encodeDispatch(rec *db.Dispatch) ([]byte, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.DispatchedAt.IsZero() {
		rec.DispatchedAt = time.Now()
	}

	data, err := json.Marshal(storedDispatch(*rec))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dispatch: %w", err)
	}
	return data, nil
}

func putDispatch(tx *bolt.Tx, rec *db.Dispatch, data []byte) error {
	ids := tx.Bucket(dispatchIDsBucket)
	if ids.Get([]byte(rec.ID)) != nil {
		return nil
	}

	// Time-prefixed keys keep the history in dispatch order
	key := make([]byte, 8, 8+len(rec.ID))
	binary.BigEndian.PutUint64(key, uint64(rec.DispatchedAt.UnixNano()))
	key = append(key, rec.ID...)

	if err := tx.Bucket(dispatchesBucket).Put(key, data); err != nil {
		return err
	}
	return ids.Put([]byte(rec.ID), key)
}

// ListDispatches returns the most recent dispatch history entries. A limit
// below one returns nothing.
func (d *DB) ListDispatches(limit int) ([]db.Dispatch, error) {
	return d.scanDispatches(limit, func(db.Dispatch) bool { return true })
}

// ListDispatchesForItem returns the history for one item key
func (d *DB) ListDispatchesForItem(timeStamp int64, limit int) ([]db.Dispatch, error) {
	return d.scanDispatches(limit, func(rec db.Dispatch) bool {
		return rec.TimeStamp == timeStamp
	})
}

// scanDispatches walks the history newest first
func (d *DB) scanDispatches(limit int, keep func(db.Dispatch) bool) ([]db.Dispatch, error) {
	dispatches := []db.Dispatch{}

	err := d.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(dispatchesBucket).Cursor()
		for k, v := c.Last(); k != nil && len(dispatches) < limit; k, v = c.Prev() {
			var stored storedDispatch
			if err := json.Unmarshal(v, &stored); err != nil {
				return fmt.Errorf("failed to unmarshal dispatch: %w", err)
			}
			rec := db.Dispatch(stored)
			if keep(rec) {
				dispatches = append(dispatches, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return dispatches, nil
}
