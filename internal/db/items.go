package db

import (
	"database/sql"
	"time"
)

// =============================================================================
// Item Operations
// =============================================================================

const itemColumns = `time_stamp, payload, cron, created_at`

// PutItem stores an item under its timestamp, replacing any item already there
func (db *DB) PutItem(item *Item) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	query := `
		INSERT OR REPLACE INTO scheduled_items (time_stamp, payload, cron, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := db.Exec(query, item.TimeStamp, item.payloadBytes(), item.Cron, item.CreatedAt)
	return err
}

// PutItem stores an item within a transaction
func (tx *Tx) PutItem(item *Item) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	query := `
		INSERT OR REPLACE INTO scheduled_items (time_stamp, payload, cron, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := tx.Exec(query, item.TimeStamp, item.payloadBytes(), item.Cron, item.CreatedAt)
	return err
}

// GetItem retrieves an item by timestamp
func (db *DB) GetItem(timeStamp int64) (*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM scheduled_items WHERE time_stamp = ?`

	item, err := scanItem(db.QueryRow(query, timeStamp))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return item, nil
}

// DeleteItem removes an item by timestamp
func (db *DB) DeleteItem(timeStamp int64) error {
	return deleteItem(db.DB, timeStamp)
}

// DeleteItem removes an item within a transaction
func (tx *Tx) DeleteItem(timeStamp int64) error {
	return deleteItem(tx.Tx, timeStamp)
}

// ListItemsBefore returns every item scheduled strictly before timeStamp,
// oldest first
func (db *DB) ListItemsBefore(timeStamp int64) ([]Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM scheduled_items
		WHERE time_stamp < ?
		ORDER BY time_stamp ASC
	`

	return db.queryItems(query, timeStamp)
}

// ListItemsBetween returns items in [start, end), oldest first
func (db *DB) ListItemsBetween(start, end int64) ([]Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM scheduled_items
		WHERE time_stamp >= ? AND time_stamp < ?
		ORDER BY time_stamp ASC
	`

	return db.queryItems(query, start, end)
}

// CountItems returns the number of stored items
func (db *DB) CountItems() (int, error) {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM scheduled_items`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// RetireItem puts successor (when not nil), removes the item at timeStamp
// and records d in one transaction. A missing item is not an error.
func (db *DB) RetireItem(timeStamp int64, successor *Item, d *Dispatch) error {
	return db.WithTransaction(func(tx *Tx) error {
		if err := tx.DeleteItem(timeStamp); err != nil && !IsNotFound(err) {
			return err
		}
		if successor != nil {
			if err := tx.PutItem(successor); err != nil {
				return err
			}
		}
		return tx.RecordDispatch(d)
	})
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func deleteItem(e execer, timeStamp int64) error {
	result, err := e.Exec(`DELETE FROM scheduled_items WHERE time_stamp = ?`, timeStamp)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *DB) queryItems(query string, args ...any) ([]Item, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		item    Item
		payload []byte
	)

	if err := row.Scan(&item.TimeStamp, &payload, &item.Cron, &item.CreatedAt); err != nil {
		return nil, err
	}
	item.Payload = payload

	return &item, nil
}
