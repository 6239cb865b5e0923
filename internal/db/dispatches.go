package db

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Dispatch History Operations
// =============================================================================

// RecordDispatch appends an entry to the dispatch history.
// A missing ID is filled with a fresh UUID; recording the same ID twice
// is a no-op so replayed syncer writes stay idempotent.
func (db *DB) RecordDispatch(d *Dispatch) error {
	return recordDispatch(db.DB, d)
}

// RecordDispatch appends a history entry within a transaction
func (tx *Tx) RecordDispatch(d *Dispatch) error {
	return recordDispatch(tx.Tx, d)
}

func recordDispatch(e execer, d *Dispatch) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.DispatchedAt.IsZero() {
		d.DispatchedAt = time.Now()
	}

	query := `
		INSERT OR IGNORE INTO dispatches (id, time_stamp, outcome, attempts, error, dispatched_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := e.Exec(query,
		d.ID,
		d.TimeStamp,
		d.Outcome,
		d.Attempts,
		d.Error,
		d.DispatchedAt,
	)
	return err
}

// ListDispatches returns the most recent dispatch history entries. A limit
// below one returns nothing.
func (db *DB) ListDispatches(limit int) ([]Dispatch, error) {
	if limit <= 0 {
		return []Dispatch{}, nil
	}

	query := `
		SELECT id, time_stamp, outcome, attempts, error, dispatched_at
		FROM dispatches
		ORDER BY dispatched_at DESC, id
		LIMIT ?
	`

	return db.queryDispatches(query, limit)
}

// ListDispatchesForItem returns the history for one item key
func (db *DB) ListDispatchesForItem(timeStamp int64, limit int) ([]Dispatch, error) {
	if limit <= 0 {
		return []Dispatch{}, nil
	}

	query := `
		SELECT id, time_stamp, outcome, attempts, error, dispatched_at
		FROM dispatches
		WHERE time_stamp = ?
		ORDER BY dispatched_at DESC, id
		LIMIT ?
	`

	return db.queryDispatches(query, timeStamp, limit)
}

func (db *DB) queryDispatches(query string, args ...any) ([]Dispatch, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dispatches := []Dispatch{}
	for rows.Next() {
		var d Dispatch
		err := rows.Scan(
			&d.ID,
			&d.TimeStamp,
			&d.Outcome,
			&d.Attempts,
			&d.Error,
			&d.DispatchedAt,
		)
		if err != nil {
			return nil, err
		}
		dispatches = append(dispatches, d)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return dispatches, nil
}
