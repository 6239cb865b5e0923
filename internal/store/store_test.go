package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/livinlefevreloca/deferral/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_Backends(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		config db.Config
	}{
		{
			name:   "sqlite",
			config: db.Config{Driver: DriverSQLite, DSN: filepath.Join(dir, "items.db")},
		},
		{
			name:   "bolt",
			config: db.Config{Driver: DriverBolt, DSN: filepath.Join(dir, "items.bolt"), LockTimeout: time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(tt.config)
			require.NoError(t, err)
			defer s.Close()

			for _, ts := range []int64{300, 100, 200} {
				require.NoError(t, s.PutItem(&db.Item{TimeStamp: ts, Payload: json.RawMessage(`{}`)}))
			}

			items, err := s.ListItemsBefore(250)
			require.NoError(t, err)
			require.Len(t, items, 2)
			assert.Equal(t, int64(100), items[0].TimeStamp)
			assert.Equal(t, int64(200), items[1].TimeStamp)

			require.NoError(t, s.DeleteItem(100))
			assert.True(t, db.IsNotFound(s.DeleteItem(100)))

			require.NoError(t, s.RecordDispatch(&db.Dispatch{TimeStamp: 100, Outcome: db.OutcomeDelivered, Attempts: 1}))
			history, err := s.ListDispatchesForItem(100, 5)
			require.NoError(t, err)
			assert.Len(t, history, 1)
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(db.Config{Driver: "postgres", DSN: "postgres://localhost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestDescribe(t *testing.T) {
	dir := t.TempDir()

	sqlite, err := Open(db.Config{Driver: DriverSQLite, DSN: filepath.Join(dir, "items.db")})
	require.NoError(t, err)
	defer sqlite.Close()
	require.NoError(t, sqlite.PutItem(&db.Item{TimeStamp: 1, Payload: json.RawMessage(`{}`)}))

	info, err := Describe(sqlite)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Items)
	assert.Positive(t, info.SchemaVersion)

	bolt, err := Open(db.Config{Driver: DriverBolt, DSN: filepath.Join(dir, "items.bolt"), LockTimeout: time.Second})
	require.NoError(t, err)
	defer bolt.Close()

	info, err = Describe(bolt)
	require.NoError(t, err)
	assert.Equal(t, 0, info.Items)
	assert.Zero(t, info.SchemaVersion)
}
