package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/livinlefevreloca/deferral/migrations"
	"github.com/livinlefevreloca/deferral/tools/migrator"
	_ "github.com/mattn/go-sqlite3"
)

// DB is the sqlite-backed item store
type DB struct {
	*sql.DB
	driver string
}

// Tx wraps sql.Tx so item operations can run inside a transaction
type Tx struct {
	*sql.Tx
	db *DB
}

// Config holds store connection configuration.
// Driver selects the backend: "sqlite3" is served by this package,
// "bolt" by internal/boltdb.
type Config struct {
	Driver          string        `toml:"driver"`
	DSN             string        `toml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `toml:"conn_max_idle_time"`
	SkipMigrations  bool          `toml:"skip_migrations"`

	// How long the bolt backend waits for the file lock held by another process
	LockTimeout time.Duration `toml:"lock_timeout"`
}

// ErrNotFound is returned when no item is stored at a timestamp
var ErrNotFound = errors.New("db: not found")

// Open creates a new database connection
func Open(driver, dsn string) (*DB, error) {
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, err
	}

	// An in-memory sqlite database lives and dies with its connection, so
	// the pool must never hand out a second one.
	if driver == "sqlite3" && isMemoryDSN(dsn) {
		conn.SetMaxOpenConns(1)
	}

	return &DB{
		DB:     conn,
		driver: driver,
	}, nil
}

// OpenWithConfig opens the store, applies pool settings and, unless
// disabled, brings the schema up to date.
func OpenWithConfig(config Config) (*DB, error) {
	db, err := Open(config.Driver, config.DSN)
	if err != nil {
		return nil, err
	}

	if config.MaxOpenConns > 0 && !isMemoryDSN(config.DSN) {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	if !config.SkipMigrations {
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}

// Migrate applies the embedded schema migrations
func (db *DB) Migrate() error {
	if err := migrator.RunMigrations(db.DB, migrations.FS, "."); err != nil {
		return fmt.Errorf("failed to migrate item store: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version
func (db *DB) SchemaVersion() (int, error) {
	return migrator.GetCurrentVersion(db.DB)
}

// Driver returns the database driver name
func (db *DB) Driver() string {
	return db.driver
}

// Begin starts a new transaction
func (db *DB) Begin() (*Tx, error) {
	tx, err := db.DB.Begin()
	if err != nil {
		return nil, err
	}

	return &Tx{
		Tx: tx,
		db: db,
	}, nil
}

// WithTransaction executes a function within a transaction
// Automatically commits on success, rolls back on error
func (db *DB) WithTransaction(fn func(*Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func isMemoryDSN(dsn string) bool {
	return dsn == "" || strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// Error classification functions

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
