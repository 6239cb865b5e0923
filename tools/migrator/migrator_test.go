package migrator

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"

	_ "github.com/mattn/go-sqlite3"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	db.SetMaxOpenConns(1)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func tableExists(t *testing.T, db *sql.DB, tableName string) bool {
	t.Helper()

	var name string
	query := "SELECT name FROM sqlite_master WHERE type='table' AND name=?"
	err := db.QueryRow(query, tableName).Scan(&name)
	if err == sql.ErrNoRows {
		return false
	}
	if err != nil {
		t.Fatalf("failed to check if table exists: %v", err)
	}
	return true
}

func getVersion(t *testing.T, db *sql.DB) int {
	t.Helper()

	version, err := GetCurrentVersion(db)
	if err != nil {
		t.Fatalf("failed to get version: %v", err)
	}
	return version
}

func file(content string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(content)}
}

func baseFS() fstest.MapFS {
	return fstest.MapFS{
		"001_create_items.sql": file(`-- +migrate Up
CREATE TABLE items (id INTEGER PRIMARY KEY);
`),
		"002_create_history.sql": file(`-- +migrate Up
-- +migrate Depends: 001
CREATE TABLE history (id INTEGER PRIMARY KEY, item_id INTEGER);
CREATE INDEX idx_history_item ON history (item_id);
`),
	}
}

// =============================================================================
// Parser Tests
// =============================================================================

func TestParseMigration_Valid(t *testing.T) {
	m, err := ParseMigration("001_create_items.sql", []byte("-- +migrate Up\nCREATE TABLE items (id INTEGER);\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.Version != 1 {
		t.Errorf("expected version 1, got %d", m.Version)
	}
	if m.Name != "create_items" {
		t.Errorf("expected name 'create_items', got '%s'", m.Name)
	}
	if m.UpSQL != "CREATE TABLE items (id INTEGER);" {
		t.Errorf("unexpected SQL: %q", m.UpSQL)
	}
	if m.NoTransaction {
		t.Error("expected transactional migration")
	}
	if len(m.Dependencies) != 0 {
		t.Errorf("expected no dependencies, got %v", m.Dependencies)
	}
}

func TestParseMigration_Dependencies(t *testing.T) {
	content := "-- +migrate Up\n-- +migrate Depends: 001 002\n-- a comment\nCREATE TABLE x (id INTEGER);"

	m, err := ParseMigration("003_x.sql", []byte(content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(m.Dependencies) != 2 || m.Dependencies[0] != 1 || m.Dependencies[1] != 2 {
		t.Errorf("expected dependencies [1 2], got %v", m.Dependencies)
	}
	if !strings.HasPrefix(m.UpSQL, "CREATE TABLE x") {
		t.Errorf("expected SQL to start after directives, got %q", m.UpSQL)
	}
}

func TestParseMigration_NoTransaction(t *testing.T) {
	m, err := ParseMigration("001_vacuum.sql", []byte("-- +migrate Up notransaction\nVACUUM;"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !m.NoTransaction {
		t.Error("expected NoTransaction to be set")
	}
}

func TestParseMigration_Errors(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		content     string
		errContains string
	}{
		{
			name:        "bad filename",
			filename:    "1_items.sql",
			content:     "-- +migrate Up\nSELECT 1;",
			errContains: "invalid migration filename",
		},
		{
			name:        "missing marker",
			filename:    "001_items.sql",
			content:     "CREATE TABLE items (id INTEGER);",
			errContains: "missing '-- +migrate Up' marker",
		},
		{
			name:        "empty sql",
			filename:    "001_items.sql",
			content:     "-- +migrate Up\n-- nothing here\n",
			errContains: "contains no SQL",
		},
		{
			name:        "bad dependency",
			filename:    "002_items.sql",
			content:     "-- +migrate Up\n-- +migrate Depends: one\nSELECT 1;",
			errContains: "invalid dependency version",
		},
		{
			name:        "empty dependency list",
			filename:    "002_items.sql",
			content:     "-- +migrate Up\n-- +migrate Depends:\nSELECT 1;",
			errContains: "empty dependency list",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMigration(tt.filename, []byte(tt.content))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.errContains)
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("expected error containing %q, got %v", tt.errContains, err)
			}
		})
	}
}

// =============================================================================
// Loader Tests
// =============================================================================

func TestLoadMigrations_Sorted(t *testing.T) {
	fsys := baseFS()
	fsys["README.md"] = file("not a migration")
	fsys["notes.sql"] = file("SELECT 1;")

	migrations, err := LoadMigrations(fsys, ".")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[1].Version != 2 {
		t.Errorf("expected versions [1 2], got [%d %d]", migrations[0].Version, migrations[1].Version)
	}
}

func TestLoadMigrations_Subdirectory(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/001_a.sql": file("-- +migrate Up\nCREATE TABLE a (id INTEGER);"),
	}

	migrations, err := LoadMigrations(fsys, "sql")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 1 {
		t.Fatalf("expected 1 migration, got %d", len(migrations))
	}
}

func TestLoadMigrations_InvalidSets(t *testing.T) {
	tests := []struct {
		name        string
		fsys        fstest.MapFS
		errContains string
	}{
		{
			name: "gap",
			fsys: fstest.MapFS{
				"001_a.sql": file("-- +migrate Up\nSELECT 1;"),
				"003_c.sql": file("-- +migrate Up\nSELECT 1;"),
			},
			errContains: "gap in migration versions",
		},
		{
			name: "duplicate",
			fsys: fstest.MapFS{
				"001_a.sql": file("-- +migrate Up\nSELECT 1;"),
				"001_b.sql": file("-- +migrate Up\nSELECT 1;"),
			},
			errContains: "duplicate migration version",
		},
		{
			name: "missing dependency",
			fsys: fstest.MapFS{
				"001_a.sql": file("-- +migrate Up\n-- +migrate Depends: 007\nSELECT 1;"),
			},
			errContains: "non-existent version 7",
		},
		{
			name: "cycle",
			fsys: fstest.MapFS{
				"001_a.sql": file("-- +migrate Up\n-- +migrate Depends: 002\nSELECT 1;"),
				"002_b.sql": file("-- +migrate Up\n-- +migrate Depends: 001\nSELECT 1;"),
			},
			errContains: "circular dependency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadMigrations(tt.fsys, ".")
			if err == nil {
				t.Fatalf("expected error containing %q", tt.errContains)
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("expected error containing %q, got %v", tt.errContains, err)
			}
		})
	}
}

func TestLoadMigrations_DirectoryNotFound(t *testing.T) {
	_, err := LoadMigrations(fstest.MapFS{}, "missing")
	if err == nil {
		t.Error("expected error for missing directory")
	}
}

// =============================================================================
// Runner Tests
// =============================================================================

func TestRunMigrations_FreshDatabase(t *testing.T) {
	db := setupTestDB(t)

	if err := RunMigrations(db, baseFS(), "."); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	for _, table := range []string{"schema_migrations", "items", "history"} {
		if !tableExists(t, db, table) {
			t.Errorf("expected table %s to exist", table)
		}
	}

	if v := getVersion(t, db); v != 2 {
		t.Errorf("expected version 2, got %d", v)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	for i := 0; i < 3; i++ {
		if err := RunMigrations(db, baseFS(), "."); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
	}

	applied, err := GetAppliedMigrations(db)
	if err != nil {
		t.Fatalf("GetAppliedMigrations failed: %v", err)
	}
	if len(applied) != 2 {
		t.Errorf("expected 2 applied migrations, got %v", applied)
	}
}

func TestRunMigrations_Incremental(t *testing.T) {
	db := setupTestDB(t)

	first := fstest.MapFS{"001_create_items.sql": baseFS()["001_create_items.sql"]}
	if err := RunMigrations(db, first, "."); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if v := getVersion(t, db); v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}

	if err := RunMigrations(db, baseFS(), "."); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if v := getVersion(t, db); v != 2 {
		t.Errorf("expected version 2, got %d", v)
	}
}

func TestRunMigrations_FailedMigrationRollsBack(t *testing.T) {
	db := setupTestDB(t)

	fsys := fstest.MapFS{
		"001_good.sql": file("-- +migrate Up\nCREATE TABLE good (id INTEGER);"),
		"002_bad.sql":  file("-- +migrate Up\nCREATE TABLE partial (id INTEGER);\nNOT VALID SQL;"),
	}

	err := RunMigrations(db, fsys, ".")
	if err == nil {
		t.Fatal("expected error from invalid migration")
	}
	if !strings.Contains(err.Error(), "failed to apply migration 2") {
		t.Errorf("unexpected error: %v", err)
	}

	if v := getVersion(t, db); v != 1 {
		t.Errorf("expected version 1 after failure, got %d", v)
	}
	if tableExists(t, db, "partial") {
		t.Error("expected partial table to be rolled back")
	}
}

func TestRunMigrations_NoTransaction(t *testing.T) {
	db := setupTestDB(t)

	fsys := fstest.MapFS{
		"001_a.sql": file("-- +migrate Up notransaction\nCREATE TABLE a (id INTEGER);"),
	}

	if err := RunMigrations(db, fsys, "."); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	if !tableExists(t, db, "a") {
		t.Error("expected table a to exist")
	}
}

func TestRunMigrations_OutOfOrderHistory(t *testing.T) {
	db := setupTestDB(t)

	if err := createSchemaTable(db); err != nil {
		t.Fatalf("createSchemaTable failed: %v", err)
	}
	if _, err := db.Exec("INSERT INTO schema_migrations (version) VALUES (2)"); err != nil {
		t.Fatalf("failed to seed history: %v", err)
	}

	err := RunMigrations(db, baseFS(), ".")
	if err == nil {
		t.Fatal("expected error when an older migration is pending")
	}
	if !strings.Contains(err.Error(), "must be applied in order") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestGetCurrentVersion_FreshDatabase(t *testing.T) {
	db := setupTestDB(t)

	if v := getVersion(t, db); v != 0 {
		t.Errorf("expected version 0, got %d", v)
	}

	applied, err := GetAppliedMigrations(db)
	if err != nil {
		t.Fatalf("GetAppliedMigrations failed: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected no applied migrations, got %v", applied)
	}
}
