// Package testing provides shared helpers for package tests.
package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/reportd/db"
)

// CreateTestDB creates a migrated SQLite database in a temp directory.
// A file is used rather than :memory: so concurrent tests exercise the same
// multi-connection locking the daemon runs with.
// Cleanup is registered via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "reportd-test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}
