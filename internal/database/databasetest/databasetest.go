// Package databasetest opens migrated SQLite databases for package tests.
package databasetest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/digkill/TGVideoBot/internal/database"
)

// New returns a freshly migrated SQLite database living in t.TempDir().
func New(t testing.TB) *sql.DB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := database.Migrate(context.Background(), db, database.DialectSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
