// Package dbtest opens throwaway sqlite databases for package tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"github.com/zulandar/teamyard/internal/config"
	"github.com/zulandar/teamyard/internal/db"
)

// Open returns a migrated database backed by a file in t.TempDir. The pool
// is closed when the test ends.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	return OpenAt(t, filepath.Join(t.TempDir(), "test.db"))
}

// OpenAt opens (or reopens) a migrated database at path. Reopening the same
// path is how tests simulate a process restart.
func OpenAt(t testing.TB, path string) *gorm.DB {
	t.Helper()
	gdb, err := db.Open(config.DatabaseConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { db.Close(gdb) })
	return gdb
}
