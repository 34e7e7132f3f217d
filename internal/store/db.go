// Package store is the relational persistence layer for tasks,
// executions, jobs, schedules, and delivery results (§6). Connection
// setup and migrations are adapted from db/connection.go and
// db/migrate.go, minus the sqlite-vec CGO extension: nothing in
// SPEC_FULL.md does vector similarity search, so that dependency was
// dropped (see DESIGN.md).
package store

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/michiel/ratchet-sub009/internal/errs"
	"github.com/michiel/ratchet-sub009/internal/log"
)

const (
	journalMode    = "WAL"
	busyTimeoutMS  = 5000
)

// Open opens a SQLite database at path with WAL journaling, foreign keys,
// and a busy timeout, then applies pending migrations.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Wrapf(err, "create database directory %s", dir)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.Wrapf(err, "open database at %s", path)
	}
	if path == ":memory:" {
		// Each new connection to ":memory:" gets its own empty database;
		// pin the pool to one connection so tests see a single consistent
		// schema instead of racing against freshly-created empty ones.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode = " + journalMode); err != nil {
		db.Close()
		return nil, errs.Wrapf(err, "enable %s journal mode", journalMode)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errs.Wrap(err, "enable foreign keys")
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errs.Wrapf(err, "set busy timeout to %dms", busyTimeoutMS)
	}

	log.Infow("database opened", "path", path, "wal_mode", true)

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, errs.Wrap(err, "run migrations")
	}

	return db, nil
}
