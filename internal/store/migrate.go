package store

import (
	"database/sql"
	"embed"
	"path/filepath"
	"sort"
	"strings"

	"github.com/michiel/ratchet-sub009/internal/errs"
	"github.com/michiel/ratchet-sub009/internal/log"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies every pending migration in migrations/, tracked via the
// schema_migrations table the 000 migration creates. Grounded on
// db/migrate.go's version-sorted-filename, one-transaction-per-file
// approach.
func Migrate(db *sql.DB) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return errs.Wrap(err, "read migrations directory")
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, filename := range files {
		version := strings.SplitN(filename, "_", 2)[0]

		var exists bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			if version != "000" {
				return errs.Newf("schema_migrations missing but migration is not 000: %s", filename)
			}
		} else if exists {
			continue
		}

		body, err := migrationFS.ReadFile(filepath.Join("migrations", filename))
		if err != nil {
			return errs.Wrapf(err, "read %s", filename)
		}

		tx, err := db.Begin()
		if err != nil {
			return errs.Wrapf(err, "begin tx for %s", filename)
		}
		if _, err := tx.Exec(string(body)); err != nil {
			tx.Rollback()
			return errs.Wrapf(err, "execute %s", filename)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return errs.Wrapf(err, "record %s", filename)
		}
		if err := tx.Commit(); err != nil {
			return errs.Wrapf(err, "commit %s", filename)
		}
		log.Infow("applied migration", "migration", filename)
	}

	return nil
}
