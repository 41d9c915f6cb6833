package store

import (
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies embedded migrations in order, recording each migration in a
// schema_migrations table. Sequential SQL files + a single table, nothing more.
func Migrate(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("missing db")
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
  version TEXT PRIMARY KEY,
  applied_at TEXT NOT NULL
)`); err != nil {
		return err
	}

	files, err := listMigrationFiles()
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, file := range files {
		version := strings.TrimSuffix(filepath.Base(file), ".sql")
		contents, err := migrationsFS.ReadFile(file)
		if err != nil {
			return err
		}

		tx, err := db.Begin()
		if err != nil {
			return err
		}

		res, err := tx.Exec(`INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?) ON CONFLICT(version) DO NOTHING`, version, now)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if affected == 0 {
			_ = tx.Rollback()
			continue
		}

		if _, err := tx.Exec(string(contents)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

func listMigrationFiles() ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		out = append(out, filepath.Join("migrations", e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
