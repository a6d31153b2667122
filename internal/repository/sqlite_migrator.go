package repository

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

// MigrateSQLite applies every script in dir whose numeric prefix is above the
// database's user_version, each in its own transaction, and returns how many
// scripts ran. Scripts are named like "0002_add_index.sql".
func MigrateSQLite(ctx context.Context, db *sqlx.DB, source fs.FS, dir string) (int, error) {
	entries, err := fs.ReadDir(source, dir)
	if err != nil {
		return 0, fmt.Errorf("read sqlite migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	applied := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := scriptVersion(entry.Name())
		if err != nil {
			return applied, err
		}

		// Re-read inside the loop so an out of order file never runs after a
		// newer one.
		var current int
		if err := db.GetContext(ctx, &current, "PRAGMA user_version"); err != nil {
			return applied, fmt.Errorf("read user_version: %w", err)
		}
		if version <= current {
			continue
		}

		script, err := fs.ReadFile(source, path.Join(dir, entry.Name()))
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if err := execMigration(ctx, db, string(script), version); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		applied++
	}

	return applied, nil
}

func execMigration(ctx context.Context, db *sqlx.DB, script string, version int) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return err
	}

	return tx.Commit()
}

func scriptVersion(filename string) (int, error) {
	prefix, _, _ := strings.Cut(filename, "_")
	version, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("migration %q has no numeric prefix: %w", filename, err)
	}
	return version, nil
}
