package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed migrations
var migrationFiles embed.FS

// Migrations returns the embedded migration set for a dialect.
func Migrations(d Dialect) (fs.FS, error) {
	return fs.Sub(migrationFiles, path.Join("migrations", string(d)))
}

// ApplyMigrations runs the embedded *.up.sql files for the dialect that have
// not been recorded in schema_migrations yet, each in its own transaction.
func ApplyMigrations(ctx context.Context, db *sql.DB, d Dialect) error {
	fsys, err := Migrations(d)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	return ApplyMigrationsFS(ctx, db, d, fsys)
}

func ApplyMigrationsFS(ctx context.Context, db *sql.DB, d Dialect, fsys fs.FS) error {
	if err := ensureMigrationsTable(ctx, db, d); err != nil {
		return err
	}

	files, err := migrationNames(fsys, ".up.sql")
	if err != nil {
		return err
	}

	for _, version := range files {
		if migrated, err := isMigrated(ctx, db, d, version); err != nil {
			return err
		} else if migrated {
			continue
		}

		contents, err := fs.ReadFile(fsys, version)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, d.rebind(`INSERT INTO schema_migrations(version) VALUES(?)`), version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", version, err)
		}
	}

	return nil
}

// RollbackMigrations applies every *.down.sql in reverse order and clears
// schema_migrations.
func RollbackMigrations(ctx context.Context, db *sql.DB, d Dialect) error {
	fsys, err := Migrations(d)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	files, err := migrationNames(fsys, ".down.sql")
	if err != nil {
		return err
	}
	for i := len(files) - 1; i >= 0; i-- {
		contents, err := fs.ReadFile(fsys, files[i])
		if err != nil {
			return fmt.Errorf("read migration %s: %w", files[i], err)
		}
		if _, err := db.ExecContext(ctx, string(contents)); err != nil {
			return fmt.Errorf("execute migration %s: %w", files[i], err)
		}
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		return fmt.Errorf("clear schema_migrations: %w", err)
	}
	return nil
}

func migrationNames(fsys fs.FS, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name := entry.Name(); strings.HasSuffix(name, suffix) {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB, d Dialect) error {
	appliedAt := "TIMESTAMPTZ NOT NULL DEFAULT NOW()"
	if d == SQLite {
		appliedAt = "DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP"
	}
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at `+appliedAt+`
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, d Dialect, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, d.rebind(`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=?)`), version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
