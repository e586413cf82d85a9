package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"cardflow/api/db"
)

// migrationName matches "<version>_<label>.<up|down>.sql".
var migrationName = regexp.MustCompile(`^(\d+)_.+\.(up|down)\.sql$`)

type migration struct {
	// name is the file name and the key recorded in schema_migrations.
	name    string
	version int
}

// MigrationsFS returns the migration tree to apply. A non-empty dir is read
// from disk; otherwise the migrations compiled into the binary are used.
func MigrationsFS(dir string) (fs.FS, error) {
	if strings.TrimSpace(dir) == "" {
		embedded, err := db.Migrations()
		if err != nil {
			return nil, fmt.Errorf("open embedded migrations: %w", err)
		}
		return embedded, nil
	}
	return os.DirFS(dir), nil
}

// listMigrations returns the direction ("up" or "down") files at the root of
// fsys in ascending version order.
func listMigrations(fsys fs.FS, direction string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var out []migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil || match[2] != direction {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			return nil, fmt.Errorf("parse migration version %s: %w", entry.Name(), err)
		}
		out = append(out, migration{name: entry.Name(), version: version})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].version != out[j].version {
			return out[i].version < out[j].version
		}
		return out[i].name < out[j].name
	})
	return out, nil
}

// ApplyMigrations runs every up migration in fsys that schema_migrations has
// not recorded yet, each in its own transaction.
func ApplyMigrations(ctx context.Context, conn *sql.DB, fsys fs.FS) error {
	if err := ensureMigrationsTable(ctx, conn); err != nil {
		return err
	}

	ups, err := listMigrations(fsys, "up")
	if err != nil {
		return err
	}
	if len(ups) == 0 {
		return fmt.Errorf("read migrations: no up migrations found")
	}

	applied := 0
	for _, m := range ups {
		done, err := isMigrated(ctx, conn, m.name)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		if err := applyMigration(ctx, conn, fsys, m); err != nil {
			return err
		}
		applied++
	}
	if applied > 0 {
		log.Printf("store: applied %d migrations", applied)
	}
	return nil
}

func applyMigration(ctx context.Context, conn *sql.DB, fsys fs.FS, m migration) (err error) {
	contents, err := fs.ReadFile(fsys, m.name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", m.name, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", m.name, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, string(contents)); err != nil {
		return fmt.Errorf("execute migration %s: %w", m.name, err)
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, m.name); err != nil {
		return fmt.Errorf("record migration %s: %w", m.name, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.name, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, conn *sql.DB) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, conn *sql.DB, name string) (bool, error) {
	var exists bool
	err := conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", name, err)
	}
	return exists, nil
}
