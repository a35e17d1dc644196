package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"time"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name        TEXT PRIMARY KEY,
    applied_at  TIMESTAMP NOT NULL
)`

// migrate applies every migration script under this Store's dialect
// directory that is not already recorded in schema_migrations, in
// filename order. Migrations are additive only: nothing here ever drops
// or rewrites a prior script.
func (s *Store) migrate(ctx context.Context) error {
	dir, sub, err := s.migrationsFS()
	if err != nil {
		return err
	}

	entries, err := fs.ReadDir(sub, dir)
	if err != nil {
		return fmt.Errorf("database: error reading migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		names = append(names, e.Name())
	}

	sort.Strings(names)

	if _, err := s.db.ExecContext(ctx, schemaMigrationsTable); err != nil {
		return fmt.Errorf("database: error creating schema_migrations: %w", err)
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		if applied[name] {
			continue
		}

		if err := s.applyMigration(ctx, sub, dir, name); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) migrationsFS() (string, fs.FS, error) {
	switch s.dialect {
	case TypeSQLite:
		return "migrations/sqlite", sqliteMigrations, nil
	case TypePostgreSQL:
		return "migrations/postgres", postgresMigrations, nil
	case TypeUnknown:
		fallthrough
	default:
		return "", nil, ErrUnsupportedDriver
	}
}

func (s *Store) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("database: error listing applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("database: error scanning applied migration: %w", err)
		}

		applied[name] = true
	}

	return applied, rows.Err()
}

func (s *Store) applyMigration(ctx context.Context, sub fs.FS, dir, name string) error {
	script, err := fs.ReadFile(sub, dir+"/"+name)
	if err != nil {
		return fmt.Errorf("database: error reading migration %q: %w", name, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: error beginning migration transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		return fmt.Errorf("database: error applying migration %q: %w", name, err)
	}

	if _, err := tx.ExecContext(ctx,
		rebind(s.dialect, "INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)"),
		name, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("database: error recording migration %q: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("database: error committing migration %q: %w", name, err)
	}

	return nil
}
