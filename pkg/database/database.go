// Package database implements the relational metadata store: the
// cache/nar/chunk/chunkref/object/pin schema, its SQLite and PostgreSQL
// dialects, and the ordered additive migrations that evolve it.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/XSAM/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
)

const (
	schemePostgres   = "postgres"
	schemePostgresql = "postgresql"
)

// PoolConfig holds database connection pool settings.
type PoolConfig struct {
	// MaxOpenConns is the maximum number of open connections to the database.
	// If <= 0, defaults are used based on database type.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of connections in the idle
	// connection pool. If <= 0, defaults are used based on database type.
	MaxIdleConns int
}

// Store wraps a *sql.DB together with the dialect it was opened against, so
// query builders can pick the right placeholder and upsert syntax.
type Store struct {
	db      *sql.DB
	dialect Type
}

// Open opens a database connection and runs pending migrations. The
// database dialect is determined from the URL scheme:
//   - sqlite:// or sqlite3:// for SQLite
//   - postgres:// or postgresql:// for PostgreSQL
//
// poolCfg is optional; if nil, sensible defaults are used based on the
// dialect. SQLite is pinned to MaxOpenConns=1 regardless of poolCfg.
func Open(ctx context.Context, dbURL string, poolCfg *PoolConfig) (*Store, error) {
	dbType, err := DetectFromDatabaseURL(dbURL)
	if err != nil {
		return nil, err
	}

	var sdb *sql.DB

	switch dbType {
	case TypePostgreSQL:
		sdb, err = openPostgreSQL(dbURL, poolCfg)
	case TypeSQLite:
		sdb, err = openSQLite(dbURL, poolCfg)
	case TypeUnknown:
		fallthrough
	default:
		return nil, ErrUnsupportedDriver
	}

	if err != nil {
		return nil, fmt.Errorf("error opening the database at %q: %w", dbURL, err)
	}

	store := &Store{db: sdb, dialect: dbType}

	if err := store.migrate(ctx); err != nil {
		return nil, fmt.Errorf("error migrating the database: %w", err)
	}

	return store, nil
}

// Dialect reports which backend this Store was opened against.
func (s *Store) Dialect() Type { return s.dialect }

// Exec runs a statement with no result rows, e.g. admin DDL in tests.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("database: exec failed: %w", err)
	}

	return res, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Heartbeat runs a trivial no-op query to keep long-idle pool connections
// warm; callers invoke it on a fixed interval (opt-in).
func (s *Store) Heartbeat(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "SELECT 1")
	if err != nil {
		return fmt.Errorf("database: heartbeat failed: %w", err)
	}

	return nil
}

func applyPoolSettings(sdb *sql.DB, poolCfg *PoolConfig, defaultMaxOpen, defaultMaxIdle int) {
	maxOpen := defaultMaxOpen
	maxIdle := defaultMaxIdle

	if poolCfg != nil {
		if poolCfg.MaxOpenConns > 0 {
			maxOpen = poolCfg.MaxOpenConns
		}

		if poolCfg.MaxIdleConns > 0 {
			maxIdle = poolCfg.MaxIdleConns
		}
	}

	if maxOpen > 0 {
		sdb.SetMaxOpenConns(maxOpen)
	}

	if maxIdle > 0 {
		sdb.SetMaxIdleConns(maxIdle)
	}
}

func openSQLite(dbURL string, poolCfg *PoolConfig) (*sql.DB, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return nil, fmt.Errorf("database: error parsing sqlite URL: %w", err)
	}

	sdb, err := otelsql.Open("sqlite3", u.Path, otelsql.WithAttributes(
		semconv.DBSystemSqlite,
	))
	if err != nil {
		return nil, err
	}

	// WAL allows readers to proceed while a writer holds the file; synchronous
	// NORMAL trades a sliver of durability under OS crash for much lower
	// write latency, which the spec's heavy upload path needs.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := sdb.ExecContext(context.Background(), pragma); err != nil {
			return nil, fmt.Errorf("database: error applying %q: %w", pragma, err)
		}
	}

	// A single writer avoids "database is locked" errors; SQLite handles
	// concurrent readers fine under WAL.
	sdb.SetMaxOpenConns(1)

	if poolCfg != nil && poolCfg.MaxIdleConns > 0 {
		sdb.SetMaxIdleConns(poolCfg.MaxIdleConns)
	}

	return sdb, nil
}

func openPostgreSQL(dbURL string, poolCfg *PoolConfig) (*sql.DB, error) {
	processedURL, err := parsePostgreSQLURL(dbURL)
	if err != nil {
		return nil, err
	}

	sdb, err := otelsql.Open("pgx", processedURL, otelsql.WithAttributes(
		semconv.DBSystemPostgreSQL,
	))
	if err != nil {
		return nil, err
	}

	applyPoolSettings(sdb, poolCfg, 25, 5)

	return sdb, nil
}

// parsePostgreSQLURL normalizes postgres+unix:// and postgresql+unix://
// URLs (socket-directory-in-path) into the host=<dir>?query form pgx
// expects, leaving ordinary TCP URLs untouched.
func parsePostgreSQLURL(dbURL string) (string, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return "", fmt.Errorf("database: error parsing postgres URL: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if strings.Contains(scheme, "+unix") {
		socketDir, dbName := path.Split(u.Path)
		if dbName == "" {
			return "", fmt.Errorf("%w: missing database name in path: %s", ErrInvalidPostgresUnixURL, dbURL)
		}

		if socketDir == "" {
			return "", fmt.Errorf("%w: missing socket directory in path: %s", ErrInvalidPostgresUnixURL, dbURL)
		}

		socketDir = path.Clean(socketDir)

		u.Path = "/" + dbName
		q := u.Query()
		q.Set("host", socketDir)
		u.RawQuery = q.Encode()
	}

	if strings.Contains(scheme, "+") {
		switch {
		case strings.HasPrefix(scheme, schemePostgresql):
			u.Scheme = schemePostgresql
		case strings.HasPrefix(scheme, schemePostgres):
			u.Scheme = schemePostgres
		}
	}

	return u.String(), nil
}
