package database

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// IsDeadlockError checks if the error is a deadlock or a "database busy" error.
// Works across SQLite and PostgreSQL.
func IsDeadlockError(err error) bool {
	if err == nil {
		return false
	}

	// SQLite
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		// ErrBusy (5) or ErrLocked (6) or ErrProtocol (15)
		return sqliteErr.Code == sqlite3.ErrBusy ||
			sqliteErr.Code == sqlite3.ErrLocked ||
			sqliteErr.Code == sqlite3.ErrProtocol
	}

	// PostgreSQL
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 is serialization_failure
		// 40P01 is deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}

	// Fallback to string matching
	errStr := strings.ToLower(err.Error())

	return strings.Contains(errStr, "deadlock") ||
		strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database is busy")
}

// IsDuplicateKeyError checks whether err represents a unique constraint
// violation, e.g. a racing upload that lost a dedup-acquire.
func IsDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}

	// SQLite
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}

	// PostgreSQL
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 23505 is unique_violation in PostgreSQL
		return pgErr.Code == "23505"
	}

	return false
}

// IsNotFoundError checks if the error indicates a row was not found.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

var (
	// ErrUnsupportedDriver is returned when the database driver is not recognized.
	ErrUnsupportedDriver = errors.New("unsupported database driver")

	// ErrInvalidPostgresUnixURL is returned when a postgres+unix URL is invalid.
	ErrInvalidPostgresUnixURL = errors.New("invalid postgres+unix URL")

	// ErrNotFound is returned when a row addressed by primary or natural key
	// does not exist.
	ErrNotFound = errors.New("database: record not found")

	// ErrCacheNotFound is returned when a cache name has no matching row.
	ErrCacheNotFound = errors.New("database: cache not found")

	// ErrPinNotFound is returned when a pin name has no matching row in a cache.
	ErrPinNotFound = errors.New("database: pin not found")

	// ErrObjectNotFound is returned when a store-path hash has no valid
	// object in a cache.
	ErrObjectNotFound = errors.New("database: object not found")

	// ErrCacheAlreadyExists is returned when create_cache names a cache that
	// already exists, live or soft-deleted.
	ErrCacheAlreadyExists = errors.New("database: cache already exists")
)
