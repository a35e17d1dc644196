package database

import (
	"fmt"
	"net/url"
	"strings"
)

// Type identifies which relational database backend a URL addresses.
type Type uint8

const (
	TypeUnknown Type = iota
	TypePostgreSQL
	TypeSQLite
)

// DetectFromDatabaseURL detects the database type given a database URL.
func DetectFromDatabaseURL(dbURL string) (Type, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return TypeUnknown, fmt.Errorf("error parsing the database URL %q: %w", dbURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	scheme = strings.TrimSuffix(scheme, "+unix")

	switch scheme {
	case "postgres", "postgresql":
		return TypePostgreSQL, nil
	case "sqlite", "sqlite3":
		return TypeSQLite, nil
	default:
		return TypeUnknown, fmt.Errorf("%w: %q", ErrUnsupportedDriver, scheme)
	}
}

// String returns the string representation of a Type.
func (t Type) String() string {
	switch t {
	case TypePostgreSQL:
		return "PostgreSQL"
	case TypeSQLite:
		return "SQLite"
	case TypeUnknown:
		fallthrough
	default:
		return "unknown"
	}
}
