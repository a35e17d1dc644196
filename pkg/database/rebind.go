package database

import (
	"strconv"
	"strings"
)

// rebind rewrites a query written with SQLite-style "?" placeholders into
// the dialect's native placeholder syntax. SQLite and MySQL both use "?";
// PostgreSQL (via pgx) requires positional "$1", "$2", ... parameters.
func rebind(dialect Type, query string) string {
	if dialect != TypePostgreSQL {
		return query
	}

	var b strings.Builder

	b.Grow(len(query) + 8)

	n := 0

	for _, r := range query {
		if r == '?' {
			n++

			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))

			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}
