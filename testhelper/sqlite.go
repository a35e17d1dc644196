package testhelper

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/attic-go/attic/pkg/database"
)

// SetupSQLite sets up a new temporary, migrated SQLite database for
// testing. It returns the opened Store and a cleanup function.
func SetupSQLite(t *testing.T) (*database.Store, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "attic-test-")
	require.NoError(t, err)

	dbFile := filepath.Join(dir, "db.sqlite")

	store, err := database.Open(context.Background(), "sqlite://"+dbFile, nil)
	require.NoError(t, err)

	cleanup := func() {
		_ = store.Close()
		_ = os.RemoveAll(dir)
	}

	return store, cleanup
}
