package testhelper

import (
	"context"
	"net/url"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/attic-go/attic/pkg/database"
)

// SetupPostgres sets up a new temporary, migrated PostgreSQL database for
// testing. It requires the ATTIC_TEST_ADMIN_POSTGRES_URL environment
// variable to be set to an admin connection string; tests are skipped
// otherwise. Returns the opened Store and a cleanup function.
func SetupPostgres(t *testing.T) (*database.Store, func()) {
	t.Helper()

	adminDBURL := os.Getenv("ATTIC_TEST_ADMIN_POSTGRES_URL")
	if adminDBURL == "" {
		t.Skip("Skipping Postgres test: ATTIC_TEST_ADMIN_POSTGRES_URL not set")
	}

	ctx := context.Background()

	adminStore, err := database.Open(ctx, adminDBURL, nil)
	require.NoError(t, err, "failed to connect to the postgres database")

	dbName := "test_" + MustRandString(32)

	_, err = adminStore.Exec(ctx, `CREATE DATABASE "`+dbName+`"`)
	require.NoError(t, err, "failed to create database %s", dbName)

	u, err := url.Parse(adminDBURL)
	require.NoError(t, err)

	u.Path = "/" + dbName
	dbURL := u.String()

	store, err := database.Open(ctx, dbURL, nil)
	require.NoError(t, err)

	cleanup := func() {
		_ = store.Close()
		_, _ = adminStore.Exec(ctx, `DROP DATABASE IF EXISTS "`+dbName+`"`)
		_ = adminStore.Close()
	}

	return store, cleanup
}
