package cacheadmin_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/attic-go/attic/pkg/cacheadmin"
	"github.com/attic-go/attic/pkg/signing"
	"github.com/attic-go/attic/testhelper"
)

func TestCreateGeneratesKeypairAndPersists(t *testing.T) {
	t.Parallel()

	store, cleanup := testhelper.SetupSQLite(t)
	t.Cleanup(cleanup)

	m := cacheadmin.New(store)
	ctx := context.Background()

	c, err := m.Create(ctx, "demo", cacheadmin.CreateRequest{
		IsPublic:              true,
		StoreDir:              "/nix/store",
		Priority:              41,
		UpstreamCacheKeyNames: []string{"cache.nixos.org-1"},
	})
	require.NoError(t, err)
	require.True(t, c.IsPublic)
	require.Equal(t, 41, c.Priority)

	_, err = signing.ParsePublicKey(c.SigningPublicKey)
	require.NoError(t, err)

	got, err := m.Get(ctx, "demo", true)
	require.NoError(t, err)
	require.Equal(t, c.SigningPublicKey, got.SigningPublicKey)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	t.Parallel()

	store, cleanup := testhelper.SetupSQLite(t)
	t.Cleanup(cleanup)

	m := cacheadmin.New(store)
	ctx := context.Background()

	req := cacheadmin.CreateRequest{StoreDir: "/nix/store", Priority: 41}

	_, err := m.Create(ctx, "demo", req)
	require.NoError(t, err)

	_, err = m.Create(ctx, "demo", req)
	require.Error(t, err)
}

func TestCreateRejectsInvalidName(t *testing.T) {
	t.Parallel()

	store, cleanup := testhelper.SetupSQLite(t)
	t.Cleanup(cleanup)

	m := cacheadmin.New(store)

	_, err := m.Create(context.Background(), "not a valid name", cacheadmin.CreateRequest{StoreDir: "/nix/store"})
	require.Error(t, err)
}

func TestGetMissingCacheIsNotDiscoverable(t *testing.T) {
	t.Parallel()

	store, cleanup := testhelper.SetupSQLite(t)
	t.Cleanup(cleanup)

	m := cacheadmin.New(store)

	_, err := m.Get(context.Background(), "nope", false)
	require.Error(t, err)
}

func TestConfigureAppliesPartialUpdate(t *testing.T) {
	t.Parallel()

	store, cleanup := testhelper.SetupSQLite(t)
	t.Cleanup(cleanup)

	m := cacheadmin.New(store)
	ctx := context.Background()

	_, err := m.Create(ctx, "demo", cacheadmin.CreateRequest{StoreDir: "/nix/store", Priority: 41, IsPublic: false})
	require.NoError(t, err)

	newPriority := 10
	updated, err := m.Configure(ctx, "demo", cacheadmin.ConfigureRequest{Priority: &newPriority})
	require.NoError(t, err)
	require.Equal(t, 10, updated.Priority)
	require.False(t, updated.IsPublic)
}

func TestDestroyThenGetIsNotFound(t *testing.T) {
	t.Parallel()

	store, cleanup := testhelper.SetupSQLite(t)
	t.Cleanup(cleanup)

	m := cacheadmin.New(store)
	ctx := context.Background()

	_, err := m.Create(ctx, "demo", cacheadmin.CreateRequest{StoreDir: "/nix/store"})
	require.NoError(t, err)

	require.NoError(t, m.Destroy(ctx, "demo"))

	_, err = m.Get(ctx, "demo", true)
	require.Error(t, err)
}
