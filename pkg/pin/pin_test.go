package pin_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/attic-go/attic/pkg/database"
	"github.com/attic-go/attic/pkg/pin"
	"github.com/attic-go/attic/testhelper"
)

func setup(t *testing.T) (*pin.Manager, *database.Cache) {
	t.Helper()

	store, cleanup := testhelper.SetupSQLite(t)
	t.Cleanup(cleanup)

	cache, err := store.CreateCache(context.Background(), &database.Cache{
		Name: "demo", SigningPublicKey: "demo:pub", SigningSecretKey: "demo:priv",
		IsPublic: true, StoreDir: "/nix/store",
	})
	require.NoError(t, err)

	return pin.New(store), cache
}

func TestCreateGetListDelete(t *testing.T) {
	t.Parallel()

	m, cache := setup(t)
	ctx := context.Background()

	p, err := m.Create(ctx, cache.ID, "my-pin", "/nix/store/rrrw9sdm6j6icmhd2q3260hl1w9zj6li-demo")
	require.NoError(t, err)
	require.Equal(t, "my-pin", p.Name)

	got, err := m.Get(ctx, cache.ID, "my-pin")
	require.NoError(t, err)
	require.Equal(t, p.StorePath, got.StorePath)

	pins, err := m.List(ctx, cache.ID)
	require.NoError(t, err)
	require.Len(t, pins, 1)

	require.NoError(t, m.Delete(ctx, cache.ID, "my-pin"))

	_, err = m.Get(ctx, cache.ID, "my-pin")
	require.Error(t, err)
}

func TestCreateRejectsInvalidName(t *testing.T) {
	t.Parallel()

	m, cache := setup(t)

	_, err := m.Create(context.Background(), cache.ID, "bad name!", "/nix/store/foo")
	require.Error(t, err)
}

func TestCreateRejectsEmptyStorePath(t *testing.T) {
	t.Parallel()

	m, cache := setup(t)

	_, err := m.Create(context.Background(), cache.ID, "ok-name", "")
	require.Error(t, err)
}

func TestDeleteMissingPinReturnsNotFound(t *testing.T) {
	t.Parallel()

	m, cache := setup(t)

	err := m.Delete(context.Background(), cache.ID, "nope")
	require.Error(t, err)
}
