package gc_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/attic-go/attic/pkg/compress"
	"github.com/attic-go/attic/pkg/database"
	"github.com/attic-go/attic/pkg/gc"
	"github.com/attic-go/attic/pkg/ingestion"
	"github.com/attic-go/attic/pkg/lock/local"
	"github.com/attic-go/attic/pkg/signing"
	"github.com/attic-go/attic/pkg/storage"
	"github.com/attic-go/attic/testhelper"
)

func setup(t *testing.T) (*database.Store, storage.Backend, *ingestion.Ingestor, *database.Cache) {
	t.Helper()

	store, cleanup := testhelper.SetupSQLite(t)
	t.Cleanup(cleanup)

	backend, err := storage.NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	ing, err := ingestion.New(store, backend, ingestion.Config{
		MinChunkSize: 1024, AvgChunkSize: 2048, MaxChunkSize: 4096, Codec: compress.Zstd,
	}, zerolog.Nop())
	require.NoError(t, err)

	cache, err := store.CreateCache(context.Background(), &database.Cache{
		Name: "demo", SigningPublicKey: "demo:pub", SigningSecretKey: "demo:priv",
		IsPublic: true, StoreDir: "/nix/store",
	})
	require.NoError(t, err)

	return store, backend, ing, cache
}

func uploadObject(t *testing.T, ctx context.Context, ing *ingestion.Ingestor, cacheID int64, storePathHash string) {
	t.Helper()

	data := bytes.Repeat([]byte(storePathHash), 500)
	sum := sha256.Sum256(data)

	info := ingestion.PathInfo{
		CacheID:       cacheID,
		StorePathHash: storePathHash,
		StorePath:     "/nix/store/" + storePathHash + "-demo",
		References:    []string{},
		NARHash:       "sha256:" + signing.Base32(sum[:]),
		NARSize:       int64(len(data)),
	}

	_, err := ing.Ingest(ctx, info, bytes.NewReader(data))
	require.NoError(t, err)
}

func TestRetentionDeletesStaleObjectAndReapsOrphanNAR(t *testing.T) {
	t.Parallel()

	store, backend, ing, cache := setup(t)
	ctx := context.Background()

	storePathHash := "rrrw9sdm6j6icmhd2q3260hl1w9zj6li"
	uploadObject(t, ctx, ing, cache.ID, storePathHash)

	obj, err := store.GetObject(ctx, cache.ID, storePathHash)
	require.NoError(t, err)

	past := time.Now().UTC().Add(-2 * time.Hour)
	_, execErr := store.Exec(ctx, "UPDATE object SET created_at = ?, last_accessed_at = ? WHERE id = ?", past, past, obj.ID)
	require.NoError(t, execErr)

	collector := gc.New(store, backend, time.Hour, zerolog.Nop())
	require.NoError(t, collector.RunOnce(ctx))

	_, err = store.GetObject(ctx, cache.ID, storePathHash)
	require.ErrorIs(t, err, database.ErrObjectNotFound)

	_, err = store.GetNARByID(ctx, obj.NARID)
	require.ErrorIs(t, err, database.ErrNotFound)
}

func TestRetentionKeepsRecentlyAccessedObject(t *testing.T) {
	t.Parallel()

	store, backend, ing, cache := setup(t)
	ctx := context.Background()

	storePathHash := "sssw9sdm6j6icmhd2q3260hl1w9zj6li"
	uploadObject(t, ctx, ing, cache.ID, storePathHash)

	obj, err := store.GetObject(ctx, cache.ID, storePathHash)
	require.NoError(t, err)

	createdAt := time.Now().UTC().Add(-2 * time.Hour)
	lastAccessed := time.Now().UTC().Add(-30 * time.Minute)
	_, execErr := store.Exec(ctx, "UPDATE object SET created_at = ?, last_accessed_at = ? WHERE id = ?", createdAt, lastAccessed, obj.ID)
	require.NoError(t, execErr)

	collector := gc.New(store, backend, time.Hour, zerolog.Nop())
	require.NoError(t, collector.RunOnce(ctx))

	_, err = store.GetObject(ctx, cache.ID, storePathHash)
	require.NoError(t, err)
}

func TestOrphanNARWithHolderIsNotReaped(t *testing.T) {
	t.Parallel()

	store, backend, ing, cache := setup(t)
	ctx := context.Background()

	storePathHash := "tttw9sdm6j6icmhd2q3260hl1w9zj6li"
	uploadObject(t, ctx, ing, cache.ID, storePathHash)

	obj, err := store.GetObject(ctx, cache.ID, storePathHash)
	require.NoError(t, err)

	nar, err := store.GetNARByID(ctx, obj.NARID)
	require.NoError(t, err)

	require.NoError(t, store.DeleteObject(ctx, cache.ID, storePathHash))

	held, err := store.AcquireValidNARByHash(ctx, nar.NARHash)
	require.NoError(t, err)
	require.NotNil(t, held)

	collector := gc.New(store, backend, 0, zerolog.Nop())
	require.NoError(t, collector.RunOnce(ctx))

	nar, err = store.GetNARByID(ctx, nar.ID)
	require.NoError(t, err)
	require.Equal(t, database.NARStateValid, nar.State)
}

func TestRunOnceSkipsWhenClusterLockHeld(t *testing.T) {
	t.Parallel()

	store, backend, _, _ := setup(t)
	ctx := context.Background()

	locker := local.NewLocker()
	require.NoError(t, locker.Lock(ctx, "gc:cycle", time.Minute))

	collector := gc.New(store, backend, 0, zerolog.Nop())
	collector.SetClusterLock(locker)

	require.NoError(t, collector.RunOnce(ctx))
}
