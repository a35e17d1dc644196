package ingestion_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/attic-go/attic/pkg/compress"
	"github.com/attic-go/attic/pkg/database"
	"github.com/attic-go/attic/pkg/ingestion"
	"github.com/attic-go/attic/pkg/signing"
	"github.com/attic-go/attic/pkg/storage"
	"github.com/attic-go/attic/testhelper"
)

func newIngestor(t *testing.T) (*ingestion.Ingestor, *database.Store, *database.Cache) {
	t.Helper()

	store, cleanup := testhelper.SetupSQLite(t)
	t.Cleanup(cleanup)

	backend, err := storage.NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	ing, err := ingestion.New(store, backend, ingestion.Config{
		MinChunkSize: 1024,
		AvgChunkSize: 2048,
		MaxChunkSize: 4096,
		Codec:        compress.Zstd,
	}, zerolog.Nop())
	require.NoError(t, err)

	cache, err := store.CreateCache(context.Background(), &database.Cache{
		Name:             "demo",
		SigningPublicKey: "demo:pub",
		SigningSecretKey: "demo:priv",
		IsPublic:         true,
		StoreDir:         "/nix/store",
	})
	require.NoError(t, err)

	return ing, store, cache
}

func pathInfoFor(cacheID int64, data []byte, storePathHash string) (ingestion.PathInfo, []byte) {
	sum := sha256.Sum256(data)

	return ingestion.PathInfo{
		CacheID:       cacheID,
		StorePathHash: storePathHash,
		StorePath:     "/nix/store/" + storePathHash + "-demo",
		References:    []string{},
		NARHash:       "sha256:" + signing.Base32(sum[:]),
		NARSize:       int64(len(data)),
	}, data
}

func TestIngestUploadsFreshNAR(t *testing.T) {
	t.Parallel()

	ing, store, cache := newIngestor(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("abcdefgh"), 4000)
	info, data := pathInfoFor(cache.ID, data, "nm1w9sdm6j6icmhd2q3260hl1w9zj6li")

	result, err := ing.Ingest(ctx, info, bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, ingestion.KindUploaded, result.Kind)
	require.Equal(t, int64(len(data)), result.FileSize)

	obj, err := store.GetObject(ctx, cache.ID, info.StorePathHash)
	require.NoError(t, err)
	require.Equal(t, info.StorePath, obj.StorePath)
}

func TestIngestDedupsRepeatedChunks(t *testing.T) {
	t.Parallel()

	ing, _, cache := newIngestor(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("0123456789"), 3000)

	info1, data1 := pathInfoFor(cache.ID, data, "aaaw9sdm6j6icmhd2q3260hl1w9zj6li")

	_, err := ing.Ingest(ctx, info1, bytes.NewReader(data1))
	require.NoError(t, err)

	info2, data2 := pathInfoFor(cache.ID, data, "bbbw9sdm6j6icmhd2q3260hl1w9zj6li")

	result2, err := ing.Ingest(ctx, info2, bytes.NewReader(data2))
	require.NoError(t, err)
	require.Equal(t, ingestion.KindDeduplicated, result2.Kind)
	require.InDelta(t, 1.0, result2.FracDeduplicated, 0.0001)
}

func TestIngestRejectsHashMismatch(t *testing.T) {
	t.Parallel()

	ing, _, cache := newIngestor(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("x"), 2048)
	info, _ := pathInfoFor(cache.ID, data, "ccczhhhm6j6icmhd2q3260hl1w9zj6li")
	info.NARHash = "sha256:0000000000000000000000000000000000000000000000000000"

	_, err := ing.Ingest(ctx, info, bytes.NewReader(data))
	require.Error(t, err)
}

func TestReplaceObjectSerializesRacingUploads(t *testing.T) {
	t.Parallel()

	ing, store, cache := newIngestor(t)
	ctx := context.Background()

	dataA := bytes.Repeat([]byte("a"), 2048)
	infoA, dataA := pathInfoFor(cache.ID, dataA, "ddd09sdm6j6icmhd2q3260hl1w9zj6li")

	_, err := ing.Ingest(ctx, infoA, bytes.NewReader(dataA))
	require.NoError(t, err)

	dataB := bytes.Repeat([]byte("b"), 3072)
	infoB, dataB := pathInfoFor(cache.ID, dataB, "ddd09sdm6j6icmhd2q3260hl1w9zj6li")

	_, err = ing.Ingest(ctx, infoB, bytes.NewReader(dataB))
	require.NoError(t, err)

	obj, err := store.GetObject(ctx, cache.ID, infoB.StorePathHash)
	require.NoError(t, err)
	require.Equal(t, infoB.NARHash, narHashOf(t, store, obj.NARID))
}

func narHashOf(t *testing.T, store *database.Store, narID int64) string {
	t.Helper()

	n, err := store.GetNARByID(context.Background(), narID)
	require.NoError(t, err)

	return n.NARHash
}
