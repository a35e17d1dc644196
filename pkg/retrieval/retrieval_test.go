package retrieval_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/attic-go/attic/pkg/compress"
	"github.com/attic-go/attic/pkg/database"
	"github.com/attic-go/attic/pkg/ingestion"
	"github.com/attic-go/attic/pkg/retrieval"
	"github.com/attic-go/attic/pkg/signing"
	"github.com/attic-go/attic/pkg/storage"
	"github.com/attic-go/attic/testhelper"
)

func TestResolveAndBuildNarInfoSigns(t *testing.T) {
	t.Parallel()

	store, cleanup := testhelper.SetupSQLite(t)
	t.Cleanup(cleanup)

	backend, err := storage.NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	keypair, err := signing.Generate("demo")
	require.NoError(t, err)

	ctx := context.Background()

	cache, err := store.CreateCache(ctx, &database.Cache{
		Name:             "demo",
		SigningPublicKey: keypair.Public().String(),
		SigningSecretKey: keypair.String(),
		IsPublic:         true,
		StoreDir:         "/nix/store",
	})
	require.NoError(t, err)

	ing, err := ingestion.New(store, backend, ingestion.Config{
		MinChunkSize: 1024, AvgChunkSize: 2048, MaxChunkSize: 4096, Codec: compress.Zstd,
	}, zerolog.Nop())
	require.NoError(t, err)

	data := bytes.Repeat([]byte("hello-world-"), 2000)
	sum := sha256.Sum256(data)

	info := ingestion.PathInfo{
		CacheID:       cache.ID,
		StorePathHash: "nm1w9sdm6j6icmhd2q3260hl1w9zj6li",
		StorePath:     "/nix/store/nm1w9sdm6j6icmhd2q3260hl1w9zj6li-demo",
		References:    []string{},
		NARHash:       "sha256:" + signing.Base32(sum[:]),
		NARSize:       int64(len(data)),
	}

	_, err = ing.Ingest(ctx, info, bytes.NewReader(data))
	require.NoError(t, err)

	res := retrieval.New(store, backend)

	resolved, err := res.Resolve(ctx, "demo", info.StorePathHash, true)
	require.NoError(t, err)

	ni, err := retrieval.BuildNarInfo(resolved)
	require.NoError(t, err)

	require.Equal(t, info.StorePath, ni.StorePath)
	require.Len(t, ni.Signatures, 1)

	stream, err := res.StreamNAR(ctx, resolved)
	require.NoError(t, err)

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	require.Equal(t, data, got)
}

func TestResolveNoSuchCacheDowngrades(t *testing.T) {
	t.Parallel()

	store, cleanup := testhelper.SetupSQLite(t)
	t.Cleanup(cleanup)

	backend, err := storage.NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	res := retrieval.New(store, backend)

	_, err = res.Resolve(context.Background(), "nope", "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx", false)
	require.Error(t, err)
}
