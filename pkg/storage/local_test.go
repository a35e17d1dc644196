package storage_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attic-go/attic/pkg/storage"
)

func TestLocalBackendRoundTrip(t *testing.T) {
	t.Parallel()

	backend, err := storage.NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	ref := backend.MakeRef("")

	data := bytes.Repeat([]byte("x"), 1024)

	n, err := backend.Upload(ctx, ref, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	dl, err := backend.Download(ctx, ref, true)
	require.NoError(t, err)

	got, err := io.ReadAll(dl.Stream)
	require.NoError(t, err)
	require.NoError(t, dl.Stream.Close())
	assert.Equal(t, data, got)

	require.NoError(t, backend.Delete(ctx, ref))

	_, err = backend.Download(ctx, ref, true)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLocalBackendDeleteMissingIsNotError(t *testing.T) {
	t.Parallel()

	backend, err := storage.NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	ref := backend.MakeRef("does-not-exist")
	assert.NoError(t, backend.Delete(context.Background(), ref))
}
