package chunker_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attic-go/attic/pkg/chunker"
)

func TestChunkConcatenationRoundTrips(t *testing.T) {
	t.Parallel()

	const maxSize = 256 * 1024

	chr, err := chunker.NewCDCChunker(2*1024, 64*1024, maxSize)
	require.NoError(t, err)

	ctx := context.Background()

	for _, size := range []int{maxSize - 1, maxSize, maxSize + 1, 2 * maxSize, 5*maxSize + 17} {
		data := make([]byte, size)
		_, err := rand.Read(data)
		require.NoError(t, err)

		chunks, err := collectChunks(ctx, chr, bytes.NewReader(data))
		require.NoError(t, err)

		var reassembled bytes.Buffer
		for _, c := range chunks {
			reassembled.Write(c.Data)
		}

		assert.Equal(t, data, reassembled.Bytes(), "size=%d", size)
	}
}

var errBoom = errors.New("boom")

type errorAfterReader struct {
	remaining int
}

func (r *errorAfterReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, errBoom
	}

	n := len(p)
	if n > r.remaining {
		n = r.remaining
	}

	r.remaining -= n

	return n, nil
}

func TestChunkPropagatesReaderError(t *testing.T) {
	t.Parallel()

	chr, err := chunker.NewCDCChunker(1024, 2048, 4096)
	require.NoError(t, err)

	_, err = collectChunks(context.Background(), chr, &errorAfterReader{remaining: 8192})
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
}

func TestChunkEmptyReader(t *testing.T) {
	t.Parallel()

	chr, err := chunker.NewCDCChunker(1024, 2048, 4096)
	require.NoError(t, err)

	chunks, err := collectChunks(context.Background(), chr, bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

var _ io.Reader = (*errorAfterReader)(nil)
