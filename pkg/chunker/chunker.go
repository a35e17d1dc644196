// Package chunker implements content-defined chunking (a FastCDC variant)
// producing a lazy sequence of byte-chunks from any byte stream. The
// concatenation of emitted chunks always equals the input stream
// byte-for-byte.
package chunker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/kalbasit/fastcdc"
)

// Defaults used by the server's upload pipeline (spec §4.5): the exact
// numbers are implementation-tunable, the guarantee is that one deployment
// uses the same parameters for every upload.
const (
	DefaultMinSize = 8 * 1024 * 1024
	DefaultAvgSize = 16 * 1024 * 1024
	DefaultMaxSize = 32 * 1024 * 1024
)

// Chunk represents a single content-defined chunk.
type Chunk struct {
	Hash   string // hex-encoded SHA-256 of the chunk's uncompressed content
	Data   []byte // uncompressed content of this chunk
	Offset int64  // offset in the original stream
	Size   uint32 // chunk size in bytes, equal to len(Data)
}

// Chunker interface for content-defined chunking.
type Chunker interface {
	// Chunk splits the reader into content-defined chunks.
	// Returns two channels: one for yielding chunks and one for yielding errors.
	Chunk(ctx context.Context, r io.Reader) (<-chan Chunk, <-chan error)
}

// CDCChunker implements FastCDC-based content-defined chunking.
type CDCChunker struct {
	pool *fastcdc.ChunkerPool
}

// NewCDCChunker returns a new CDCChunker with the given (min, avg, max)
// chunk size bounds in bytes.
func NewCDCChunker(minSize, avgSize, maxSize uint32) (*CDCChunker, error) {
	pool, err := fastcdc.NewChunkerPool(
		fastcdc.WithMinSize(minSize),
		fastcdc.WithTargetSize(avgSize),
		fastcdc.WithMaxSize(maxSize),
	)
	if err != nil {
		return nil, fmt.Errorf("chunker: error creating fastcdc pool: %w", err)
	}

	return &CDCChunker{pool: pool}, nil
}

// Chunk splits r into content-defined chunks, preserving stream order.
func (c *CDCChunker) Chunk(ctx context.Context, r io.Reader) (<-chan Chunk, <-chan error) {
	chunksChan := make(chan Chunk)
	errChan := make(chan error, 1)

	go func() {
		defer close(chunksChan)

		fcdc, err := c.pool.Get(r)
		if err != nil {
			errChan <- fmt.Errorf("chunker: error getting fastcdc chunker from pool: %w", err)

			return
		}
		defer c.pool.Put(fcdc)

		var offset int64

		for {
			select {
			case <-ctx.Done():
				errChan <- ctx.Err()

				return
			default:
			}

			chunk, err := fcdc.Next()
			if err != nil {
				if err == io.EOF {
					return
				}

				errChan <- fmt.Errorf("chunker: error getting next chunk: %w", err)

				return
			}

			data := make([]byte, len(chunk.Data))
			copy(data, chunk.Data)

			h := sha256.Sum256(data)

			out := Chunk{
				Hash:   hex.EncodeToString(h[:]),
				Data:   data,
				Offset: offset,
				//nolint:gosec // bounded by maxSize, which callers keep well under 4GiB
				Size: uint32(len(data)),
			}

			select {
			case <-ctx.Done():
				errChan <- ctx.Err()

				return
			case chunksChan <- out:
				offset += int64(len(data))
			}
		}
	}()

	return chunksChan, errChan
}
