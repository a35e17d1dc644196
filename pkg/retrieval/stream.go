package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/attic-go/attic/pkg/apierror"
	"github.com/attic-go/attic/pkg/compress"
	"github.com/attic-go/attic/pkg/database"
	"github.com/attic-go/attic/pkg/storage"
)

// prefetchDepth is N in spec §4.6: up to this many chunk downloads run in
// parallel, one being read while the rest are already in flight.
const prefetchDepth = 2

// chunkResult is one resolved, decompressed chunk stream, or the error
// encountered resolving/opening it.
type chunkResult struct {
	stream io.ReadCloser
	err    error
}

// mergedReader concatenates a NAR's chunks in order, launching up to
// prefetchDepth downloads in parallel so later chunks are already
// downloading while earlier ones are being read by the consumer.
type mergedReader struct {
	ctx    context.Context
	cancel context.CancelFunc
	ready  chan chunkResult
	cur    io.ReadCloser
	closed bool
}

func newMergedReader(ctx context.Context, res *Resolver, refs []*database.ChunkRef) *mergedReader {
	ctx, cancel := context.WithCancel(ctx)

	m := &mergedReader{
		ctx:    ctx,
		cancel: cancel,
		// buffered (prefetchDepth-2): together with the one being actively
		// read and the one run holds while waiting to hand it over, at most
		// prefetchDepth chunks are open at once.
		ready: make(chan chunkResult, prefetchDepth-2),
	}

	go m.run(res, refs)

	return m
}

func (m *mergedReader) run(res *Resolver, refs []*database.ChunkRef) {
	defer close(m.ready)

	for _, ref := range refs {
		stream, err := res.openChunk(m.ctx, ref)

		select {
		case m.ready <- chunkResult{stream: stream, err: err}:
			if err != nil {
				return
			}
		case <-m.ctx.Done():
			if stream != nil {
				stream.Close() //nolint:errcheck
			}

			return
		}
	}
}

func (m *mergedReader) Read(p []byte) (int, error) {
	for {
		if m.cur != nil {
			n, err := m.cur.Read(p)
			if err == io.EOF {
				m.cur.Close() //nolint:errcheck
				m.cur = nil

				if n > 0 {
					return n, nil
				}

				continue
			}

			return n, err
		}

		res, ok := <-m.ready
		if !ok {
			return 0, io.EOF
		}

		if res.err != nil {
			return 0, res.err
		}

		m.cur = res.stream
	}
}

func (m *mergedReader) Close() error {
	if m.closed {
		return nil
	}

	m.closed = true
	m.cancel()

	if m.cur != nil {
		m.cur.Close() //nolint:errcheck
	}

	for res := range m.ready {
		if res.stream != nil {
			res.stream.Close() //nolint:errcheck
		}
	}

	return nil
}

// openChunk downloads and decompresses one chunk's backend file.
func (res *Resolver) openChunk(ctx context.Context, ref *database.ChunkRef) (io.ReadCloser, error) {
	if ref.ChunkID == nil {
		return nil, apierror.IncompleteNar(fmt.Sprintf("chunkref seq %d has no resolved chunk", ref.Seq))
	}

	chunk, err := res.store.GetChunkByID(ctx, *ref.ChunkID)
	if err != nil {
		return nil, apierror.Database(err)
	}

	var remoteRef storage.RemoteRef
	if err := json.Unmarshal([]byte(chunk.RemoteFileRef), &remoteRef); err != nil {
		return nil, apierror.Wrap(apierror.KindInternal, fmt.Errorf("retrieval: error decoding remote ref: %w", err))
	}

	dl, err := res.backend.Download(ctx, remoteRef, true)
	if err != nil {
		return nil, apierror.Storage(err)
	}

	codec, err := compress.ParseCodec(chunk.Compression)
	if err != nil {
		dl.Stream.Close() //nolint:errcheck

		return nil, apierror.Wrap(apierror.KindInternal, err)
	}

	decoded, err := compress.NewReader(codec, dl.Stream)
	if err != nil {
		dl.Stream.Close() //nolint:errcheck

		return nil, apierror.Storage(err)
	}

	return chainCloser{Reader: decoded, closers: []io.Closer{decoded, dl.Stream}}, nil
}

// chainCloser closes every underlying closer, in order, on Close.
type chainCloser struct {
	io.Reader
	closers []io.Closer
}

func (c chainCloser) Close() error {
	var firstErr error

	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// StreamNAR resolves r's chunkrefs and returns a ReadCloser yielding the
// uncompressed NAR bytes in order. Any chunkref with a null ChunkID fails
// the whole request with IncompleteNar (spec §4.6). It bumps the object's
// last_accessed_at before returning.
func (res *Resolver) StreamNAR(ctx context.Context, r *Resolved) (io.ReadCloser, error) {
	refs, err := res.store.ListChunkRefs(ctx, r.NAR.ID)
	if err != nil {
		return nil, apierror.Database(err)
	}

	for _, ref := range refs {
		if ref.ChunkID == nil {
			return nil, apierror.IncompleteNar(r.Object.StorePathHash)
		}
	}

	if err := res.store.TouchLastAccessed(ctx, r.Object.ID); err != nil {
		return nil, apierror.Database(err)
	}

	if len(refs) == 1 {
		return res.openChunk(ctx, refs[0])
	}

	return newMergedReader(ctx, res, refs), nil
}
