// Package hasher wraps an io.Reader with a streaming SHA-256 digest that
// becomes readable exactly once, after the wrapped stream is fully drained.
package hasher

import (
	"crypto/sha256"
	"errors"
	"hash"
	"io"
	"sync"
)

// ErrNotReady is returned by Result when the wrapped stream has not yet
// reached EOF.
var ErrNotReady = errors.New("hasher: digest not ready, stream not fully drained")

// Result is the single-assignment outcome of hashing a fully drained stream.
type Result struct {
	Sum  [sha256.Size]byte
	Size uint64
}

// Hasher wraps an io.Reader, feeding every byte observed into a rolling
// SHA-256 state and forwarding it unchanged to the consumer. On end of
// stream the digest is finalized exactly once into a single-assignment cell
// that Result reads.
//
// Every byte returned by the underlying reader is hashed once, as it is
// returned; the wrapper keeps only a running count of bytes hashed.
type Hasher struct {
	r io.Reader
	h hash.Hash

	mu       sync.Mutex
	hashed   uint64
	done     bool
	finalize Result
}

// New wraps r with a streaming hasher.
func New(r io.Reader) *Hasher {
	return &Hasher{r: r, h: sha256.New()}
}

// Read implements io.Reader. It is safe to call concurrently with Result,
// but not safe to call Read concurrently with itself.
func (w *Hasher) Read(p []byte) (int, error) {
	n, err := w.r.Read(p)

	if n > 0 {
		w.mu.Lock()
		if !w.done {
			w.h.Write(p[:n])
			w.hashed += uint64(n)
		}
		w.mu.Unlock()
	}

	if n == 0 && err == nil {
		// Spurious empty read: neither data nor EOF, nothing to finalize yet.
		return n, err
	}

	if err == io.EOF {
		w.finalizeOnce()
	}

	return n, err
}

func (w *Hasher) finalizeOnce() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return
	}

	var sum [sha256.Size]byte
	copy(sum[:], w.h.Sum(nil))

	w.finalize = Result{Sum: sum, Size: w.hashed}
	w.done = true
}

// Result returns the finalized digest and byte count. It returns ErrNotReady
// if the wrapped stream has not yet been drained to EOF.
func (w *Hasher) Result() (Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.done {
		return Result{}, ErrNotReady
	}

	return w.finalize, nil
}
