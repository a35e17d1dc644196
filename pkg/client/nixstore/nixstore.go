// Package nixstore declares the boundary between the push client and the
// external content-addressed store it runs against. Per spec §1 the store
// itself is opaque FFI; this package only types the calls the push session
// needs and ships a Store backed by shelling out to the store's own CLI,
// the same boundary the teacher crosses for upstream substituter calls.
package nixstore

import (
	"context"
	"io"
)

// PathInfo is what the store reports about one store path.
type PathInfo struct {
	StorePath     string
	StorePathHash string
	References    []string
	System        string
	Deriver       string
	Sigs          []string
	CA            string
	NARHash       string // "sha256:<base32>"
	NARSize       int64
}

// Store is the external store operations a push session depends on. A
// real implementation shells out to (or FFI-calls) the store tooling; a
// fake implementation backs tests.
type Store interface {
	// Closure returns every store path reachable from roots, roots
	// themselves included.
	Closure(ctx context.Context, roots []string) ([]string, error)

	// PathInfo returns the store's metadata for one store path.
	PathInfo(ctx context.Context, storePath string) (*PathInfo, error)

	// NARStream opens a NAR byte stream for one store path. The caller
	// must Close it.
	NARStream(ctx context.Context, storePath string) (io.ReadCloser, error)
}
