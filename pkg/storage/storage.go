// Package storage implements the polymorphic blob backend (local
// filesystem or S3-compatible) the upload and retrieval pipelines persist
// opaque, server-named chunk and NAR blobs to.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a backend has no blob under the given
// reference.
var ErrNotFound = errors.New("storage: blob not found")

// Kind identifies which backend a RemoteRef addresses.
type Kind string

const (
	KindLocal Kind = "local"
	KindS3    Kind = "s3"
)

// RemoteRef is an opaque, serializable reference to a blob. It carries
// enough information to re-address the blob without consulting runtime
// configuration, so it can be persisted in chunk.remote_file_ref
// and read back after a restart.
type RemoteRef struct {
	Kind   Kind   `json:"kind"`
	Key    string `json:"key"`
	Bucket string `json:"bucket,omitempty"`
	Region string `json:"region,omitempty"`
}

// Download is the result of Backend.Download: either a stream the caller
// must Close, or a presigned URL the caller should redirect to.
type Download struct {
	Stream      io.ReadCloser
	RedirectURL string
}

// Backend is the storage abstraction the ingestion, retrieval, and GC
// pipelines share. Every blob is addressed by a server-chosen name (a
// fresh UUID per upload); the backend never interprets the name.
type Backend interface {
	// MakeRef creates the opaque reference that will be stored in the
	// database for a not-yet-uploaded blob named name, without touching
	// the backend.
	MakeRef(name string) RemoteRef

	// Upload streams r to the backend under ref, returning the number of
	// bytes written. For S3, the first 8 MiB are buffered; if the stream
	// ends within that buffer a single PutObject is issued, otherwise the
	// backend switches to a multipart upload with 8 MiB parts.
	Upload(ctx context.Context, ref RemoteRef, r io.Reader) (int64, error)

	// Download retrieves a blob. If preferStream is false, S3 may return
	// a presigned URL (TTL <= 10 minutes) instead of streaming; local
	// always returns a stream.
	Download(ctx context.Context, ref RemoteRef, preferStream bool) (*Download, error)

	// Delete removes a blob. Deleting a blob that does not exist is not
	// an error.
	Delete(ctx context.Context, ref RemoteRef) error
}

// PresignTTL is the maximum lifetime of a presigned download URL.
const PresignTTL = 10 * time.Minute

// MultipartPartSize is the size of each part in an S3 multipart upload,
// and the threshold below which Upload issues a single PutObject instead.
const MultipartPartSize = 8 * 1024 * 1024
