package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LocalBackend stores blobs as a single flat directory of UUID-named
// files, no further subdivision.
type LocalBackend struct {
	baseDir string
}

// NewLocalBackend returns a Backend rooted at baseDir, creating it if
// necessary.
func NewLocalBackend(baseDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: error creating local backend directory: %w", err)
	}

	return &LocalBackend{baseDir: baseDir}, nil
}

func (b *LocalBackend) MakeRef(name string) RemoteRef {
	if name == "" {
		name = uuid.NewString()
	}

	return RemoteRef{Kind: KindLocal, Key: name}
}

func (b *LocalBackend) path(ref RemoteRef) string {
	return filepath.Join(b.baseDir, ref.Key)
}

func (b *LocalBackend) Upload(_ context.Context, ref RemoteRef, r io.Reader) (int64, error) {
	path := b.path(ref)

	tmp, err := os.CreateTemp(b.baseDir, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("storage: error creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close() //nolint:errcheck

		return 0, fmt.Errorf("storage: error writing blob: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck

		return 0, fmt.Errorf("storage: error syncing blob: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("storage: error closing blob: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("storage: error finalizing blob: %w", err)
	}

	return n, nil
}

func (b *LocalBackend) Download(_ context.Context, ref RemoteRef, _ bool) (*Download, error) {
	f, err := os.Open(b.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("storage: error opening blob: %w", err)
	}

	return &Download{Stream: f}, nil
}

func (b *LocalBackend) Delete(_ context.Context, ref RemoteRef) error {
	if err := os.Remove(b.path(ref)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: error deleting blob: %w", err)
	}

	return nil
}

var _ Backend = (*LocalBackend)(nil)
