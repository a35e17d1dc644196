package push_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/attic-go/attic/pkg/client/api"
	"github.com/attic-go/attic/pkg/client/nixstore"
	"github.com/attic-go/attic/pkg/client/push"
	"github.com/attic-go/attic/pkg/compress"
	"github.com/attic-go/attic/pkg/database"
	"github.com/attic-go/attic/pkg/gc"
	"github.com/attic-go/attic/pkg/ingestion"
	"github.com/attic-go/attic/pkg/retrieval"
	"github.com/attic-go/attic/pkg/server"
	"github.com/attic-go/attic/pkg/signing"
	"github.com/attic-go/attic/pkg/storage"
	"github.com/attic-go/attic/pkg/token"
	"github.com/attic-go/attic/testhelper"
)

const hmacSecret = "push-test-secret"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store, cleanup := testhelper.SetupSQLite(t)
	t.Cleanup(cleanup)

	backend, err := storage.NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	ing, err := ingestion.New(store, backend, ingestion.Config{
		MinChunkSize: 1024, AvgChunkSize: 2048, MaxChunkSize: 4096, Codec: compress.Zstd,
	}, zerolog.Nop())
	require.NoError(t, err)

	resolver := retrieval.New(store, backend)
	collector := gc.New(store, backend, 0, zerolog.Nop())

	_, err = store.CreateCache(context.Background(), &database.Cache{
		Name: "demo", SigningPublicKey: "demo:pub", SigningSecretKey: "demo:priv",
		IsPublic: true, StoreDir: "/nix/store",
	})
	require.NoError(t, err)

	s := server.New(server.Config{
		Store:       store,
		Backend:     backend,
		Ingestor:    ing,
		Resolver:    resolver,
		Collector:   collector,
		TokenConfig: token.Config{HMACKey: []byte(hmacSecret)},
		Log:         zerolog.Nop(),
	})

	hts := httptest.NewServer(s)
	t.Cleanup(hts.Close)

	return hts
}

func signToken(t *testing.T) string {
	t.Helper()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "test",
		"exp": time.Now().Add(time.Hour).Unix(),
		"caches": map[string]any{
			"demo": map[string]any{"r": true, "w": true},
		},
	})

	s, err := tok.SignedString([]byte(hmacSecret))
	require.NoError(t, err)

	return s
}

// fakeStore is an in-memory nixstore.Store backing the push session tests.
type fakeStore struct {
	paths map[string]*nixstore.PathInfo
	data  map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{paths: map[string]*nixstore.PathInfo{}, data: map[string][]byte{}}
}

func (f *fakeStore) add(storePath string, content []byte) {
	hash := storePath[len("/nix/store/"):][:32]
	sum := sha256.Sum256(content)

	f.paths[storePath] = &nixstore.PathInfo{
		StorePath:     storePath,
		StorePathHash: hash,
		References:    []string{},
		NARHash:       fmt.Sprintf("sha256:%s", signing.Base32(sum[:])),
		NARSize:       int64(len(content)),
	}
	f.data[storePath] = content
}

func (f *fakeStore) Closure(_ context.Context, roots []string) ([]string, error) {
	return roots, nil
}

func (f *fakeStore) PathInfo(_ context.Context, storePath string) (*nixstore.PathInfo, error) {
	info, ok := f.paths[storePath]
	if !ok {
		return nil, fmt.Errorf("fake store: no such path %q", storePath)
	}

	return info, nil
}

func (f *fakeStore) NARStream(_ context.Context, storePath string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.data[storePath])), nil
}

func TestRunStaticUploadsMissingPaths(t *testing.T) {
	t.Parallel()

	hts := newTestServer(t)
	token := signToken(t)

	store := newFakeStore()
	storePath := "/nix/store/rrrw9sdm6j6icmhd2q3260hl1w9zj6li-demo"
	store.add(storePath, bytes.Repeat([]byte("hello"), 200))

	apiClient := api.New(hts.URL, token)
	session := push.New(push.Config{Cache: "demo", WorkerCount: 2, Codec: compress.Zstd}, apiClient, store, zerolog.Nop())

	require.NoError(t, session.RunStatic(context.Background(), []string{storePath}))

	var results []push.Result
	for r := range session.Results() {
		results = append(results, r)
	}

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Equal(t, "Uploaded", results[0].Uploaded.Kind)
}

func TestRunStaticSkipsAlreadyPresentPaths(t *testing.T) {
	t.Parallel()

	hts := newTestServer(t)
	token := signToken(t)

	store := newFakeStore()
	storePath := "/nix/store/sssw9sdm6j6icmhd2q3260hl1w9zj6li-demo"
	store.add(storePath, bytes.Repeat([]byte("world"), 200))

	apiClient := api.New(hts.URL, token)

	first := push.New(push.Config{Cache: "demo", WorkerCount: 2, Codec: compress.Zstd}, apiClient, store, zerolog.Nop())
	require.NoError(t, first.RunStatic(context.Background(), []string{storePath}))

	for range first.Results() { //nolint:revive
	}

	second := push.New(push.Config{Cache: "demo", WorkerCount: 2, Codec: compress.Zstd}, apiClient, store, zerolog.Nop())
	require.NoError(t, second.RunStatic(context.Background(), []string{storePath}))

	var results []push.Result
	for r := range second.Results() {
		results = append(results, r)
	}

	require.Empty(t, results)
}
