package server_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/attic-go/attic/pkg/compress"
	"github.com/attic-go/attic/pkg/gc"
	"github.com/attic-go/attic/pkg/ingestion"
	"github.com/attic-go/attic/pkg/retrieval"
	"github.com/attic-go/attic/pkg/server"
	"github.com/attic-go/attic/pkg/signing"
	"github.com/attic-go/attic/pkg/storage"
	"github.com/attic-go/attic/pkg/token"
	"github.com/attic-go/attic/testhelper"
)

const hmacSecret = "test-signing-secret"

func signToken(t *testing.T, caches map[string]any) string {
	t.Helper()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "test",
		"exp":    time.Now().Add(time.Hour).Unix(),
		"caches": caches,
	})

	s, err := tok.SignedString([]byte(hmacSecret))
	require.NoError(t, err)

	return s
}

func allPerms() map[string]any {
	return map[string]any{"r": true, "w": true, "d": true, "cc": true, "cfg": true, "cfgr": true, "dc": true}
}

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

func doRequest(t *testing.T, method, url, bearer string, headers map[string]string, body []byte) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)

	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	return resp
}

func TestCreateCacheThenGetConfig(t *testing.T) {
	t.Parallel()

	hts := newTestServer(t)
	tok := signToken(t, map[string]any{"demo": allPerms()})

	createBody, err := json.Marshal(map[string]any{
		"is_public":                true,
		"store_dir":                "/nix/store",
		"priority":                 41,
		"upstream_cache_key_names": []string{"cache.nixos.org-1"},
	})
	require.NoError(t, err)

	resp := doRequest(t, http.MethodPost, hts.URL+"/_api/v1/cache-config/demo", tok, nil, createBody)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp2 := doRequest(t, http.MethodGet, hts.URL+"/_api/v1/cache-config/demo", tok, nil, nil)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var doc struct {
		IsPublic  bool   `json:"is_public"`
		Priority  int    `json:"priority"`
		PublicKey string `json:"public_key"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&doc))
	require.True(t, doc.IsPublic)
	require.Equal(t, 41, doc.Priority)
	require.NotEmpty(t, doc.PublicKey)
}

func TestUploadThenRetrieveNarinfoAndNar(t *testing.T) {
	t.Parallel()

	hts := newTestServer(t)
	tok := signToken(t, map[string]any{"demo": allPerms()})

	createBody, _ := json.Marshal(map[string]any{"is_public": true, "store_dir": "/nix/store", "priority": 41})
	createResp := doRequest(t, http.MethodPost, hts.URL+"/_api/v1/cache-config/demo", tok, nil, createBody)
	createResp.Body.Close()
	require.Equal(t, http.StatusCreated, createResp.StatusCode)

	data := bytes.Repeat([]byte("hello-world-nar-contents"), 200)
	sum := sha256.Sum256(data)
	narHash := "sha256:" + signing.Base32(sum[:])

	storePathHash := "nm1w9sdm6j6icmhd2q3260hl1w9zj6li"

	info, err := json.Marshal(map[string]any{
		"cache":           "demo",
		"store_path_hash": storePathHash,
		"store_path":      "/nix/store/" + storePathHash + "-attic-test-no-deps",
		"references":      []string{},
		"nar_hash":        narHash,
		"nar_size":        len(data),
	})
	require.NoError(t, err)

	uploadResp := doRequest(t, http.MethodPut, hts.URL+"/_api/v1/upload-path", tok, map[string]string{
		"X-Attic-Nar-Info": string(info),
	}, data)
	defer uploadResp.Body.Close()
	require.Equal(t, http.StatusOK, uploadResp.StatusCode)

	var uploadBody struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, json.NewDecoder(uploadResp.Body).Decode(&uploadBody))
	require.Equal(t, "Uploaded", uploadBody.Kind)

	narInfoResp := doRequest(t, http.MethodGet, hts.URL+"/demo/"+storePathHash+".narinfo", tok, nil, nil)
	defer narInfoResp.Body.Close()
	require.Equal(t, http.StatusOK, narInfoResp.StatusCode)
	require.Equal(t, "public", narInfoResp.Header.Get("X-Attic-Cache-Visibility"))

	narResp := doRequest(t, http.MethodGet, hts.URL+"/demo/nar/"+storePathHash+".nar", tok, nil, nil)
	defer narResp.Body.Close()
	require.Equal(t, http.StatusOK, narResp.StatusCode)
}

func TestMissingPaths(t *testing.T) {
	t.Parallel()

	hts := newTestServer(t)
	tok := signToken(t, map[string]any{"demo": allPerms()})

	createBody, _ := json.Marshal(map[string]any{"is_public": true, "store_dir": "/nix/store", "priority": 41})
	createResp := doRequest(t, http.MethodPost, hts.URL+"/_api/v1/cache-config/demo", tok, nil, createBody)
	createResp.Body.Close()

	data := bytes.Repeat([]byte("missing-paths-test-data"), 200)
	sum := sha256.Sum256(data)
	narHash := "sha256:" + signing.Base32(sum[:])

	storePathHash := "aaaw9sdm6j6icmhd2q3260hl1w9zj6li"

	info, _ := json.Marshal(map[string]any{
		"cache":           "demo",
		"store_path_hash": storePathHash,
		"store_path":      "/nix/store/" + storePathHash + "-present",
		"references":      []string{},
		"nar_hash":        narHash,
		"nar_size":        len(data),
	})

	uploadResp := doRequest(t, http.MethodPut, hts.URL+"/_api/v1/upload-path", tok, map[string]string{
		"X-Attic-Nar-Info": string(info),
	}, data)
	uploadResp.Body.Close()
	require.Equal(t, http.StatusOK, uploadResp.StatusCode)

	reqBody, _ := json.Marshal(map[string]any{
		"cache":             "demo",
		"store_path_hashes": []string{storePathHash, "bbbw9sdm6j6icmhd2q3260hl1w9zj6li"},
	})

	resp := doRequest(t, http.MethodPost, hts.URL+"/_api/v1/get-missing-paths", tok, nil, reqBody)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var missing struct {
		MissingPaths []string `json:"missing_paths"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&missing))
	require.Equal(t, []string{"bbbw9sdm6j6icmhd2q3260hl1w9zj6li"}, missing.MissingPaths)
}

func TestExpiredTokenRejected(t *testing.T) {
	t.Parallel()

	hts := newTestServer(t)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "test",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	raw, err := tok.SignedString([]byte(hmacSecret))
	require.NoError(t, err)

	resp := doRequest(t, http.MethodGet, hts.URL+"/_api/v1/cache-config/demo", raw, nil, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDiscoveryDowngradeForNonExistentCache(t *testing.T) {
	t.Parallel()

	hts := newTestServer(t)
	tok := signToken(t, map[string]any{})

	resp := doRequest(t, http.MethodGet, hts.URL+"/_api/v1/cache-config/nope", tok, nil, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
