package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/attic-go/attic/pkg/apierror"
	"github.com/attic-go/attic/pkg/cacheadmin"
	"github.com/attic-go/attic/pkg/compress"
	"github.com/attic-go/attic/pkg/database"
	"github.com/attic-go/attic/pkg/ingestion"
)

func writeJSON(w http.ResponseWriter, v any) error {
	w.Header().Set(contentType, contentTypeJSON)

	return json.NewEncoder(w).Encode(v)
}

// missingPathsRequest / missingPathsResponse are the wire shapes of
// POST /_api/v1/get-missing-paths (spec §6).
type missingPathsRequest struct {
	Cache           string   `json:"cache"`
	StorePathHashes []string `json:"store_path_hashes"`
}

type missingPathsResponse struct {
	MissingPaths []string `json:"missing_paths"`
}

func (s *Server) postGetMissingPaths(w http.ResponseWriter, r *http.Request) {
	var req missingPathsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Render(&s.log, w, r, apierror.RequestError("invalid request body: "+err.Error()))

		return
	}

	perm := permForCache(r, req.Cache)
	if !perm.Push {
		apierror.Render(&s.log, w, r, apierror.PermissionDenied("missing push permission for cache "+req.Cache).WithDiscoverable(perm.CanDiscover()))

		return
	}

	cache, err := s.caches.Get(r.Context(), req.Cache, true)
	if err != nil {
		apierror.Render(&s.log, w, r, err)

		return
	}

	var missing []string

	for _, hash := range req.StorePathHashes {
		_, err := s.store.GetObject(r.Context(), cache.ID, hash)

		switch {
		case errors.Is(err, database.ErrObjectNotFound):
			missing = append(missing, hash)
		case err != nil:
			apierror.Render(&s.log, w, r, apierror.Database(err))

			return
		}
	}

	if err := writeJSON(w, missingPathsResponse{MissingPaths: missing}); err != nil {
		s.log.Error().Err(err).Msg("error writing get-missing-paths response")
	}
}

// uploadPathNarInfo is the JSON shape of the X-Attic-Nar-Info header (spec
// §6 PUT upload-path).
type uploadPathNarInfo struct {
	Cache         string   `json:"cache"`
	StorePathHash string   `json:"store_path_hash"`
	StorePath     string   `json:"store_path"`
	References    []string `json:"references"`
	System        *string  `json:"system,omitempty"`
	Deriver       *string  `json:"deriver,omitempty"`
	Sigs          []string `json:"sigs,omitempty"`
	CA            *string  `json:"ca,omitempty"`
	NARHash       string   `json:"nar_hash"`
	NARSize       int64    `json:"nar_size"`
}

type uploadPathResponse struct {
	Kind             string  `json:"kind"`
	FileSize         int64   `json:"file_size"`
	FracDeduplicated float64 `json:"frac_deduplicated"`
}

func (s *Server) putUploadPath(w http.ResponseWriter, r *http.Request) {
	var info uploadPathNarInfo
	if err := json.Unmarshal([]byte(r.Header.Get("X-Attic-Nar-Info")), &info); err != nil {
		apierror.Render(&s.log, w, r, apierror.RequestError("invalid X-Attic-Nar-Info header: "+err.Error()))

		return
	}

	perm := permForCache(r, info.Cache)
	if !perm.Push {
		apierror.Render(&s.log, w, r, apierror.PermissionDenied("missing push permission for cache "+info.Cache).WithDiscoverable(perm.CanDiscover()))

		return
	}

	cache, err := s.caches.Get(r.Context(), info.Cache, true)
	if err != nil {
		apierror.Render(&s.log, w, r, err)

		return
	}

	body, err := transportDecode(r)
	if err != nil {
		apierror.Render(&s.log, w, r, apierror.RequestError(err.Error()))

		return
	}
	defer body.Close() //nolint:errcheck

	pathInfo := ingestion.PathInfo{
		CacheID:       cache.ID,
		StorePathHash: info.StorePathHash,
		StorePath:     info.StorePath,
		References:    info.References,
		System:        info.System,
		Deriver:       info.Deriver,
		Sigs:          info.Sigs,
		CA:            info.CA,
		NARHash:       info.NARHash,
		NARSize:       info.NARSize,
	}

	result, err := s.ingestor.WholeNARDedup(r.Context(), pathInfo, body)
	if err != nil {
		apierror.Render(&s.log, w, r, err)

		return
	}

	if result == nil {
		result, err = s.ingestor.Ingest(r.Context(), pathInfo, body)
		if err != nil {
			apierror.Render(&s.log, w, r, err)

			return
		}
	}

	if err := writeJSON(w, uploadPathResponse{
		Kind:             string(result.Kind),
		FileSize:         result.FileSize,
		FracDeduplicated: result.FracDeduplicated,
	}); err != nil {
		s.log.Error().Err(err).Msg("error writing upload-path response")
	}
}

// transportDecode wraps r.Body with a decompressor chosen by
// Content-Encoding, if any (spec §6: "Content-Encoding selects transport
// decompression").
func transportDecode(r *http.Request) (io.ReadCloser, error) {
	enc := r.Header.Get("Content-Encoding")
	if enc == "" {
		return r.Body, nil
	}

	codec, err := compress.ParseCodec(enc)
	if err != nil {
		return nil, err
	}

	return compress.NewReader(codec, r.Body)
}

func (s *Server) getCacheConfig(w http.ResponseWriter, r *http.Request) {
	cacheName := chi.URLParam(r, "cache")

	cache, err := s.caches.Get(r.Context(), cacheName, true)
	if err != nil {
		apierror.Render(&s.log, w, r, err)

		return
	}

	if err := writeJSON(w, cacheConfigDoc(cache)); err != nil {
		s.log.Error().Err(err).Msg("error writing cache-config response")
	}
}

type createCacheRequestBody struct {
	IsPublic              bool     `json:"is_public"`
	StoreDir              string   `json:"store_dir"`
	Priority              int      `json:"priority"`
	UpstreamCacheKeyNames []string `json:"upstream_cache_key_names"`
	RetentionPeriodSecs   *int64   `json:"retention_period_secs,omitempty"`
}

func (s *Server) postCacheConfig(w http.ResponseWriter, r *http.Request) {
	cacheName := chi.URLParam(r, "cache")

	var body createCacheRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierror.Render(&s.log, w, r, apierror.RequestError("invalid request body: "+err.Error()))

		return
	}

	cache, err := s.caches.Create(r.Context(), cacheName, cacheadmin.CreateRequest{
		IsPublic:              body.IsPublic,
		StoreDir:              body.StoreDir,
		Priority:              body.Priority,
		UpstreamCacheKeyNames: body.UpstreamCacheKeyNames,
		RetentionPeriodSecs:   body.RetentionPeriodSecs,
	})
	if err != nil {
		apierror.Render(&s.log, w, r, err)

		return
	}

	w.WriteHeader(http.StatusCreated)

	if err := writeJSON(w, cacheConfigDoc(cache)); err != nil {
		s.log.Error().Err(err).Msg("error writing create-cache response")
	}
}

type configureCacheRequestBody struct {
	IsPublic              *bool    `json:"is_public,omitempty"`
	Priority              *int     `json:"priority,omitempty"`
	UpstreamCacheKeyNames []string `json:"upstream_cache_key_names,omitempty"`
	RetentionPeriodSecs   *int64   `json:"retention_period_secs,omitempty"`
}

func (s *Server) patchCacheConfig(w http.ResponseWriter, r *http.Request) {
	cacheName := chi.URLParam(r, "cache")

	var body configureCacheRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierror.Render(&s.log, w, r, apierror.RequestError("invalid request body: "+err.Error()))

		return
	}

	cache, err := s.caches.Configure(r.Context(), cacheName, cacheadmin.ConfigureRequest{
		IsPublic:              body.IsPublic,
		Priority:              body.Priority,
		UpstreamCacheKeyNames: body.UpstreamCacheKeyNames,
		RetentionPeriodSecs:   body.RetentionPeriodSecs,
	})
	if err != nil {
		apierror.Render(&s.log, w, r, err)

		return
	}

	if err := writeJSON(w, cacheConfigDoc(cache)); err != nil {
		s.log.Error().Err(err).Msg("error writing configure-cache response")
	}
}

func (s *Server) deleteCacheConfig(w http.ResponseWriter, r *http.Request) {
	cacheName := chi.URLParam(r, "cache")

	if err := s.caches.Destroy(r.Context(), cacheName); err != nil {
		apierror.Render(&s.log, w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// cacheConfigDocBody is the cache config document of spec §8 scenario 1: no
// "keypair" field, "public_key" populated from the stored signing key.
type cacheConfigDocBody struct {
	IsPublic              bool     `json:"is_public"`
	StoreDir              string   `json:"store_dir"`
	Priority              int      `json:"priority"`
	UpstreamCacheKeyNames []string `json:"upstream_cache_key_names"`
	RetentionPeriodSecs   *int64   `json:"retention_period_secs,omitempty"`
	PublicKey             string   `json:"public_key"`
}

func cacheConfigDoc(c *database.Cache) cacheConfigDocBody {
	return cacheConfigDocBody{
		IsPublic:              c.IsPublic,
		StoreDir:              c.StoreDir,
		Priority:              c.Priority,
		UpstreamCacheKeyNames: c.UpstreamCacheKeyNames,
		RetentionPeriodSecs:   c.RetentionPeriodSecs,
		PublicKey:             c.SigningPublicKey,
	}
}

func (s *Server) deleteObject(w http.ResponseWriter, r *http.Request) {
	cacheName := chi.URLParam(r, "cache")
	hash := chi.URLParam(r, "hash")

	cache, err := s.caches.Get(r.Context(), cacheName, true)
	if err != nil {
		apierror.Render(&s.log, w, r, err)

		return
	}

	if err := s.store.DeleteObject(r.Context(), cache.ID, hash); err != nil {
		if errors.Is(err, database.ErrObjectNotFound) {
			apierror.Render(&s.log, w, r, apierror.NoSuchObject(hash).WithDiscoverable(true))

			return
		}

		apierror.Render(&s.log, w, r, apierror.Database(err))

		return
	}

	w.WriteHeader(http.StatusNoContent)
}
