package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/attic-go/attic/pkg/apierror"
	"github.com/attic-go/attic/pkg/retrieval"
)

const (
	contentType        = "Content-Type"
	contentLength      = "Content-Length"
	contentTypeNar     = "application/x-nix-nar"
	contentTypeNarInfo = "text/x-nix-narinfo"
	contentTypeJSON    = "application/json"

	headerCacheVisibility = "X-Attic-Cache-Visibility"
)

// setVisibilityHeader appends X-Attic-Cache-Visibility: public when the
// cache is public (spec §6 "Response headers").
func setVisibilityHeader(w http.ResponseWriter, isPublic bool) {
	if isPublic {
		w.Header().Set(headerCacheVisibility, "public")
	}
}

func (s *Server) getNixCacheInfo(w http.ResponseWriter, r *http.Request) {
	cacheName := chi.URLParam(r, "cache")

	discoverable := s.applyPublicPullGrant(r.Context(), cacheName, permForCache(r, cacheName)).CanDiscover()

	cache, err := s.caches.Get(r.Context(), cacheName, discoverable)
	if err != nil {
		apierror.Render(&s.log, w, r, err)

		return
	}

	setVisibilityHeader(w, cache.IsPublic)

	body := struct {
		StoreDir      string `json:"store_dir"`
		Priority      int    `json:"priority"`
		WantMassQuery bool   `json:"want_mass_query"`
	}{
		StoreDir:      cache.StoreDir,
		Priority:      cache.Priority,
		WantMassQuery: true,
	}

	w.Header().Set(contentType, contentTypeJSON)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Msg("error writing nix-cache-info response")
	}
}

func (s *Server) getNarInfo(w http.ResponseWriter, r *http.Request) {
	cacheName := chi.URLParam(r, "cache")
	hash := chi.URLParam(r, "hash")

	discoverable := s.applyPublicPullGrant(r.Context(), cacheName, permForCache(r, cacheName)).CanDiscover()

	resolved, err := s.resolver.Resolve(r.Context(), cacheName, hash, discoverable)
	if err != nil {
		apierror.Render(&s.log, w, r, err)

		return
	}

	setVisibilityHeader(w, resolved.Cache.IsPublic)

	ni, err := retrieval.BuildNarInfo(resolved)
	if err != nil {
		apierror.Render(&s.log, w, r, apierror.Wrap(apierror.KindManifestSerialization, err))

		return
	}

	body := []byte(ni.String())

	h := w.Header()
	h.Set(contentType, contentTypeNarInfo)
	h.Set(contentLength, strconv.Itoa(len(body)))

	if r.Method == http.MethodHead {
		return
	}

	if _, err := w.Write(body); err != nil {
		s.log.Error().Err(err).Msg("error writing narinfo response")
	}
}

func (s *Server) getNar(w http.ResponseWriter, r *http.Request) {
	cacheName := chi.URLParam(r, "cache")
	hash := chi.URLParam(r, "hash")

	discoverable := s.applyPublicPullGrant(r.Context(), cacheName, permForCache(r, cacheName)).CanDiscover()

	resolved, err := s.resolver.Resolve(r.Context(), cacheName, hash, discoverable)
	if err != nil {
		apierror.Render(&s.log, w, r, err)

		return
	}

	setVisibilityHeader(w, resolved.Cache.IsPublic)

	stream, err := s.resolver.StreamNAR(r.Context(), resolved)
	if err != nil {
		apierror.Render(&s.log, w, r, err)

		return
	}
	defer stream.Close() //nolint:errcheck

	w.Header().Set(contentType, contentTypeNar)

	if _, err := io.Copy(w, stream); err != nil {
		s.log.Error().Err(err).Str("hash", hash).Msg("error streaming nar response")
	}
}
