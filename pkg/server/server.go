// Package server implements the HTTP surface of spec §6: the substituter
// read routes (nix-cache-info, narinfo, nar) plus the private API for
// pushes, cache administration, pinning, and deletion, gated by capability
// tokens resolved per spec §4.3.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"

	"github.com/attic-go/attic/pkg/cacheadmin"
	"github.com/attic-go/attic/pkg/database"
	"github.com/attic-go/attic/pkg/gc"
	"github.com/attic-go/attic/pkg/ingestion"
	"github.com/attic-go/attic/pkg/pin"
	"github.com/attic-go/attic/pkg/retrieval"
	"github.com/attic-go/attic/pkg/storage"
	"github.com/attic-go/attic/pkg/token"
)

// Server wires every domain package into the HTTP surface. It holds no
// per-request state; everything below is process-wide and read-only after
// New returns (spec §9 "global mutable state").
type Server struct {
	store     *database.Store
	backend   storage.Backend
	ingestor  *ingestion.Ingestor
	resolver  *retrieval.Resolver
	caches    *cacheadmin.Manager
	pins      *pin.Manager
	collector *gc.Collector

	tokenConfig token.Config
	log         zerolog.Logger

	router *chi.Mux
}

// Config bundles the collaborators a Server needs.
type Config struct {
	Store       *database.Store
	Backend     storage.Backend
	Ingestor    *ingestion.Ingestor
	Resolver    *retrieval.Resolver
	Collector   *gc.Collector
	TokenConfig token.Config
	Log         zerolog.Logger
}

// New constructs a Server and its router.
func New(cfg Config) *Server {
	s := &Server{
		store:       cfg.Store,
		backend:     cfg.Backend,
		ingestor:    cfg.Ingestor,
		resolver:    cfg.Resolver,
		caches:      cacheadmin.New(cfg.Store),
		pins:        pin.New(cfg.Store),
		collector:   cfg.Collector,
		tokenConfig: cfg.TokenConfig,
		log:         cfg.Log,
	}

	s.router = s.newRouter()

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) newRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otelchi.Middleware("attic-server"))
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.authenticate)

	r.Route("/{cache}", func(r chi.Router) {
		r.Get("/nix-cache-info", s.requirePermission(pullBit, s.getNixCacheInfo))
		r.Get("/{hash:[0-9a-df-np-sv-z]{32}}.narinfo", s.requirePermission(pullBit, s.getNarInfo))
		r.Head("/{hash:[0-9a-df-np-sv-z]{32}}.narinfo", s.requirePermission(pullBit, s.getNarInfo))
		r.Get("/nar/{hash:[0-9a-df-np-sv-z]{32}}.nar", s.requirePermission(pullBit, s.getNar))
	})

	r.Route("/_api/v1", func(r chi.Router) {
		r.Post("/get-missing-paths", s.postGetMissingPaths)
		r.Put("/upload-path", s.putUploadPath)

		r.Route("/cache-config/{cache}", func(r chi.Router) {
			r.Get("/", s.requirePermission(pullBit, s.getCacheConfig))
			r.Post("/", s.requirePermission(createCacheBit, s.postCacheConfig))
			r.Patch("/", s.requirePermission(configureCacheBit, s.patchCacheConfig))
			r.Delete("/", s.requirePermission(destroyCacheBit, s.deleteCacheConfig))
		})

		r.Delete("/delete-path/{cache}/{hash}", s.requirePermission(deleteBit, s.deleteObject))

		r.Route("/pins/{cache}", func(r chi.Router) {
			r.Get("/", s.requirePermission(pullBit, s.listPins))
			r.Get("/{name}", s.requirePermission(pullBit, s.getPin))
			r.Put("/{name}", s.requirePermission(pushBit, s.putPin))
			r.Delete("/{name}", s.requirePermission(pushBit, s.deletePin))
		})
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(startedAt)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		}()

		next.ServeHTTP(ww, r)
	})
}
