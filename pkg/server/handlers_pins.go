package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/attic-go/attic/pkg/apierror"
	"github.com/attic-go/attic/pkg/database"
)

type pinBody struct {
	Name      string `json:"name"`
	StorePath string `json:"store_path"`
}

func pinDoc(p *database.Pin) pinBody {
	return pinBody{Name: p.Name, StorePath: p.StorePath}
}

func (s *Server) cacheIDForRequest(w http.ResponseWriter, r *http.Request) (int64, bool) {
	cacheName := chi.URLParam(r, "cache")

	cache, err := s.caches.Get(r.Context(), cacheName, true)
	if err != nil {
		apierror.Render(&s.log, w, r, err)

		return 0, false
	}

	return cache.ID, true
}

func (s *Server) listPins(w http.ResponseWriter, r *http.Request) {
	cacheID, ok := s.cacheIDForRequest(w, r)
	if !ok {
		return
	}

	pins, err := s.pins.List(r.Context(), cacheID)
	if err != nil {
		apierror.Render(&s.log, w, r, err)

		return
	}

	docs := make([]pinBody, 0, len(pins))
	for _, p := range pins {
		docs = append(docs, pinDoc(p))
	}

	if err := writeJSON(w, docs); err != nil {
		s.log.Error().Err(err).Msg("error writing pins list response")
	}
}

func (s *Server) getPin(w http.ResponseWriter, r *http.Request) {
	cacheID, ok := s.cacheIDForRequest(w, r)
	if !ok {
		return
	}

	p, err := s.pins.Get(r.Context(), cacheID, chi.URLParam(r, "name"))
	if err != nil {
		apierror.Render(&s.log, w, r, err)

		return
	}

	if err := writeJSON(w, pinDoc(p)); err != nil {
		s.log.Error().Err(err).Msg("error writing pin response")
	}
}

func (s *Server) putPin(w http.ResponseWriter, r *http.Request) {
	cacheID, ok := s.cacheIDForRequest(w, r)
	if !ok {
		return
	}

	var body struct {
		StorePath string `json:"store_path"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierror.Render(&s.log, w, r, apierror.RequestError("invalid request body: "+err.Error()))

		return
	}

	p, err := s.pins.Create(r.Context(), cacheID, chi.URLParam(r, "name"), body.StorePath)
	if err != nil {
		apierror.Render(&s.log, w, r, err)

		return
	}

	w.WriteHeader(http.StatusCreated)

	if err := writeJSON(w, pinDoc(p)); err != nil {
		s.log.Error().Err(err).Msg("error writing pin response")
	}
}

func (s *Server) deletePin(w http.ResponseWriter, r *http.Request) {
	cacheID, ok := s.cacheIDForRequest(w, r)
	if !ok {
		return
	}

	if err := s.pins.Delete(r.Context(), cacheID, chi.URLParam(r, "name")); err != nil {
		apierror.Render(&s.log, w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}
