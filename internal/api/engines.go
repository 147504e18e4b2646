package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/smashpdf/smash/internal/model"
)

func (s *Server) handleListEngines(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.modules.States())
}

func (s *Server) handlePreloadEngine(w http.ResponseWriter, r *http.Request) {
	engineType := chi.URLParam(r, "engineType")
	if !model.KnownEngineType(engineType) {
		s.writeError(w, http.StatusNotFound, "unknown engine type")
		return
	}

	s.modules.Preload(engineType)

	st, err := s.modules.StateOf(engineType)
	if err != nil {
		s.logger.Error("engine state after preload", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read engine state")
		return
	}
	s.writeJSON(w, http.StatusAccepted, st)
}
