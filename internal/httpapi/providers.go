package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type setModelRequest struct {
	Model string `json:"model"`
}

type setCostModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"providers": s.backend.Providers()})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	candidates, err := s.backend.Models(r.Context(), name)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"provider": name, "models": candidates})
}

func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	var req setModelRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.backend.SetPreferredModel(name, req.Model); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"provider": name, "model": req.Model})
}

func (s *Server) handleSetCostMode(w http.ResponseWriter, r *http.Request) {
	var req setCostModeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.backend.SetCostMode(name, req.Mode); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"provider": name, "mode": req.Mode})
}
