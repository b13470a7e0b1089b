package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fieldline/fieldline/engine/executor"
	"github.com/fieldline/fieldline/tenant"
)

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	tc, _ := tenant.FromContext(r.Context())
	limit := 0
	if raw := r.URL.Query().Get("checkpointLimit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondBadRequest(w, "invalid checkpointLimit")
			return
		}
		limit = n
	}
	obs, err := s.opts.Engine.Observe(r.Context(), tc, chi.URLParam(r, "executionId"), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

func (s *Server) signalExecution(w http.ResponseWriter, r *http.Request) {
	tc, _ := tenant.FromContext(r.Context())
	var req struct {
		Signal string `json:"signal"`
	}
	if err := decode(r, &req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	sig, err := executor.ParseSignal(req.Signal)
	if err != nil {
		respondBadRequest(w, err.Error())
		return
	}
	if err := s.opts.Engine.Signal(r.Context(), tc, chi.URLParam(r, "executionId"), sig); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
