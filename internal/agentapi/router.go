package agentapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/worldbox/worldbox/internal/budget"
	"github.com/worldbox/worldbox/internal/trace"
)

// Router builds the HTTP surface of the service.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/execute", s.handleExecute)
		r.Post("/stream", s.handleStream)
		r.Get("/trace/{spanID}", s.handleTrace)
		r.Post("/request_scopes", s.handleRequestScopes)
		r.Get("/capabilities", s.handleCapabilities)
	})
	return r
}

func (s *Service) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", "")
		return
	}
	resp, err := s.Execute(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleTrace(w http.ResponseWriter, r *http.Request) {
	span, err := s.Trace(r.Context(), chi.URLParam(r, "spanID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, span)
}

func (s *Service) handleRequestScopes(w http.ResponseWriter, r *http.Request) {
	var req ScopeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", "")
		return
	}
	resp, err := s.RequestScopes(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Capabilities(r.Context()))
}

func writeServiceError(w http.ResponseWriter, err error) {
	var denied *DeniedError
	switch {
	case errors.Is(err, ErrMissingAgentID):
		writeError(w, http.StatusBadRequest, "missing_agent_id", err.Error(), "")
	case errors.As(err, &denied):
		writeError(w, http.StatusForbidden, "policy_denied", denied.Reason, denied.Pattern)
	case errors.Is(err, budget.ErrExhausted):
		writeError(w, http.StatusTooManyRequests, "budget_exceeded", err.Error(), "")
	case errors.Is(err, trace.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), "")
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), "")
	}
}

func writeError(w http.ResponseWriter, status int, code, msg, pattern string) {
	writeJSON(w, status, apiError{Error: msg, Code: code, Pattern: pattern})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
