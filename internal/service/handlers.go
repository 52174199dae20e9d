package service

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
	"github.com/xkilldash9x/greyhat-cli/internal/session"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = codec.NewEncoder(w).Encode(v)
}

// writeError maps the session error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, schemas.ErrInvalidTarget), errors.Is(err, schemas.ErrNoProviderAvailable):
		status = http.StatusBadRequest
	case errors.Is(err, schemas.ErrSessionNotFound), errors.Is(err, schemas.ErrTokenNotFound):
		status = http.StatusNotFound
	case errors.Is(err, schemas.ErrUnauthorized):
		status = http.StatusForbidden
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

type startSessionRequest struct {
	Target           string   `json:"target"`
	Scope            []string `json:"scope,omitempty"`
	EnabledProviders []string `json:"enabled_providers,omitempty"`
	VoiceEnabled     bool     `json:"voice_enabled,omitempty"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := codec.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	record, err := s.manager.Start(r.Context(), req.Target, session.StartOptions{
		Scope:            req.Scope,
		EnabledProviders: req.EnabledProviders,
		VoiceEnabled:     req.VoiceEnabled,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	record, err := s.manager.Record(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Cancel(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Pause(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, schemas.ErrSessionNotFound) {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Resume(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, schemas.ErrSessionNotFound) {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	findings, err := s.manager.Findings(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if findings == nil {
		findings = []schemas.Finding{}
	}
	writeJSON(w, http.StatusOK, findings)
}

type confirmationView struct {
	Token  string         `json:"token"`
	Action schemas.Action `json:"action"`
}

func (s *Server) handleListConfirmations(w http.ResponseWriter, _ *http.Request) {
	pending := s.manager.PendingConfirmations()
	out := make([]confirmationView, 0, len(pending))
	for token, action := range pending {
		out = append(out, confirmationView{Token: token, Action: action})
	}
	writeJSON(w, http.StatusOK, out)
}

type resolveRequest struct {
	Approved bool   `json:"approved"`
	Note     string `json:"note,omitempty"`
}

func (s *Server) handleResolveConfirmation(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := codec.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	token := chi.URLParam(r, "token")
	if err := s.manager.Resolve(token, req.Approved, req.Note); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseFromSeq reads the ?from= replay offset; absent means from the start.
func parseFromSeq(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("from")
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
