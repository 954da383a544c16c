package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/loracle-dev/loracle/pkg/store"
)

// --- Sessions ---

// sessionID returns the {id} path value, answering 400 when it is not a valid session ID.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if err := store.ValidateID(id); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return "", false
	}
	return id, true
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	previews, err := s.store.ListPreviews(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, previews)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	// An empty body creates a session with the default title.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.assistant.NewSession(r.Context(), req.Title)
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"id":       id,
		"messages": s.store.LoadSession(r.Context(), id),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if err := s.assistant.DeleteSession(r.Context(), id); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelectSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if err := s.assistant.SwitchSession(r.Context(), id); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"id": id})
}

// --- Turns ---

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if err := s.assistant.Submit(r.Context(), req.Text); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"session_id": s.assistant.CurrentSession()})
}

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	if err := s.assistant.Listen(r.Context()); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	s.assistant.Trigger()
	w.WriteHeader(http.StatusAccepted)
}

type stateResponse struct {
	State     string          `json:"state"`
	SessionID string          `json:"session_id,omitempty"`
	Messages  []store.Message `json:"messages"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, stateResponse{
		State:     s.assistant.State().String(),
		SessionID: s.assistant.CurrentSession(),
		Messages:  s.assistant.Messages(),
	})
}

// --- Models ---

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if s.lister == nil {
		s.errorResponse(w, http.StatusNotImplemented, errors.New("backend cannot list models"))
		return
	}
	models, err := s.lister.List(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, models)
}
