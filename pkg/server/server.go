package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loracle-dev/loracle/pkg/models"
	"github.com/loracle-dev/loracle/pkg/orchestrator"
	"github.com/loracle-dev/loracle/pkg/store"
)

// Assistant is the part of the orchestrator the server drives.
type Assistant interface {
	Submit(ctx context.Context, text string) error
	Listen(ctx context.Context) error
	Trigger()
	NewSession(ctx context.Context, title string) (string, error)
	SwitchSession(ctx context.Context, id string) error
	DeleteSession(ctx context.Context, id string) error
	State() orchestrator.State
	CurrentSession() string
	Messages() []store.Message
	Subscribe() (<-chan orchestrator.Update, func())
}

var _ Assistant = (*orchestrator.Orchestrator)(nil)

// Server serves the HTTP API and the event websocket.
type Server struct {
	store     store.Store
	assistant Assistant
	lister    models.Lister
	srv       *http.Server

	watchOnce sync.Once
	storeHub  hub
}

// New creates a new Server. lister may be nil when the backend cannot enumerate models.
func New(st store.Store, assistant Assistant, lister models.Lister) *Server {
	return &Server{
		store:     st,
		assistant: assistant,
		lister:    lister,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	s.watchOnce.Do(func() {
		go s.watchStore(s.store.Subscribe())
	})

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/select", s.handleSelectSession)

	mux.HandleFunc("POST /api/turns", s.handleSubmit)
	mux.HandleFunc("POST /api/listen", s.handleListen)
	mux.HandleFunc("POST /api/trigger", s.handleTrigger)
	mux.HandleFunc("GET /api/state", s.handleState)

	mux.HandleFunc("GET /api/models", s.handleListModels)

	// WebSocket
	mux.HandleFunc("/api/events", s.handleEvents)

	return s.corsMiddleware(mux)
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting web server", "addr", addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		slog.Error("API Error", "error", err)
	} else {
		slog.Debug("API Error", "status", status, "error", err)
	}
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps orchestrator errors to HTTP statuses.
func statusFor(err error) int {
	var turnErr *orchestrator.TurnError
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrEmptyPrompt), errors.Is(err, store.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNoRecognizer):
		return http.StatusNotImplemented
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &turnErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
