package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nstogner/celeste/pkg/chat"
	"github.com/nstogner/celeste/pkg/dispatch"
	"github.com/nstogner/celeste/pkg/events"
	"github.com/nstogner/celeste/pkg/logging"
	"github.com/nstogner/celeste/pkg/store"
)

// Server exposes a chat session over REST and a websocket event stream.
type Server struct {
	session *chat.Session
	bus     *events.Bus
	store   store.Store
	srv     *http.Server
	cancel  context.CancelFunc
}

// New creates a new Server. The session must publish to bus.
func New(session *chat.Session, bus *events.Bus, st store.Store) *Server {
	return &Server{
		session: session,
		bus:     bus,
		store:   st,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/models", s.handleListModels)

	// Selections
	mux.HandleFunc("GET /api/selections", s.handleGetSelections)
	mux.HandleFunc("PUT /api/selections", s.handlePutSelections)
	mux.HandleFunc("POST /api/selections/model", s.handleSelectModel)

	// Conversations
	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("POST /api/conversations", s.handleNewConversation)
	mux.HandleFunc("GET /api/conversations/current", s.handleCurrentConversation)
	mux.HandleFunc("POST /api/conversations/{id}/open", s.handleOpenConversation)
	mux.HandleFunc("PUT /api/conversations/{id}", s.handleRenameConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleListMessages)

	// Current conversation
	mux.HandleFunc("POST /api/submit", s.handleSubmit)
	mux.HandleFunc("POST /api/cancel", s.handleCancel)
	mux.HandleFunc("DELETE /api/messages/{id}", s.handleDeleteMessage)

	// WebSocket
	mux.HandleFunc("/api/chat", s.handleChatWebSocket)

	return s.corsMiddleware(s.logMiddleware(mux))
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.store != nil {
		go s.watchStore(ctx)
	}

	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	slog.Info("Starting web server", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.srv.Shutdown(ctx)
}

// watchStore mirrors store writes to session subscribers so history lists can
// refresh.
func (s *Server) watchStore(ctx context.Context) {
	updates := s.store.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-updates:
			s.session.Publish(events.Event{Type: events.StoreChanged, ConversationID: id})
		}
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// logMiddleware attaches a request-scoped logger to the context.
func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := slog.Default().With("request_id", uuid.NewString(), "method", r.Method, "path", r.URL.Path)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(logging.WithLogger(r.Context(), logger)))
		logger.Debug("Handled request", "duration", time.Since(start))
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	slog.Error("API Error", "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrBusy), errors.Is(err, chat.ErrNoConversation):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
