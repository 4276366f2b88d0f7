// Package api implements the HTTP API: conversation turns, resume,
// interrupt, and edit, plus read-only state, tool catalog, and a
// WebSocket stream of engine events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/toolloop/internal/agent"
	"github.com/nugget/toolloop/internal/buildinfo"
	"github.com/nugget/toolloop/internal/checkpoint"
	"github.com/nugget/toolloop/internal/events"
	"github.com/nugget/toolloop/internal/tools"
	"github.com/nugget/toolloop/internal/transcript"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ConversationLister lists stored conversations. The SQLite checkpoint
// store implements it.
type ConversationLister interface {
	List(ctx context.Context, limit int) ([]checkpoint.Meta, error)
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	loop     *agent.Loop
	registry *tools.Registry
	history  ConversationLister
	events   *events.Bus
	health   HealthReporter
	usage    UsageReporter
	logger   *slog.Logger
	server   *http.Server
	locks    *keyedMutex
	newID    func() (string, error)
}

// NewServer creates a new API server.
func NewServer(address string, port int, loop *agent.Loop, registry *tools.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		address:  address,
		port:     port,
		loop:     loop,
		registry: registry,
		logger:   logger,
		locks:    newKeyedMutex(),
		newID:    newConversationID,
	}
}

// SetHistory enables GET /v1/conversations.
func (s *Server) SetHistory(h ConversationLister) {
	s.history = h
}

// SetEventBus enables the GET /v1/events WebSocket stream.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.events = bus
}

func newConversationID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Conversation operations
	mux.HandleFunc("POST /v1/conversations", s.handleCreate)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", s.handleMessage)
	mux.HandleFunc("POST /v1/conversations/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /v1/conversations/{id}/interrupt", s.handleInterrupt)
	mux.HandleFunc("POST /v1/conversations/{id}/edit", s.handleEdit)

	// Read-only views
	mux.HandleFunc("GET /v1/conversations", s.handleList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleGet)
	mux.HandleFunc("GET /v1/conversations/{id}/transcript", s.handleTranscript)
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// A turn runs several model calls; leave writes unbounded and
		// rely on the request context instead.
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// MessageRequest is the body of a new user turn.
type MessageRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// EditRequest is the body of an edit. Index selects the user message
// to replace; omitted or negative means the last one. NewID defaults
// to a fresh id.
type EditRequest struct {
	Message string `json:"message"`
	Index   *int   `json:"index,omitempty"`
	NewID   string `json:"new_id,omitempty"`
}

// handleCreate starts a new conversation.
// POST /v1/conversations {"message": "What is 2+2?"}
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := req.ConversationID
	if id == "" {
		var err error
		if id, err = s.newID(); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "generate conversation id")
			return
		}
	}
	s.startTurn(w, r, id, req.Message)
}

// handleMessage appends a user turn to an existing or new conversation.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.startTurn(w, r, r.PathValue("id"), req.Message)
}

func (s *Server) startTurn(w http.ResponseWriter, r *http.Request, id, message string) {
	if message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	unlock, err := s.locks.lock(r.Context(), id)
	if err != nil {
		s.failure(w, err)
		return
	}
	defer unlock()

	res, err := s.loop.Start(r.Context(), id, message)
	if err != nil {
		s.failure(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	unlock, err := s.locks.lock(r.Context(), id)
	if err != nil {
		s.failure(w, err)
		return
	}
	defer unlock()

	res, err := s.loop.Resume(r.Context(), id)
	if err != nil {
		s.failure(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

// handleInterrupt does not take the conversation lock: it must land
// while a turn is running.
func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.loop.Interrupt(r.Context(), id); err != nil {
		s.failure(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{
		"conversation_id":     id,
		"interrupt_requested": true,
	}, s.logger)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	index := -1
	if req.Index != nil {
		index = *req.Index
	}
	newID := req.NewID
	if newID == "" {
		var err error
		if newID, err = s.newID(); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "generate conversation id")
			return
		}
	}

	unlock, err := s.locks.lock(r.Context(), newID)
	if err != nil {
		s.failure(w, err)
		return
	}
	defer unlock()

	res, err := s.loop.Edit(r.Context(), r.PathValue("id"), newID, index, req.Message)
	if err != nil {
		s.failure(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.loop.State(r.Context(), r.PathValue("id"))
	if err != nil {
		s.failure(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snap, s.logger)
}

// handleTranscript renders a conversation for reading.
// GET /v1/conversations/{id}/transcript?format=html
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	snap, err := s.loop.State(r.Context(), r.PathValue("id"))
	if err != nil {
		s.failure(w, err)
		return
	}
	format := r.URL.Query().Get("format")
	out, err := transcript.Render(snap, format)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	switch format {
	case transcript.FormatHTML:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	case transcript.FormatText:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	default:
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	}
	if _, err := w.Write([]byte(out)); err != nil {
		s.logger.Debug("failed to write transcript", "error", err)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.errorResponse(w, http.StatusNotImplemented, "conversation history not available")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	metas, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.failure(w, err)
		return
	}
	if metas == nil {
		metas = []checkpoint.Meta{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"conversations": metas}, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": s.registry.Describe()}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// decode reads a JSON body into v, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, checkpoint.ErrNoCheckpoint),
		errors.Is(err, agent.ErrNothingToResume):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrConversationSuspended),
		errors.Is(err, agent.ErrTurnUnfinished),
		errors.Is(err, agent.ErrConversationExists):
		return http.StatusConflict
	case errors.Is(err, agent.ErrNotUserMessage),
		errors.Is(err, agent.ErrEmptyConversationID):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrModelTransport):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) failure(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", code, "error", err)
	} else {
		s.logger.Debug("request rejected", "status", code, "error", err)
	}
	s.errorResponse(w, code, err.Error())
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
