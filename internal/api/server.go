package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/busybox42/relayq/internal/metrics"
	"github.com/busybox42/relayq/internal/policy"
	"github.com/busybox42/relayq/internal/queue"
)

// MaxBodySize bounds the size of an enqueue request.
const MaxBodySize = 50 * 1024 * 1024

// Queue is the part of the scheduler the API operates on.
type Queue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	Messages() []*queue.Message
	Message(id string) (*queue.Message, error)
	Body(ctx context.Context, id string) ([]byte, error)
	Remove(ctx context.Context, id string) error
	Pause(reason string)
	Resume()
	Paused() (bool, string)
}

// Server is the operational HTTP API
type Server struct {
	listenAddr string
	queue      Queue
	metrics    *metrics.Metrics
	logger     *slog.Logger
	started    time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a new API server. m may be nil, in which case /metrics
// serves the default registry.
func NewServer(listenAddr string, q Queue, m *metrics.Metrics) *Server {
	if listenAddr == "" {
		listenAddr = "127.0.0.1:8025"
	}
	return &Server{
		listenAddr: listenAddr,
		queue:      q,
		metrics:    m,
		logger:     slog.Default().With("component", "api"),
		started:    time.Now(),
	}
}

// Handler returns the API router
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	api.HandleFunc("/logging/level", s.handleGetLogLevel).Methods("GET")
	api.HandleFunc("/logging/level", s.handleSetLogLevel).Methods("POST", "PUT")

	api.HandleFunc("/queue/pause", s.handlePause).Methods("POST")
	api.HandleFunc("/queue/resume", s.handleResume).Methods("POST")
	api.HandleFunc("/queue", s.handleListMessages).Methods("GET")
	api.HandleFunc("/queue", s.handleEnqueue).Methods("POST")
	api.HandleFunc("/queue/{id}", s.handleGetMessage).Methods("GET")
	api.HandleFunc("/queue/{id}", s.handleDeleteMessage).Methods("DELETE")
	return r
}

// Start starts the API server
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		s.logger.Info("Starting API server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the address the server listens on, once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.listenAddr
	}
	return s.listener.Addr().String()
}

// Stop stops the API server
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// EnqueueRequest is the body of POST /api/queue.
type EnqueueRequest struct {
	From string `json:"from"`
	To   []struct {
		Address string `json:"address"`
		Notify  string `json:"notify,omitempty"`
	} `json:"to"`
	Body string `json:"body"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodySize))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	qreq := queue.EnqueueRequest{ReturnPath: req.From, Body: []byte(req.Body)}
	for _, rcpt := range req.To {
		notify, err := queue.ParseNotify(rcpt.Notify)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid NOTIFY for "+rcpt.Address, err)
			return
		}
		qreq.Recipients = append(qreq.Recipients, queue.RecipientSpec{Address: rcpt.Address, Notify: notify})
	}

	id, err := s.queue.Enqueue(r.Context(), qreq)
	switch {
	case errors.Is(err, queue.ErrInvalidRecipient), errors.Is(err, queue.ErrNoRecipients):
		writeError(w, http.StatusBadRequest, "Invalid recipients", err)
		return
	case errors.Is(err, policy.ErrNoMatchingRule):
		writeError(w, http.StatusUnprocessableEntity, "No delivery policy", err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to queue message", err)
		return
	}

	w.Header().Set("Location", "/api/queue/"+id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.queue.Messages())
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	msg, err := s.queue.Message(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Message not found", err)
		return
	}

	content, err := s.queue.Body(r.Context(), id)
	if err != nil {
		s.logger.Error("Error getting content for message", "message_id", id, "error", err)
		writeError(w, http.StatusNotFound, "Message metadata loaded, but content is missing", err)
		return
	}

	if r.URL.Query().Get("format") == "raw" {
		w.Header().Set("Content-Type", "message/rfc822")
		if _, err := w.Write(content); err != nil {
			s.logger.Error("Error writing raw response", "message_id", id, "error", err)
		}
		return
	}

	writeJSON(w, struct {
		*queue.Message
		Content string `json:"content"`
	}{msg, string(content)})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.queue.Remove(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrMessageNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, "Failed to delete message", err)
		return
	}
	writeJSON(w, map[string]string{"status": "success", "message": fmt.Sprintf("Message %s deleted", id)})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "paused via API"
	}
	s.queue.Pause(req.Reason)
	writeJSON(w, map[string]any{"paused": true, "reason": req.Reason})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.queue.Resume()
	writeJSON(w, map[string]any{"paused": false})
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime"`
	Queued      int    `json:"queued"`
	Recipients  int    `json:"recipients"`
	Paused      bool   `json:"paused"`
	PauseReason string `json:"pause_reason,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	msgs := s.queue.Messages()
	paused, reason := s.queue.Paused()

	resp := HealthResponse{
		Status:      "healthy",
		Uptime:      formatDuration(time.Since(s.started)),
		Queued:      len(msgs),
		Paused:      paused,
		PauseReason: reason,
	}
	for _, m := range msgs {
		resp.Recipients += len(m.Recipients())
	}
	if paused {
		resp.Status = "paused"
	}
	writeJSON(w, resp)
}

func formatDuration(d time.Duration) string {
	return d.Truncate(time.Second).String()
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, fmt.Sprintf("Error encoding JSON: %v", err), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": message}
	if err != nil {
		body["details"] = err.Error()
	}
	_ = json.NewEncoder(w).Encode(body)
}
