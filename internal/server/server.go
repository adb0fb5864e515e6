// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/patelvivekdev/ai-sdk-v5/internal/logging"
	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
	"github.com/patelvivekdev/ai-sdk-v5/internal/session"
	"github.com/patelvivekdev/ai-sdk-v5/internal/stream"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultPort is the default port for the HTTP server.
	DefaultPort = 8787

	// DefaultHost binds to loopback only.
	DefaultHost = "127.0.0.1"

	// MaxMessageCount is the maximum number of messages in a request.
	MaxMessageCount = 500

	// MaxRequestBodySize bounds request bodies. Attachments travel inline
	// as data URIs, so it leaves room for several of them.
	MaxRequestBodySize = 4*model.MaxAttachmentSize + 1<<20

	// Version is the server version.
	Version = "0.3.0"
)

// ============================================================================
// CONFIG
// ============================================================================

// Config configures the listener and request limits.
type Config struct {
	Host string
	Port int

	// RequestsPerMinute is the per-client budget. Zero disables limiting.
	RequestsPerMinute int

	// AllowedOrigins enables CORS for browser clients when non-empty.
	AllowedOrigins []string
}

// DefaultConfig returns the loopback listener with 100 requests per minute.
func DefaultConfig() Config {
	return Config{
		Host:              DefaultHost,
		Port:              DefaultPort,
		RequestsPerMinute: 100,
	}
}

// Addr returns host:port.
func (c Config) Addr() string {
	host := c.Host
	if host == "" {
		host = DefaultHost
	}
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ============================================================================
// SERVER STATS
// ============================================================================

// ServerStats tracks inference usage.
type ServerStats struct {
	TotalRequests  atomic.Int64
	FailedRequests atomic.Int64
	TotalTokens    atomic.Int64
	StartTime      time.Time
}

// StatsResponse is the JSON form of ServerStats.
type StatsResponse struct {
	TotalRequests  int64   `json:"totalRequests"`
	FailedRequests int64   `json:"failedRequests"`
	TotalTokens    int64   `json:"totalTokens"`
	UptimeSeconds  float64 `json:"uptimeSeconds"`
	OpenSessions   int     `json:"openSessions"`
}

// NewServerStats creates a new ServerStats instance.
func NewServerStats() *ServerStats {
	return &ServerStats{StartTime: time.Now()}
}

// RecordRequest records one finished inference request.
func (s *ServerStats) RecordRequest(tokens int, failed bool) {
	s.TotalRequests.Add(1)
	s.TotalTokens.Add(int64(tokens))
	if failed {
		s.FailedRequests.Add(1)
	}
}

// Uptime returns the server uptime duration.
func (s *ServerStats) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

// ============================================================================
// SERVER
// ============================================================================

// Server serves the inference endpoint and, when a session manager is
// attached, the session API.
type Server struct {
	cfg       Config
	transport stream.Transport
	registry  *model.Registry
	sessions  *session.Manager
	cors      *CORSConfig
	stats     *ServerStats
	now       func() time.Time

	// turns outlive the request that started them; they run under baseCtx.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	limiter *RateLimiter
	server  *http.Server
	mu      sync.Mutex
}

// NewServer creates a server streaming replies from transport.
func NewServer(cfg Config, transport stream.Transport, registry *model.Registry) *Server {
	if registry == nil {
		registry = model.Builtin
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		transport:  transport,
		registry:   registry,
		stats:      NewServerStats(),
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	if len(cfg.AllowedOrigins) > 0 {
		cors := DefaultCORSConfig()
		cors.AllowedOrigins = cfg.AllowedOrigins
		s.cors = cors
	}
	if cfg.RequestsPerMinute > 0 {
		s.limiter = NewRateLimiter(cfg.RequestsPerMinute, 10*time.Minute)
	}
	return s
}

// WithSessions attaches a session manager and enables /api/sessions.
func (s *Server) WithSessions(m *session.Manager) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = m
	return s
}

// Stats returns a snapshot of usage counters.
func (s *Server) Stats() StatsResponse {
	resp := StatsResponse{
		TotalRequests:  s.stats.TotalRequests.Load(),
		FailedRequests: s.stats.FailedRequests.Load(),
		TotalTokens:    s.stats.TotalTokens.Load(),
		UptimeSeconds:  model.RoundSeconds(s.stats.Uptime()),
	}
	if s.sessions != nil {
		resp.OpenSessions = s.sessions.Len()
	}
	return resp
}

// ============================================================================
// ROUTES
// ============================================================================

// Handler returns the routed handler with the middleware stack applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RecoveryMiddleware())
	r.Use(LoggingMiddleware())
	r.Use(SecurityHeadersMiddleware())
	r.Use(middleware.StripSlashes)
	if s.cors != nil {
		r.Use(CORSMiddleware(s.cors))
	}
	if s.limiter != nil {
		r.Use(RateLimitMiddleware(s.limiter))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Get("/models", s.handleModels)

		if s.sessions != nil {
			r.Route("/sessions", s.sessionRoutes)
		}
	})

	return r
}

// ============================================================================
// HANDLERS
// ============================================================================

// handleChat handles POST /api/chat. Events are relayed as SSE; the finish
// event is stamped with the selected model, creation time and duration.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req stream.Request
	if !decodeBody(w, r, &req) {
		return
	}

	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "Request must contain at least one message")
		return
	}
	if len(req.Messages) > MaxMessageCount {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Too many messages: maximum is %d", MaxMessageCount))
		return
	}
	if err := model.ValidateMessages(req.Messages); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ReasoningLevel != "" && !req.ReasoningLevel.IsValid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid reasoning level %q", req.ReasoningLevel))
		return
	}

	opt := s.registry.Default()
	if req.SelectedModel != "" {
		var ok bool
		if opt, ok = s.registry.ByID(req.SelectedModel); !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown model %q", req.SelectedModel))
			return
		}
	}
	req.SelectedModel = opt.ID
	req.ReasoningLevel = req.ReasoningLevel.OrDefault()

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	start := s.now()
	tokens := 0
	err = s.transport.Stream(r.Context(), req, func(ev stream.Event) error {
		if ev.Type == stream.EventFinish {
			ev.Model = opt.ID
			ev.CreatedAt = start.UnixMilli()
			ev.Duration = model.RoundSeconds(s.now().Sub(start))
			tokens = ev.TotalTokens
		}
		return sse.Send(ev)
	})
	s.stats.RecordRequest(tokens, err != nil)

	if err != nil {
		if r.Context().Err() != nil {
			logging.Info("CHAT_CLIENT_GONE", "model", opt.ID)
			return
		}
		logging.Error("CHAT_STREAM_FAIL", "model", opt.ID, "started", sse.started, "error", err)
		if !sse.started {
			writeError(w, http.StatusInternalServerError, "Request processing failed. Please try again.")
			return
		}
		_ = sse.Send(stream.ErrorEvent("Request processing failed. Please try again."))
	}
	_ = sse.Done()
}

// ModelsResponse is the body of GET /api/models.
type ModelsResponse struct {
	Models  []model.ModelOption `json:"models"`
	Default string              `json:"default"`
}

// handleModels handles GET /api/models.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ModelsResponse{
		Models:  s.registry.All(),
		Default: s.registry.Default().ID,
	})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Version:       Version,
		UptimeSeconds: model.RoundSeconds(s.stats.Uptime()),
	})
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and blocks until Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	logging.Info("SERVER_START", "addr", srv.Addr, "version", Version)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then stops in-flight session turns so
// their partial replies are persisted.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("SERVER_SHUTDOWN", "uptime", s.stats.Uptime().Round(time.Second))

	s.mu.Lock()
	srv := s.server
	mgr := s.sessions
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if mgr != nil {
		if err := mgr.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
	}
	s.baseCancel()
	if s.limiter != nil {
		s.limiter.Close()
	}
	return errors.Join(errs...)
}

// ============================================================================
// HELPERS
// ============================================================================

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("HTTP_WRITE_FAIL", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// decodeBody decodes a bounded JSON body into v and answers 400 or 413 on
// failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Request body exceeds maximum size of %d bytes", MaxRequestBodySize))
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request format")
		return false
	}
	return true
}
