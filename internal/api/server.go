// Package api implements the HTTP API: chat, MCP server
// administration, tool listing, and operational introspection.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ranaroussi/muxi-sub001/internal/agent"
	"github.com/ranaroussi/muxi-sub001/internal/buildinfo"
	"github.com/ranaroussi/muxi-sub001/internal/connwatch"
	"github.com/ranaroussi/muxi-sub001/internal/events"
	"github.com/ranaroussi/muxi-sub001/internal/llm"
	"github.com/ranaroussi/muxi-sub001/internal/mcp"
	"github.com/ranaroussi/muxi-sub001/internal/memory"
	"github.com/ranaroussi/muxi-sub001/internal/router"
	"github.com/ranaroussi/muxi-sub001/internal/tools"
)

// writeJSON encodes v to w. Encode failures usually mean the client
// went away mid-response, so they are logged at debug and dropped.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("response write failed", "error", err)
	}
}

// Registry is the server administration and tool surface the API
// exposes. Implemented by *mcp.Registry.
type Registry interface {
	Register(ctx context.Context, id string, desc mcp.ServerDescriptor) error
	Disconnect(serverID string) bool
	Server(id string) (mcp.ServerInfo, bool)
	Servers() []mcp.ServerInfo
	AllTools(ctx context.Context) map[string][]mcp.ToolInfo
}

// Config assembles a Server's dependencies. Model, Loop, Router,
// Registry, and Buffer are required; the rest may be nil.
type Config struct {
	// Address is the bind address. Empty means all interfaces.
	Address string
	Port    int

	// Model is the chat/embedding provider.
	Model llm.Client

	// ChatModel is the model used when the routed profile has no
	// override of its own.
	ChatModel string

	Loop     *agent.Loop
	Router   *router.Router
	Registry Registry
	Buffer   *memory.Buffer

	// Builtins lists local tools on /api/tools. May be nil.
	Builtins *tools.Registry

	// Watch supplies connection health for /healthz and watcher
	// removal on server deregistration. May be nil.
	Watch *connwatch.Manager

	// WatchServer attaches a connection watcher after a successful
	// /api/servers registration. May be nil.
	WatchServer func(id string)

	// Bus feeds the /api/events stream. May be nil, which disables
	// the endpoint.
	Bus *events.Bus

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address     string
	port        int
	model       llm.Client
	chatModel   string
	loop        *agent.Loop
	router      *router.Router
	registry    Registry
	builtins    *tools.Registry
	buffer      *memory.Buffer
	watch       *connwatch.Manager
	watchServer func(id string)
	bus         *events.Bus
	logger      *slog.Logger
	server      *http.Server
}

// NewServer creates the API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:     cfg.Address,
		port:        cfg.Port,
		model:       cfg.Model,
		chatModel:   cfg.ChatModel,
		loop:        cfg.Loop,
		router:      cfg.Router,
		registry:    cfg.Registry,
		builtins:    cfg.Builtins,
		buffer:      cfg.Buffer,
		watch:       cfg.Watch,
		watchServer: cfg.WatchServer,
		bus:         cfg.Bus,
		logger:      logger,
	}
}

// routes builds the handler tree.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /", s.handleRoot)

	mux.HandleFunc("GET /api/servers", s.handleServerList)
	mux.HandleFunc("POST /api/servers", s.handleServerRegister)
	mux.HandleFunc("DELETE /api/servers/{id}", s.handleServerDelete)

	mux.HandleFunc("GET /api/tools", s.handleTools)

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.HandleFunc("GET /api/conversations", s.handleConversationList)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleConversationDelete)

	mux.HandleFunc("GET /api/router/stats", s.handleRouterStats)
	mux.HandleFunc("GET /api/router/audit", s.handleRouterAudit)
	mux.HandleFunc("GET /api/router/profiles", s.handleRouterProfiles)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.routes(),
		ReadTimeout: 30 * time.Second,
		// Chat turns can sit in model and tool calls for minutes.
		WriteTimeout: 10 * time.Minute,
	}

	host := s.address
	if host == "" {
		host = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", host, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// statusWriter records the response code for the request log. Hijack is
// forwarded so the websocket upgrade on /api/events keeps working
// behind the middleware.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
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

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "muxi",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status": "ok",
		"build":  buildinfo.Info(),
	}
	if s.watch != nil {
		payload["connections"] = s.watch.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, payload, s.logger)
}

// MCP server administration handlers

func (s *Server) handleServerList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"servers": s.registry.Servers()}, s.logger)
}

// RegisterServerRequest mirrors the config file's server stanza: a
// unique name plus exactly one of url (SSE transport) or command
// (subprocess transport).
type RegisterServerRequest struct {
	Name        string            `json:"name"`
	URL         string            `json:"url,omitempty"`
	Command     string            `json:"command,omitempty"`
	Env         []string          `json:"env,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Timeout     int               `json:"timeout,omitempty"` // seconds, default 60
}

func (s *Server) handleServerRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "name is required")
		return
	}
	if (req.URL == "") == (req.Command == "") {
		s.errorResponse(w, http.StatusBadRequest, "exactly one of url or command is required")
		return
	}

	desc := mcp.ServerDescriptor{
		URL:         req.URL,
		Command:     req.Command,
		Env:         req.Env,
		Credentials: req.Credentials,
		Timeout:     time.Duration(req.Timeout) * time.Second,
	}
	if err := s.registry.Register(r.Context(), req.Name, desc); err != nil {
		if errors.Is(err, mcp.ErrAlreadyRegistered) {
			s.errorResponse(w, http.StatusConflict, "server already registered: "+req.Name)
			return
		}
		s.logger.Error("server registration failed", "server", req.Name, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "connect failed: "+err.Error())
		return
	}

	if s.watchServer != nil {
		s.watchServer(req.Name)
	}

	info, _ := s.registry.Server(req.Name)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, info, s.logger)
}

func (s *Server) handleServerDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.registry.Disconnect(id) {
		s.errorResponse(w, http.StatusNotFound, "unknown server: "+id)
		return
	}
	if s.watch != nil {
		s.watch.Remove(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTools lists every invokable tool: MCP tools grouped by server
// (refreshed from the servers) and builtin local tools.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"mcp": s.registry.AllTools(r.Context()),
	}
	if s.builtins != nil {
		payload["builtin"] = s.builtins.List()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, payload, s.logger)
}

// Conversation history handlers

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": s.buffer.Conversations(),
		"stats":         s.buffer.Stats(),
	}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	history := s.buffer.History(id)
	if len(history) == 0 {
		s.errorResponse(w, http.StatusNotFound, "unknown conversation: "+id)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"id": id, "messages": history}, s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	s.buffer.Clear(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// Router introspection handlers

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.router.GetStats(), s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	decisions := s.router.AuditLog(limit)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}

func (s *Server) handleRouterProfiles(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"profiles": s.router.Profiles()}, s.logger)
}
