// Package server exposes the control plane over HTTP: the agent channel
// endpoint, a small command and process API, and health checks.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/conductor/fleet/internal/agentpool"
	"github.com/conductor/fleet/internal/database"
	"github.com/conductor/fleet/pkg/health"
	"github.com/conductor/fleet/pkg/log"
	"github.com/conductor/fleet/pkg/metrics"
	"github.com/conductor/fleet/pkg/tracing"
)

// HTTPConfig holds configuration for the HTTP server.
type HTTPConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// ChannelPath is where agents open their channel (default: /agent/channel).
	ChannelPath string
	// HealthTimeout bounds the readiness checks (default: 5s).
	HealthTimeout time.Duration
	// AcquireTimeout bounds waiting for an agent connection (default: 30s).
	AcquireTimeout time.Duration
	EnableTracing  bool
	Metrics        *metrics.ControlPlaneMetrics
}

// DefaultHTTPConfig returns sensible defaults for HTTP server configuration.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Port:           8080,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		ChannelPath:    "/agent/channel",
		HealthTimeout:  5 * time.Second,
		AcquireTimeout: 30 * time.Second,
	}
}

// ChannelHandler accepts agent channel upgrades. Satisfied by *channel.Registry.
type ChannelHandler interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// AgentPool is satisfied by *agentpool.Pool.
type AgentPool interface {
	Stats() agentpool.Stats
	Acquire(ctx context.Context, timeout time.Duration) (agentpool.Conn, error)
	Release(conn agentpool.Conn) error
	Invalidate(conn agentpool.Conn) error
}

// Deps are the collaborators served over HTTP. Pool may be nil.
type Deps struct {
	Commands  database.CommandRepository
	Processes database.ProcessRepository
	Channels  ChannelHandler
	Pool      AgentPool
	Checks    []health.Check
}

// HTTPServer serves the control plane HTTP endpoints.
type HTTPServer struct {
	config HTTPConfig
	deps   Deps
	server *http.Server
	logger zerolog.Logger
}

// NewHTTPServer creates a new HTTP server.
func NewHTTPServer(cfg HTTPConfig, deps Deps, logger zerolog.Logger) *HTTPServer {
	def := DefaultHTTPConfig()
	if cfg.ChannelPath == "" {
		cfg.ChannelPath = def.ChannelPath
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = def.HealthTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	return &HTTPServer{
		config: cfg,
		deps:   deps,
		logger: logger.With().Str("component", "http_server").Logger(),
	}
}

// Start serves until ctx is cancelled or the listener fails.
func (s *HTTPServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info().
		Str("address", addr).
		Str("channel_path", s.config.ChannelPath).
		Msg("starting HTTP server")
	return serve(ctx, s.server, s.logger)
}

// Stop gracefully stops the HTTP server.
func (s *HTTPServer) Stop(ctx context.Context) error {
	return shutdown(ctx, s.server, s.logger)
}

// Handler builds the routed handler with all middleware. The channel
// endpoint only gets logging and recovery since its connection is
// hijacked for the websocket.
func (s *HTTPServer) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /healthz", s.handleLiveness)
	api.HandleFunc("GET /readyz", s.handleReadiness)
	api.HandleFunc("POST /api/v1/commands", s.handleCreateCommand)
	api.HandleFunc("GET /api/v1/commands", s.handleListCommands)
	api.HandleFunc("GET /api/v1/commands/{id}", s.handleGetCommand)
	api.HandleFunc("POST /api/v1/processes", s.handleCreateProcess)
	api.HandleFunc("GET /api/v1/processes/{id}", s.handleGetProcess)
	api.HandleFunc("PUT /api/v1/processes/{id}/status", s.handleUpdateStatus)
	api.HandleFunc("PUT /api/v1/processes/{id}/wait", s.handleSetWait)
	api.HandleFunc("DELETE /api/v1/processes/{id}/wait", s.handleClearWait)
	api.HandleFunc("GET /api/v1/agents/pool", s.handlePoolStats)
	api.HandleFunc("POST /api/v1/agents/cancel", s.handleCancelAgent)

	var apiHandler http.Handler = api
	if s.config.Metrics != nil {
		apiHandler = MetricsMiddleware(s.config.Metrics)(apiHandler)
	}
	if s.config.EnableTracing {
		apiHandler = tracing.Middleware(nil)(apiHandler)
	}

	root := http.NewServeMux()
	if s.deps.Channels != nil {
		root.HandleFunc("GET "+s.config.ChannelPath, s.deps.Channels.ServeWS)
	}
	root.Handle("/", apiHandler)

	var handler http.Handler = root
	handler = log.HTTPMiddleware(s.logger)(handler)
	handler = s.recoveryMiddleware(handler)
	return handler
}

func (s *HTTPServer) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error().
					Interface("panic", p).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("recovered from panic")
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
