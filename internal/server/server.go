package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stellavoice/voicecore/internal/agentconfig"
	"github.com/stellavoice/voicecore/internal/config"
	"github.com/stellavoice/voicecore/internal/session"
)

// AgentFetcher is the read-only agent registry boundary the server consults
// at session start.
type AgentFetcher interface {
	Fetch(ctx context.Context, agentID string) (*agentconfig.AgentConfig, error)
}

// Server terminates session transports: it upgrades websocket connections,
// binds each to a session, and serves health and metrics endpoints.
type Server struct {
	config   *config.Config
	registry *session.Registry
	agents   AgentFetcher

	// newSession builds a fully wired session for one accepted connection.
	// Swappable so transport behavior is testable without live providers.
	newSession func(agent *agentconfig.AgentConfig, clientID string) (*session.Session, error)

	baseCtx    context.Context
	httpServer *http.Server
}

func New(cfg *config.Config, registry *session.Registry, agents AgentFetcher) *Server {
	s := &Server{
		config:   cfg,
		registry: registry,
		agents:   agents,
	}
	s.newSession = s.buildSession
	return s
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/session", s.handleSession)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.config.Server.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	address := net.JoinHostPort(s.config.Server.Address, strconv.Itoa(s.config.Server.Port))
	s.httpServer = &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.InfoContext(ctx, "server listening", "address", address)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and tears down every live session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.CloseAll(nil)
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}{Status: "ok", Sessions: s.registry.Len()})
}
