package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/nexus-exec/internal/auth"
	"github.com/haasonsaas/nexus-exec/internal/rbac"
)

// ServerOptions configures the HTTP front of a gateway.
type ServerOptions struct {
	Addr           string
	AllowedOrigins []string

	// MetricsPath serves Gatherer when both are set. Requests need
	// operator.read when auth is enabled.
	MetricsPath string
	Gatherer    prometheus.Gatherer

	Logger *slog.Logger
}

// Server exposes /ws, /healthz and optionally metrics over HTTP.
type Server struct {
	gateway  *Gateway
	opts     ServerOptions
	logger   *slog.Logger
	http     *http.Server
	listener net.Listener
}

// NewServer builds the HTTP server for g. Call Start to listen.
func NewServer(g *Gateway, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = g.logger
	}
	s := &Server{gateway: g, opts: opts, logger: logger.With("component", "http")}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.gateway.WSHandler(s.opts.AllowedOrigins))
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.opts.MetricsPath != "" && s.opts.Gatherer != nil {
		metrics := promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})
		mux.Handle(s.opts.MetricsPath, auth.RequireScope(s.gateway.auth, rbac.ScopeRead, s.logger, metrics))
	}
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr is the bound listen address, useful when the port was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.opts.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and waits for handlers until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.gateway.Health())
}
