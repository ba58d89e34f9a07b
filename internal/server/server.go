// Package server provides the HTTP server of the acquisition daemon.
//
// The server routes the control surface, exposes health and Prometheus
// endpoints and shuts down gracefully when its context is cancelled.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/xtxerr/lidarlog/config"
	"github.com/xtxerr/lidarlog/internal/handler"
	"github.com/xtxerr/lidarlog/internal/logging"
	"github.com/xtxerr/lidarlog/internal/metrics"
)

var log = logging.Component("server")

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Listen is the address to listen on (e.g., "0.0.0.0:8000").
	Listen string

	// Handler serves the control surface (required).
	Handler *handler.Handler

	// Metrics instruments requests and serves /metrics (optional).
	Metrics *metrics.Metrics

	// ShutdownTimeout bounds the wait for in-flight requests.
	ShutdownTimeout time.Duration
}

// =============================================================================
// Server
// =============================================================================

// Server is the HTTP control server.
type Server struct {
	cfg    Config
	router *mux.Router
	http   *http.Server

	requestID atomic.Uint64
	ready     chan struct{}
	addr      atomic.Value
}

// New creates a new server.
func New(cfg Config) *Server {
	if cfg.Listen == "" {
		cfg.Listen = config.DefaultListenAddress
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = config.DefaultShutdownTimeout
	}

	s := &Server{cfg: cfg, ready: make(chan struct{})}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.withRequestID)
	if s.cfg.Metrics != nil {
		r.Use(s.cfg.Metrics.Middleware)
		r.Handle("/metrics", s.cfg.Metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)

	s.cfg.Handler.Register(r)
	return r
}

// Router returns the request router.
func (s *Server) Router() http.Handler {
	return s.router
}

// withRequestID tags the request context with a sequential id for logging.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.ContextWithRequestID(r.Context(), s.requestID.Add(1))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address after Ready.
func (s *Server) Addr() string {
	if a, ok := s.addr.Load().(string); ok {
		return a
	}
	return s.cfg.Listen
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.addr.Store(ln.Addr().String())
	close(s.ready)
	log.Info("listening", "address", ln.Addr().String())

	errc := make(chan error, 1)
	go func() {
		errc <- s.http.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}
