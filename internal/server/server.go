// Package server provides the status and metrics HTTP server that runs
// alongside a batch run.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/ipsbatch/internal/server/handlers"
	"github.com/3leaps/ipsbatch/internal/server/middleware"
)

// Server serves /health, /version, /status and /metrics.
type Server struct {
	host   string
	port   int
	router chi.Router
	logger *zap.Logger

	health  *handlers.HealthManager
	version handlers.VersionInfo
	status  handlers.StatusFunc
	metrics http.Handler

	httpServer *http.Server
	listener   net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithVersion sets the /version payload.
func WithVersion(v handlers.VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

// WithStatus attaches the /status source.
func WithStatus(fn handlers.StatusFunc) Option {
	return func(s *Server) { s.status = fn }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHealthManager replaces the default health manager.
func WithHealthManager(m *handlers.HealthManager) Option {
	return func(s *Server) {
		if m != nil {
			s.health = m
		}
	}
}

// New creates a server bound to host:port once Start is called.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:   host,
		port:   port,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = handlers.NewHealthManager(s.version.Version)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	r.Get("/health", s.health.HealthHandler)
	r.Get("/health/live", s.health.LivenessHandler)
	r.Get("/health/ready", s.health.ReadinessHandler)
	r.Get("/version", handlers.VersionHandler(s.version))
	r.Get("/status", handlers.StatusHandler(s.status))
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the listening address after Start, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("Status server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// SplitAddr parses "host:port" for New.
func SplitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, errors.New("invalid port in " + addr)
	}
	return host, port, nil
}
