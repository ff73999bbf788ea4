// Package server owns the proxy's listener and HTTP lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mihaisavezi/claude-route-proxy/internal/handlers"
	"github.com/mihaisavezi/claude-route-proxy/internal/middleware"
	"github.com/mihaisavezi/claude-route-proxy/internal/providers"
	"github.com/mihaisavezi/claude-route-proxy/internal/usage"
)

const (
	DefaultHost          = "127.0.0.1"
	DefaultShutdownGrace = 10 * time.Second
)

// Options configures a Server. Registry is required; everything else has a
// default. Port 0 binds an ephemeral port.
type Options struct {
	Host          string
	Port          int
	Registry      *providers.Registry
	Tracker       *usage.Tracker
	TokenCounter  handlers.TokenCounter
	Metrics       *middleware.Metrics
	Logger        *slog.Logger
	ShutdownGrace time.Duration
}

type Server struct {
	opts    Options
	logger  *slog.Logger
	handler http.Handler

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	served   chan struct{}
	// stopping is set by the first Shutdown call; later callers wait on it.
	stopping *shutdown
}

type shutdown struct {
	done chan struct{}
	err  error
}

func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("server: provider registry is required")
	}

	if opts.Host == "" {
		opts.Host = DefaultHost
	}

	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if opts.Metrics == nil {
		opts.Metrics = middleware.NewMetrics()
	}

	s := &Server{
		opts:   opts,
		logger: opts.Logger,
	}
	s.handler = s.setupRoutes()

	return s, nil
}

// Handler returns the routed and wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) setupRoutes() http.Handler {
	o := s.opts

	proxy := handlers.NewProxyHandler(o.Registry, s.logger,
		handlers.WithTracker(o.Tracker),
		handlers.WithTokenCounter(o.TokenCounter),
		handlers.WithMetrics(o.Metrics),
	)

	middlewareSet := middleware.NewMiddlewareSet(s.logger, o.Metrics)

	mux := http.NewServeMux()
	mux.Handle("POST /v1/messages", proxy)
	mux.Handle("POST /v1/messages/count_tokens", handlers.NewCountTokensHandler(o.TokenCounter, s.logger))
	mux.Handle("GET /health", handlers.NewHealthHandler(o.Registry, s.logger))
	mux.Handle("GET /stats", handlers.NewStatsHandler(o.Tracker, s.logger))

	root := http.NewServeMux()
	root.Handle("GET /metrics", middlewareSet.PublicChain().Handler(o.Metrics.Handler()))
	root.Handle("/", middlewareSet.DefaultChain().Handler(mux))

	return root
}

// Start binds the listener synchronously, so a port conflict is returned
// here, then serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return errors.New("server: already running")
	}

	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	// Request contexts derive from baseCtx, so cancelling it aborts every
	// in-flight upstream call.
	baseCtx, cancel := context.WithCancel(context.Background())

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	served := make(chan struct{})

	go func() {
		defer close(served)

		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error", "error", err)
		}
	}()

	s.srv = srv
	s.listener = ln
	s.cancel = cancel
	s.served = served

	s.logger.Info("Starting server", "address", ln.Addr().String())

	return nil
}

// Port returns the bound port, or 0 when not running.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return 0
	}

	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}

	return 0
}

// Addr returns the bound address, or "" when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.srv != nil
}

// Shutdown stops accepting connections and waits for in-flight requests,
// streams included, until the grace period or ctx ends. Whatever is still
// running then has its upstream call cancelled and its connection closed.
// A call that overlaps a running shutdown waits for it and returns its
// result. Calling Shutdown on a stopped server is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel, served := s.srv, s.cancel, s.served

	if srv == nil {
		pending := s.stopping
		s.mu.Unlock()

		if pending == nil {
			return nil
		}

		select {
		case <-pending.done:
			return pending.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	st := &shutdown{done: make(chan struct{})}
	s.srv, s.listener, s.cancel, s.served = nil, nil, nil, nil
	s.stopping = st
	s.mu.Unlock()

	st.err = s.drain(ctx, srv, cancel, served)
	close(st.done)

	return st.err
}

func (s *Server) drain(ctx context.Context, srv *http.Server, cancel context.CancelFunc, served <-chan struct{}) error {
	s.logger.Info("Server is shutting down...")

	graceCtx, stop := context.WithTimeout(ctx, s.opts.ShutdownGrace)
	defer stop()

	err := srv.Shutdown(graceCtx)

	cancel()

	if err != nil {
		s.logger.Warn("Grace period expired, closing open connections", "error", err)

		if cerr := srv.Close(); cerr != nil {
			s.logger.Error("Failed to close server", "error", cerr)
		}
	}

	<-served

	s.logger.Info("Server exited")

	if err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	return nil
}
