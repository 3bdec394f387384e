package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rickgao/iot-stream/internal/connection"
	"github.com/rickgao/iot-stream/internal/session"
)

// Session is the part of *session.Session the admin API uses.
type Session interface {
	State() connection.State
	IsConnected() bool
	LastError() error
	Topics() []string
	Subscriptions() map[string]connection.SubscribeOutcome
	Snapshot() []connection.Message
	LastMessage() (connection.Message, bool)
	QueueSize() int
	Apply(c session.Change) (bool, error)
}

// Reconnector is kicked when a request finds the session disconnected.
type Reconnector interface {
	Trigger()
}

// Pinger checks an optional dependency such as the archive database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options holds optional collaborators. Nil fields are skipped.
type Options struct {
	Reconnector Reconnector
	Archive     Pinger
	Metrics     http.Handler
	MetricsPath string // default /metrics
}

// Server is the admin HTTP server.
type Server struct {
	addr   string
	sess   Session
	opts   Options
	logger *slog.Logger

	httpServer *http.Server

	mu         sync.RWMutex
	actualAddr string
}

// NewServer creates a Server listening on addr (e.g. ":8080").
func NewServer(addr string, sess Session, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	s := &Server{
		addr:   addr,
		sess:   sess,
		opts:   opts,
		logger: logger.With("component", "admin"),
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /messages", s.handleMessages)
	mux.HandleFunc("GET /messages/last", s.handleLastMessage)
	mux.HandleFunc("PUT /topics", s.handleTopics)
	mux.HandleFunc("POST /publish", s.handlePublish)
	mux.HandleFunc("PUT /queue-size", s.handleQueueSize)
	if s.opts.Metrics != nil {
		mux.Handle("GET "+s.opts.MetricsPath, s.opts.Metrics)
	}
	return mux
}

// Start listens and serves in a background goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info("admin server listening", "addr", s.actualAddr)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.actualAddr == "" {
		return s.addr
	}
	return s.actualAddr
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown admin server: %w", err)
	}
	s.logger.Info("admin server stopped")
	return nil
}

// kickIfDisconnected nudges the reconnect loop.
func (s *Server) kickIfDisconnected() {
	if s.opts.Reconnector != nil && !s.sess.IsConnected() {
		s.opts.Reconnector.Trigger()
	}
}
