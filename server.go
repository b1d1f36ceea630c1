package player

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ConnHandler is the interface for handling incoming TCP connections.
type ConnHandler interface {
	// Handle is called on its own goroutine for each new connection.
	// The implementation owns the connection; ctx is canceled when the server stops.
	Handle(ctx context.Context, conn *net.TCPConn)
}

// SessionHandler serves every accepted connection as a Session of one namespace.
type SessionHandler struct {
	Namespace Namespace
	Registry  Registry
	Executor  Executor
	// Ordered runs the jobs of each session one at a time, in arrival order.
	Ordered     bool
	ConnOptions []Option
	Logger      Logger
}

var _ ConnHandler = (*SessionHandler)(nil)

// Handle implements ConnHandler. It returns when the connection is closed.
func (h *SessionHandler) Handle(ctx context.Context, raw *net.TCPConn) {
	logger := h.Logger
	if logger == nil {
		logger = defaultLogger()
	}

	conn, err := NewConn(raw, append([]Option{LoggerOption(logger)}, h.ConnOptions...)...)
	if err != nil {
		logger.Error("failed to create connection", "error", err)
		_ = raw.Close()
		return
	}

	executor := h.Executor
	if h.Ordered {
		executor = NewStrand(executor)
	}
	session, err := NewSession(h.Namespace, conn,
		RegistryOption(h.Registry),
		ExecutorOption(executor),
		SessionLoggerOption(logger),
	)
	if err != nil {
		logger.Error("failed to create session", "error", err)
		_ = conn.Close()
		return
	}

	logger.Debug("session created", "session", session.ID(), "namespace", h.Namespace, "addr", conn.Addr())
	_ = conn.Run(ctx, session)
}

// Server represents a TCP server that listens for incoming connections.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration

	conns sync.WaitGroup // running handlers

	mu          sync.Mutex
	shutdown    bool
	closeOnce   sync.Once
	shutdownNow chan struct{} // closed to skip the rest of the shutdown timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled the listener stops at once, and open
// connections get up to this duration to finish before they are canceled.
// Default is 0 (connections are canceled immediately).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// New creates a new TCP server bound to the specified address.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	s := &Server{
		listener:    listener,
		logger:      slog.Default(),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Serve starts accepting connections and dispatching them to the handler.
// It blocks until the context is canceled, Close is called, or an
// unrecoverable error occurs, and returns once every handler has returned.
// Handlers receive a context that outlives ctx by the shutdown timeout.
func (s *Server) Serve(ctx context.Context, handler ConnHandler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	})
	defer stop()

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.drain(cancelConns)
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			// Check if it's a temporary error
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", errAttrs(err)...)
			cancelConns()
			s.conns.Wait()
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			handler.Handle(connCtx, conn)
		}()
	}
}

// drain waits for the running handlers, canceling them once the shutdown
// timeout expires or Close is called.
func (s *Server) drain(cancelConns context.CancelFunc) {
	if s.shutdownTimeout > 0 {
		done := make(chan struct{})
		go func() {
			s.conns.Wait()
			close(done)
		}()

		s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
		select {
		case <-done:
		case <-time.After(s.shutdownTimeout):
			s.logger.Info("shutdown timeout expired, closing connections")
		case <-s.shutdownNow:
			s.logger.Debug("shutdown timeout bypassed via Close()")
		}
	}
	cancelConns()
	s.conns.Wait()
}

// Close stops the server by closing the underlying listener.
// Open connections are canceled without waiting for the shutdown timeout.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.shutdownNow) })

	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
