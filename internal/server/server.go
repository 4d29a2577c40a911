// Package server implements spec.md §4.6's acceptor loop: it binds one
// or more TCP listeners, hands each accepted net.Conn to a
// SessionFactory (whose smtp.Session wraps it in a stream.SmartStream),
// and spawns one task per connection onto the shared cooperative
// runtime — mirroring the teacher's multi-
// listener Server, generalized from POP3's per-listener mode table to
// SMTP's single mode (plaintext with opportunistic STARTTLS).
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/logging"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/sched"
)

// SessionFactory builds the per-connection protocol handler. Returning
// a Runner, which the acceptor wraps in a sched.Task, lets the acceptor
// stay ignorant of smtp.Session internals; cmd/smtpd supplies the
// concrete constructor.
type SessionFactory func(id string, conn net.Conn) Runner

// Runner is anything spec.md's acceptor can drive to completion on its
// own goroutine — smtp.Session satisfies this via its Run method.
type Runner interface {
	Run(ctx context.Context) error
}

// Server coordinates one or more listeners, a shared cooperative
// runtime, and the connection limiter and metrics collector every
// accepted connection is charged against.
type Server struct {
	cfg       *config.Config
	tlsConfig *tls.Config
	logger    *slog.Logger
	collector metrics.Collector
	runtime   *sched.Runtime
	factory   SessionFactory
	limiter   *ConnectionLimiter

	mu        sync.Mutex
	listeners []net.Listener
}

// Config holds the configuration for creating a new Server.
type Config struct {
	Cfg       *config.Config
	TLSConfig *tls.Config
	Logger    *slog.Logger
	Collector metrics.Collector
	Runtime   *sched.Runtime
	Factory   SessionFactory
}

// New creates a Server ready to Run. The runtime must already be
// started by the caller; Server only spawns tasks onto it.
func New(sc Config) (*Server, error) {
	if sc.Cfg == nil {
		return nil, fmt.Errorf("server: config is required")
	}
	if sc.Runtime == nil {
		return nil, fmt.Errorf("server: runtime is required")
	}
	if sc.Factory == nil {
		return nil, fmt.Errorf("server: session factory is required")
	}

	logger := sc.Logger
	if logger == nil {
		logger = logging.NewLogger(sc.Cfg.LogLevel, sc.Cfg.LogTarget, sc.Cfg.LogFile)
	}

	collector := sc.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	return &Server{
		cfg:       sc.Cfg,
		tlsConfig: sc.TLSConfig,
		logger:    logger,
		collector: collector,
		runtime:   sc.Runtime,
		factory:   sc.Factory,
		limiter:   NewConnectionLimiter(sc.Cfg.Limits.MaxConnections),
	}, nil
}

// Run binds every configured listener and accepts connections until ctx
// is cancelled, spawning one task per connection onto the runtime. It
// blocks until every listener's accept loop has returned.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	for _, lc := range s.cfg.Listeners {
		ln, err := net.Listen("tcp", lc.Address)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("listen %s: %w", lc.Address, err)
		}
		s.listeners = append(s.listeners, ln)
	}
	listeners := s.listeners
	s.mu.Unlock()

	s.logger.Info("acceptor listening", "hostname", s.cfg.Hostname, "listeners", len(listeners))

	var wg sync.WaitGroup
	errCh := make(chan error, len(listeners))
	for _, ln := range listeners {
		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			if err := s.acceptLoop(ctx, ln); err != nil {
				errCh <- err
			}
		}(ln)
	}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for _, ln := range s.listeners {
			_ = ln.Close()
		}
		s.mu.Unlock()
	}()

	wg.Wait()
	close(errCh)

	var firstErr error
	for err := range errCh {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("listener error", "error", err)
	}
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// acceptLoop accepts connections on ln until it is closed (which the
// context-cancellation goroutine in Run does on shutdown).
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		s.handleAccepted(ctx, conn)
	}
}

// handleAccepted enforces the connection limit, then spawns the
// connection's session as one cooperative task per spec.md §4.6:
// runtime.spawn(async move { ClientSession::new(stream, ...).run().await }).
func (s *Server) handleAccepted(ctx context.Context, conn net.Conn) {
	if !s.limiter.TryAcquire() {
		s.logger.Warn("connection limit reached, rejecting",
			"remote", conn.RemoteAddr(), "active", s.limiter.Current(), "limit", s.limiter.Limit())
		_ = conn.Close()
		return
	}

	id := uuid.NewString()
	s.collector.ConnectionOpened()
	runner := s.factory(id, conn)

	s.runtime.Spawn(sched.FromBlocking(func() {
		defer s.limiter.Release()
		defer s.collector.ConnectionClosed()
		if err := runner.Run(ctx); err != nil {
			s.logger.Error("session ended with error", "session", id, "err", err)
		}
	}))

	s.collector.QueueDepth(s.runtime.QueueLen())
}

// Shutdown closes every bound listener, causing their accept loops to
// return. In-flight sessions already spawned onto the runtime are not
// waited on here; that is the runtime's shutdown responsibility per
// spec.md §5.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger { return s.logger }

// TLSConfig returns the server's TLS configuration, if any.
func (s *Server) TLSConfig() *tls.Config { return s.tlsConfig }

// Config returns the server's configuration.
func (s *Server) Config() *config.Config { return s.cfg }
