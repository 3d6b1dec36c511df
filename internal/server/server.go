package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"example.com/h2drain/internal/config"
	"example.com/h2drain/internal/http2"
	"example.com/h2drain/internal/logger"
	"example.com/h2drain/internal/metrics"
	"example.com/h2drain/internal/util"
)

// ErrServerClosed is returned by Serve and Listen after Shutdown has been called.
var ErrServerClosed = errors.New("server: closed")

// Server accepts HTTP/2 (prior knowledge, cleartext) connections and shuts all of
// them down gracefully on request.
type Server struct {
	cfg     *config.Config
	log     *logger.Logger
	handler http2.Handler
	metrics *metrics.Recorder
	connCfg http2.ConnectionConfig

	// baseCtx is passed to every Connection.Serve; cancelling it aborts them.
	baseCtx    context.Context
	cancelBase context.CancelCauseFunc

	mu           sync.Mutex
	listener     net.Listener
	conns        map[*http2.Connection]struct{}
	shuttingDown bool
	connWG       sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
	doneChan     chan struct{}
}

// NewServer validates the server section of cfg and returns an unstarted Server.
// cfg must have had defaults applied.
func NewServer(cfg *config.Config, lg *logger.Logger, handler http2.Handler, rec *metrics.Recorder) (*Server, error) {
	if cfg == nil || cfg.Server == nil {
		return nil, fmt.Errorf("server configuration cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	code, err := http2.ParseErrorCode(*cfg.Server.GoAwayErrorCode)
	if err != nil {
		return nil, fmt.Errorf("server.goaway_error_code: %w", err)
	}

	baseCtx, cancel := context.WithCancelCause(context.Background())
	return &Server{
		cfg:     cfg,
		log:     lg,
		handler: handler,
		metrics: rec,
		connCfg: http2.ConnectionConfig{
			GracePeriod:          cfg.Server.GracePeriod.Value(),
			GoAwayErrorCode:      code,
			MaxConcurrentStreams: *cfg.Server.MaxConcurrentStreams,
			WriteTimeout:         cfg.Server.WriteTimeout.Value(),
		},
		baseCtx:    baseCtx,
		cancelBase: cancel,
		conns:      make(map[*http2.Connection]struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// Listen opens the configured TCP listener. A listener handed over through
// LISTEN_FDS takes precedence over server.address.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return ErrServerClosed
	}
	if s.listener != nil {
		return fmt.Errorf("server is already listening on %s", s.listener.Addr())
	}

	l, inherited, err := util.InheritedListener()
	if err != nil {
		return fmt.Errorf("inherited listener: %w", err)
	}
	if !inherited {
		l, err = net.Listen("tcp", *s.cfg.Server.Address)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", *s.cfg.Server.Address, err)
		}
	}
	s.listener = l
	s.log.Info("Listening", logger.LogFields{"address": l.Addr().String(), "inherited": inherited})
	return nil
}

// Addr returns the listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections on the listener opened by Listen until Shutdown.
// It returns nil once the listener was closed by Shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return errors.New("server: Serve called before Listen")
	}

	for {
		nc, err := l.Accept()
		if err != nil {
			if s.isShuttingDown() && errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn("Temporary accept error", logger.LogFields{"error": err.Error()})
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.serveConn(nc)
	}
}

func (s *Server) serveConn(nc net.Conn) {
	c := http2.NewConnection(nc, s.log, s.handler, s.connCfg, s.metrics)

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		_ = nc.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.connWG.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.connWG.Done()
		defer s.untrack(c)
		if err := c.Serve(s.baseCtx); err != nil {
			s.log.Debug("Connection ended with error", logger.LogFields{"conn_id": c.ID(), "error": err.Error()})
		}
	}()
}

func (s *Server) untrack(c *http2.Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// ActiveConnections returns the number of connections not yet finished.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting connections and gracefully shuts every active
// connection down in parallel. If ctx ends first, the remaining connections are
// aborted and ctx's error is returned. Later calls wait for the first to finish
// and return its result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		go func() {
			s.shutdownErr = s.shutdown(ctx)
			close(s.doneChan)
		}()
	})
	select {
	case <-s.doneChan:
		return s.shutdownErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	l := s.listener
	conns := make([]*http2.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if l != nil {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Warn("Error closing listener", logger.LogFields{"error": err.Error()})
		}
	}
	s.log.Info("Server shutdown started", logger.LogFields{"active_connections": len(conns)})

	g, gctx := errgroup.WithContext(ctx)
	var (
		mu      sync.Mutex
		summary = map[string]int{}
	)
	for _, c := range conns {
		c := c
		g.Go(func() error {
			st, err := c.Shutdown(gctx)
			mu.Lock()
			summary[st.String()]++
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	if err != nil {
		s.log.Warn("Shutdown timeout reached, aborting remaining connections", logger.LogFields{"error": err.Error()})
		s.cancelBase(fmt.Errorf("server shutdown: %w", err))
	}
	s.connWG.Wait()
	s.cancelBase(ErrServerClosed)

	fields := logger.LogFields{}
	for state, n := range summary {
		fields[state] = n
	}
	s.log.Info("Server shutdown finished", fields)
	if err != nil {
		return ctx.Err()
	}
	return nil
}

// Done is closed after Shutdown has finished.
func (s *Server) Done() <-chan struct{} { return s.doneChan }

// Run listens, serves, and blocks until ctx is done or SIGINT/SIGTERM arrives,
// then shuts down within server.graceful_shutdown_timeout. SIGHUP reopens log files.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

wait:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				s.log.Info("Received SIGHUP, reopening log files")
				if err := s.log.ReopenLogFiles(); err != nil {
					s.log.Error("Failed to reopen log files", logger.LogFields{"error": err.Error()})
				}
				continue
			}
			s.log.Info("Received signal, shutting down", logger.LogFields{"signal": sig.String()})
			break wait
		case <-ctx.Done():
			break wait
		case err := <-serveErr:
			return err
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.GracefulShutdownTimeout.Value())
	defer cancel()
	err := s.Shutdown(sctx)
	if serr := <-serveErr; serr != nil && err == nil {
		err = serr
	}
	return err
}
