package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"example.com/devserver/internal/config"
	"example.com/devserver/internal/logger"
	"example.com/devserver/internal/util"
	"example.com/devserver/internal/watch"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Server accepts connections and hands each one to the Handler on its own
// goroutine. It optionally supervises a rebuild command.
type Server struct {
	cfg     *config.Config
	log     *logger.Logger
	handler Handler
	runner  watch.CommandRunner

	addr          util.ListenAddress
	root          string
	fallback      string
	headerLimit   int
	headerTimeout time.Duration
	maxConns      int
	shutdownGrace time.Duration

	mu        sync.RWMutex
	listener  net.Listener
	ready     chan struct{}
	readyOnce sync.Once

	conns sync.WaitGroup
}

// Option customizes a Server.
type Option func(*Server)

// WithHandler replaces the handler selected by serve.handler.
func WithHandler(h Handler) Option {
	return func(s *Server) { s.handler = h }
}

// WithCommandRunner sets how the rebuild command is executed.
func WithCommandRunner(r watch.CommandRunner) Option {
	return func(s *Server) { s.runner = r }
}

// NewServer creates a new Server instance. cfg must already be defaulted
// and validated. registry may be nil when WithHandler is given.
func NewServer(cfg *config.Config, lg *logger.Logger, registry *HandlerRegistry, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.Server == nil || cfg.Serve == nil {
		return nil, fmt.Errorf("server and serve configuration sections are required")
	}

	s := &Server{
		cfg:           cfg,
		log:           lg,
		root:          cfg.Serve.Root,
		fallback:      cfg.Serve.NotFound,
		headerLimit:   cfg.Serve.HeaderLimit(),
		headerTimeout: cfg.Serve.HeaderTimeoutDuration(),
		shutdownGrace: cfg.Server.ShutdownGrace(),
		ready:         make(chan struct{}),
	}
	if cfg.Server.MaxConnections != nil {
		s.maxConns = *cfg.Server.MaxConnections
	}
	for _, opt := range opts {
		opt(s)
	}

	ip, port := config.DefaultIP, config.DefaultPort
	if cfg.Server.IP != nil {
		ip = *cfg.Server.IP
	}
	if cfg.Server.Port != nil {
		port = *cfg.Server.Port
	}
	addr, err := util.ParseListenAddress(ip, port)
	if err != nil {
		return nil, err
	}
	s.addr = addr

	if s.handler == nil {
		if registry == nil {
			return nil, fmt.Errorf("handler registry cannot be nil")
		}
		h, err := registry.CreateHandler(cfg.Serve.Handler, cfg.Serve, lg)
		if err != nil {
			return nil, err
		}
		s.handler = h
	}
	return s, nil
}

// Start binds the listen address, starts the rebuild supervisor when a
// command is configured, and serves until ctx is cancelled. A bind failure
// is returned as *util.BindError before anything is served.
func (s *Server) Start(ctx context.Context) error {
	ln, err := util.CreateListener(s.addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var supervisorDone chan struct{}
	if s.cfg.Watch.Enabled() {
		sup, err := s.newSupervisor()
		if err != nil {
			ln.Close()
			return err
		}
		supervisorDone = make(chan struct{})
		go func() {
			defer close(supervisorDone)
			if err := sup.Run(ctx); err != nil {
				s.log.Error("Rebuild supervisor stopped", logger.LogFields{"error": err})
			}
		}()
	}

	s.log.Info("Development server running", logger.LogFields{
		"url":  boundAddress(ln).URL(),
		"root": s.root,
	})

	err = s.Serve(ctx, ln)
	cancel()
	if supervisorDone != nil {
		<-supervisorDone
	}
	s.log.Info("Development server stopped")
	return err
}

// newSupervisor creates the served root so it can be excluded from the
// watch, then builds the supervisor from the watch configuration. The root
// is made absolute first: relative watch excludes resolve against watch.dir,
// while the root resolves against the working directory.
func (s *Server) newSupervisor() (*watch.Supervisor, error) {
	root, err := filepath.Abs(s.root)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve served directory %s: %w", s.root, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create served directory %s: %w", root, err)
	}
	wc := s.cfg.Watch
	exclude := append([]string{root}, wc.Exclude...)
	return watch.New(watch.Config{
		Command:  wc.Command,
		Dir:      wc.Dir,
		Paths:    wc.Paths,
		Exclude:  exclude,
		Debounce: wc.DebounceDuration(),
	}, s.log, s.runner)
}

// Serve accepts connections on ln until ctx is cancelled, then waits up to
// the shutdown grace period for in-flight connections. ln is closed on
// return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if util.IsTransientAcceptError(err) {
				backoff = nextBackoff(backoff)
				s.log.Warn("Accept failed, retrying", logger.LogFields{"error": err, "backoff": backoff.String()})
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
				}
				continue
			}
			// Any other error, such as the listener being closed elsewhere,
			// repeats on every Accept; stop serving and report it.
			s.waitForConnections()
			return fmt.Errorf("accept failed: %w", err)
		}
		backoff = 0

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serveConn(conn)
		}()
	}

	s.waitForConnections()
	return nil
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	return min(d*2, maxAcceptBackoff)
}

// waitForConnections waits for in-flight connections, giving up after the
// shutdown grace period.
func (s *Server) waitForConnections() {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.shutdownGrace):
		s.log.Warn("Shutdown grace period elapsed with connections still open", logger.LogFields{"grace": s.shutdownGrace.String()})
	}
}

// Ready is closed once the server is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, or nil before the server is listening.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// URL returns the http:// URL of the bound address, or of the configured
// address before the server is listening.
func (s *Server) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return s.addr.URL()
	}
	return boundAddress(s.listener).URL()
}

func boundAddress(ln net.Listener) util.ListenAddress {
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		return util.ListenAddress{IP: tcp.IP, Port: tcp.Port}
	}
	return util.ListenAddress{}
}

// IsBindError reports whether err came from binding the listen address.
func IsBindError(err error) bool {
	var be *util.BindError
	return errors.As(err, &be)
}
