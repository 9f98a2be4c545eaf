package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HTTPService runs an http.Server as a lifecycle Service.
type HTTPService struct {
	name            string
	addr            string
	handler         http.Handler
	logger          *zap.Logger
	shutdownTimeout time.Duration

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	ready    chan struct{}
	stopped  bool
	onStop   []func()
}

// NewHTTPService creates a service that serves handler on addr.
//
// Precondition: handler and logger must be non-nil.
func NewHTTPService(name, addr string, handler http.Handler, logger *zap.Logger) *HTTPService {
	return &HTTPService{
		name:            name,
		addr:            addr,
		handler:         handler,
		logger:          logger,
		shutdownTimeout: 5 * time.Second,
		ready:           make(chan struct{}),
	}
}

// OnStop registers fn to run after the server has shut down. Websocket
// acceptors use it to close hijacked connections, which
// http.Server.Shutdown does not track.
func (s *HTTPService) OnStop(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStop = append(s.onStop, fn)
}

// Start listens on the configured address and serves until Stop is called.
//
// Postcondition: Returns nil after a clean Stop, or the listen/serve error.
func (s *HTTPService) Start() error {
	start := time.Now()
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.srv = srv
	s.listener = listener
	close(s.ready)
	s.mu.Unlock()

	s.logger.Info("http service listening",
		zap.String("service", s.name),
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving %s: %w", s.name, err)
	}
	return nil
}

// Stop shuts the server down, waiting up to the shutdown timeout for
// in-flight requests, then runs the OnStop hooks. A Stop that precedes
// Start makes Start return nil without serving.
func (s *HTTPService) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	srv := s.srv
	hooks := s.onStop
	s.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown", zap.String("service", s.name), zap.Error(err))
		}
	}
	for _, fn := range hooks {
		fn()
	}
}

// Ready is closed once the listener is bound.
func (s *HTTPService) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address, or "" before Start has bound it.
func (s *HTTPService) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
