package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gemhunt/internal/config"
)

// SessionHandler processes a connected websocket client.
// Implementations run the read loop for a single client and return when the
// client goes away.
type SessionHandler interface {
	HandleSession(ctx context.Context, conn *Conn) error
}

// Acceptor upgrades HTTP requests to websockets and dispatches each
// connection to a SessionHandler. It is an http.Handler so it can be mounted
// on any route.
type Acceptor struct {
	name     string
	cfg      config.WebsocketConfig
	handler  SessionHandler
	logger   *zap.Logger
	upgrader websocket.Upgrader

	wg      sync.WaitGroup
	quit    chan struct{}
	mu      sync.Mutex
	conns   map[string]*Conn
	stopped bool
}

// NewAcceptor creates an acceptor for the endpoint called name.
//
// Precondition: handler and logger must be non-nil; cfg.SendBuffer must be > 0.
// Postcondition: Returns an Acceptor ready to be mounted on a router.
func NewAcceptor(name string, cfg config.WebsocketConfig, handler SessionHandler, logger *zap.Logger) *Acceptor {
	return &Acceptor{
		name:    name,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		quit:  make(chan struct{}),
		conns: make(map[string]*Conn),
	}
}

// ServeHTTP upgrades the request and blocks until the session ends.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	raw, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		a.logger.Debug("websocket upgrade failed",
			zap.String("endpoint", a.name),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	conn := NewConn(raw, a.cfg, mux.Vars(r))
	a.track(conn)
	a.serve(conn)
	a.untrack(conn)
}

func (a *Acceptor) serve(conn *Conn) {
	start := time.Now()
	defer conn.Wait()
	defer conn.Close()

	a.logger.Info("client connected",
		zap.String("endpoint", a.name),
		zap.String("conn", conn.ID()),
		zap.String("remote_addr", conn.RemoteAddr()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-a.quit:
			cancel()
			_ = conn.Close()
		case <-ctx.Done():
		}
	}()

	if err := a.handler.HandleSession(ctx, conn); err != nil {
		a.logger.Debug("session ended",
			zap.String("endpoint", a.name),
			zap.String("conn", conn.ID()),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return
	}
	a.logger.Info("session ended cleanly",
		zap.String("endpoint", a.name),
		zap.String("conn", conn.ID()),
		zap.Duration("duration", time.Since(start)),
	)
}

func (a *Acceptor) track(conn *Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conns[conn.ID()] = conn
}

func (a *Acceptor) untrack(conn *Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conns, conn.ID())
}

// Len returns the number of connected clients.
func (a *Acceptor) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

// Stop refuses new upgrades, closes every connection, and waits for all
// sessions to finish.
//
// Postcondition: All connections are closed and handler goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	close(a.quit)
	a.mu.Unlock()

	a.wg.Wait()
	a.logger.Info("websocket acceptor stopped", zap.String("endpoint", a.name))
}
