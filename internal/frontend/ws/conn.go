// Package ws serves websocket clients: it upgrades HTTP requests, gives each
// client a Conn with a bounded outbound queue, and hands the Conn to a
// SessionHandler.
package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/gemhunt/internal/config"
)

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned by Send when the outbound queue is full.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Conn is one websocket client. Send enqueues and never blocks; a dedicated
// write pump drains the queue and keeps the peer alive with pings.
//
// Invariant: after Close returns, Send always fails and any pending
// ReadMessage is unblocked.
type Conn struct {
	id     string
	raw    *websocket.Conn
	vars   map[string]string
	remote string

	readTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration

	mu     sync.Mutex
	closed bool
	send   chan []byte

	done      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
}

// NewConn wraps an upgraded websocket and starts its write pump.
//
// Precondition: raw must be an open websocket; cfg.SendBuffer must be > 0.
// Postcondition: Returns a Conn with a unique ID ready for Send and ReadMessage.
func NewConn(raw *websocket.Conn, cfg config.WebsocketConfig, vars map[string]string) *Conn {
	c := &Conn{
		id:           uuid.NewString(),
		raw:          raw,
		vars:         vars,
		remote:       raw.RemoteAddr().String(),
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		send:         make(chan []byte, cfg.SendBuffer),
		done:         make(chan struct{}),
		pumpDone:     make(chan struct{}),
	}
	if cfg.MaxMessageBytes > 0 {
		raw.SetReadLimit(cfg.MaxMessageBytes)
	}
	raw.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	go c.writePump()
	return c
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.remote }

// Param returns a path variable captured by the router, or "".
func (c *Conn) Param(name string) string { return c.vars[name] }

// Send enqueues one text frame.
//
// Postcondition: Returns ErrClosed after Close, or ErrSendBufferFull if the
// peer has fallen behind by a full buffer.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// ReadMessage blocks for the next frame from the peer.
//
// Postcondition: Returns the frame payload, or an error once the peer goes
// away, the read deadline passes, or Close is called.
func (c *Conn) ReadMessage() ([]byte, error) {
	c.extendReadDeadline()
	_, data, err := c.raw.ReadMessage()
	return data, err
}

func (c *Conn) extendReadDeadline() {
	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}

// Close stops the connection. Queued frames are flushed before the close
// frame is written. Close may be called any number of times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

// Done is closed when Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Wait blocks until the write pump has released the socket.
func (c *Conn) Wait() { <-c.pumpDone }

func (c *Conn) writePump() {
	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer close(c.pumpDone)
	defer c.raw.Close()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-ping:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.write(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued.
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.raw.WriteMessage(messageType, data)
}
