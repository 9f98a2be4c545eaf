package testutil

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	json "github.com/goccy/go-json"
)

var fakeConnSeq atomic.Int64

// ErrFakeConnClosed is returned by FakeConn.Send after Close or FailSends.
var ErrFakeConnClosed = errors.New("fake connection closed")

// FakeConn is an in-memory connection that records every message sent to it.
// It satisfies registry.Conn.
type FakeConn struct {
	id string

	mu       sync.Mutex
	messages [][]byte
	closed   bool
	failing  bool
	closes   int
}

// NewFakeConn returns an open FakeConn with a unique ID.
func NewFakeConn() *FakeConn {
	return &FakeConn{id: fmt.Sprintf("fake-%d", fakeConnSeq.Add(1))}
}

// ID returns the connection identifier.
func (c *FakeConn) ID() string { return c.id }

// Send records data, or fails once the connection is closed or failing.
func (c *FakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.failing {
		return ErrFakeConnClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.messages = append(c.messages, cp)
	return nil
}

// Close marks the connection closed. It may be called more than once.
func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closes++
	return nil
}

// FailSends makes every subsequent Send return an error without closing.
func (c *FakeConn) FailSends() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing = true
}

// Closed reports whether Close has been called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCount reports how many times Close was called.
func (c *FakeConn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Messages returns every message sent so far, decoded as JSON objects.
func (c *FakeConn) Messages(t testing.TB) []map[string]any {
	t.Helper()
	c.mu.Lock()
	raw := make([][]byte, len(c.messages))
	copy(raw, c.messages)
	c.mu.Unlock()

	out := make([]map[string]any, 0, len(raw))
	for _, data := range raw {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decoding message %q: %v", data, err)
		}
		out = append(out, m)
	}
	return out
}

// MessagesOfType returns the decoded messages whose "type" field equals typ.
func (c *FakeConn) MessagesOfType(t testing.TB, typ string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range c.Messages(t) {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// Last returns the most recent message of type typ, failing the test if none exists.
func (c *FakeConn) Last(t testing.TB, typ string) map[string]any {
	t.Helper()
	msgs := c.MessagesOfType(t, typ)
	if len(msgs) == 0 {
		t.Fatalf("connection %s received no %q message", c.id, typ)
	}
	return msgs[len(msgs)-1]
}

// Reset discards the recorded messages.
func (c *FakeConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}
