// Package registry tracks which identity and scope every live connection
// belongs to. A scope is a room, the matchmaking queue, or a match roster.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrDuplicateConnection is returned when a connection already belongs to a scope.
	ErrDuplicateConnection = errors.New("connection already belongs to a room, queue, or match")
	// ErrDuplicateIdentity is returned when the identity is already present in the scope.
	ErrDuplicateIdentity = errors.New("username already taken")
	// ErrNotRegistered is returned by Rebind when the identity has no entry in the scope.
	ErrNotRegistered = errors.New("identity not registered in scope")
)

// Conn is the registry's view of a client connection.
type Conn interface {
	// ID returns a process-unique, stable identifier for the connection.
	ID() string
	// Send enqueues an encoded message without blocking.
	Send(data []byte) error
	// Close closes the connection. It must be safe to call more than once.
	Close() error
}

// Scope names the group a connection is registered under.
type Scope string

// QueueScope is the single global matchmaking queue.
const QueueScope Scope = "queue"

// RoomScope returns the scope for the room with the given code.
func RoomScope(code string) Scope { return Scope("room:" + code) }

// MatchScope returns the scope for the game session of the given match.
func MatchScope(matchID int64) Scope { return Scope(fmt.Sprintf("match:%d", matchID)) }

// IsRoom reports whether s is a room scope.
func (s Scope) IsRoom() bool { return strings.HasPrefix(string(s), "room:") }

// RoomCode returns the room code of a room scope, or "" for other scopes.
func (s Scope) RoomCode() string {
	if !s.IsRoom() {
		return ""
	}
	return strings.TrimPrefix(string(s), "room:")
}

// Member is a (connection, identity) pair in join order.
type Member struct {
	Conn     Conn
	Identity string
}

type entry struct {
	conn     Conn
	identity string
	scope    Scope
}

// Registry maps connections to identities and scopes.
// All methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*entry  // conn ID → entry
	scopes map[Scope][]*entry // scope → entries in join order
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byConn: make(map[string]*entry),
		scopes: make(map[Scope][]*entry),
	}
}

// Register places conn under scope as identity.
//
// Precondition: conn must be non-nil; identity must be non-empty.
// Postcondition: On success conn is the last member of scope. Returns
// ErrDuplicateConnection if conn is already registered anywhere, or
// ErrDuplicateIdentity if identity is already a member of scope.
func (r *Registry) Register(conn Conn, identity string, scope Scope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byConn[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	for _, e := range r.scopes[scope] {
		if e.identity == identity {
			return ErrDuplicateIdentity
		}
	}

	e := &entry{conn: conn, identity: identity, scope: scope}
	r.byConn[conn.ID()] = e
	r.scopes[scope] = append(r.scopes[scope], e)
	return nil
}

// Unregister removes conn from whatever scope holds it.
// Removing an unknown or already-removed connection is a no-op.
//
// Postcondition: Returns the removed member and its scope, with ok=false if
// conn was not registered.
func (r *Registry) Unregister(conn Conn) (m Member, scope Scope, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.byConn[conn.ID()]
	if !exists {
		return Member{}, "", false
	}
	delete(r.byConn, conn.ID())
	r.removeFromScope(e)
	return Member{Conn: e.conn, Identity: e.identity}, e.scope, true
}

// UnregisterScope removes every member of scope and returns them in join order.
func (r *Registry) UnregisterScope(scope Scope) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.scopes[scope]
	delete(r.scopes, scope)
	members := make([]Member, 0, len(entries))
	for _, e := range entries {
		delete(r.byConn, e.conn.ID())
		members = append(members, Member{Conn: e.conn, Identity: e.identity})
	}
	return members
}

// Rebind moves identity's slot in scope onto conn, keeping its join position.
// It is used when a player reconnects under the same identity.
//
// Postcondition: Returns the previously bound connection. Returns
// ErrNotRegistered if identity is not in scope, or ErrDuplicateConnection if
// conn is already registered.
func (r *Registry) Rebind(scope Scope, identity string, conn Conn) (Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byConn[conn.ID()]; exists {
		return nil, ErrDuplicateConnection
	}
	for _, e := range r.scopes[scope] {
		if e.identity == identity {
			old := e.conn
			delete(r.byConn, old.ID())
			e.conn = conn
			r.byConn[conn.ID()] = e
			return old, nil
		}
	}
	return nil, ErrNotRegistered
}

func (r *Registry) removeFromScope(e *entry) {
	entries := r.scopes[e.scope]
	for i, other := range entries {
		if other == e {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(r.scopes, e.scope)
		return
	}
	r.scopes[e.scope] = entries
}

// ScopeOf returns the scope conn is registered under.
func (r *Registry) ScopeOf(conn Conn) (Scope, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byConn[conn.ID()]
	if !ok {
		return "", false
	}
	return e.scope, true
}

// IdentityOf returns the identity conn is registered as.
func (r *Registry) IdentityOf(conn Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byConn[conn.ID()]
	if !ok {
		return "", false
	}
	return e.identity, true
}

// Members returns the members of scope in join order.
//
// Postcondition: Returns a fresh slice (may be empty).
func (r *Registry) Members(scope Scope) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.scopes[scope]
	members := make([]Member, 0, len(entries))
	for _, e := range entries {
		members = append(members, Member{Conn: e.conn, Identity: e.identity})
	}
	return members
}

// ConnectionsOf returns the connections of scope in join order.
func (r *Registry) ConnectionsOf(scope Scope) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.scopes[scope]
	conns := make([]Conn, 0, len(entries))
	for _, e := range entries {
		conns = append(conns, e.conn)
	}
	return conns
}

// Identities returns the identities of scope in join order.
func (r *Registry) Identities(scope Scope) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.scopes[scope]
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.identity)
	}
	return names
}

// Lookup returns the connection registered as identity in scope.
func (r *Registry) Lookup(scope Scope, identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.scopes[scope] {
		if e.identity == identity {
			return e.conn, true
		}
	}
	return nil, false
}

// Count returns the number of members of scope.
func (r *Registry) Count(scope Scope) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scopes[scope])
}

// Len returns the total number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
