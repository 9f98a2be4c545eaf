// Package matchmaking owns the room table and the global queue and resolves
// join, create, and start requests into matches.
package matchmaking

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gemhunt/internal/broadcast"
	"github.com/cory-johannsen/gemhunt/internal/game/match"
	"github.com/cory-johannsen/gemhunt/internal/protocol"
	"github.com/cory-johannsen/gemhunt/internal/registry"
)

// Matchmaking errors carry the message shown to the client.
var (
	ErrRoomNotFound         = errors.New("room not found")
	ErrRoomFull             = errors.New("room is full")
	ErrRoomExists           = errors.New("room already exists")
	ErrDuplicateUsername    = errors.New("username already taken in this room")
	ErrDuplicateConnection  = errors.New("connection already in a room or queue")
	ErrNotHost              = errors.New("only the host can start the game")
	ErrInsufficientPlayers  = errors.New("need at least 2 players to start")
	errMatchFormationFailed = errors.New("could not start the match")
)

// Opener creates the game session for a newly formed match.
type Opener interface {
	Open(m match.Match) error
}

// Settings bounds room and queue sizes and names the game endpoint.
type Settings struct {
	MaxPlayers int
	MinPlayers int
	// GameURL is the public base URL of the game endpoint; the match id is appended.
	GameURL string
}

// Stats is a point-in-time count of waiting players.
type Stats struct {
	Rooms  int
	Queued int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCodeGenerator overrides how candidate room codes are produced.
func WithCodeGenerator(gen func() string) Option {
	return func(c *Coordinator) { c.newCode = gen }
}

type room struct {
	host string
}

// Coordinator serialises every room and queue mutation behind one mutex so
// that a capacity check and the append or drain that follows it are
// indivisible.
type Coordinator struct {
	settings Settings
	conns    *registry.Registry
	router   *broadcast.Router
	sessions Opener
	logger   *zap.Logger
	newCode  func() string

	mu     sync.Mutex
	rooms  map[string]*room
	nextID int64
}

// NewCoordinator creates a Coordinator with an empty room table and queue.
//
// Precondition: settings.MaxPlayers >= settings.MinPlayers >= 2; conns,
// router, sessions, and logger must be non-nil.
func NewCoordinator(settings Settings, conns *registry.Registry, router *broadcast.Router,
	sessions Opener, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		settings: settings,
		conns:    conns,
		router:   router,
		sessions: sessions,
		logger:   logger,
		newCode:  randomCode,
		rooms:    make(map[string]*room),
		nextID:   1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// randomCode returns the first six hex digits of a v4 UUID, upper-cased.
func randomCode() string {
	return strings.ToUpper(uuid.NewString()[:6])
}

// MintCode returns a room code not currently in the room table.
func (c *Coordinator) MintCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mintLocked()
}

func (c *Coordinator) mintLocked() string {
	for {
		code := c.newCode()
		if _, taken := c.rooms[code]; !taken {
			return code
		}
	}
}

// CreateRoom opens a room hosted by identity. An empty code generates a
// fresh one.
//
// Postcondition: On success the host receives room_created and the room code
// is returned. Returns ErrDuplicateConnection or ErrRoomExists without
// mutating state.
func (c *Coordinator) CreateRoom(conn registry.Conn, identity, code string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.conns.ScopeOf(conn); busy {
		return "", ErrDuplicateConnection
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		code = c.mintLocked()
	} else if _, taken := c.rooms[code]; taken {
		return "", ErrRoomExists
	}
	if err := c.conns.Register(conn, identity, registry.RoomScope(code)); err != nil {
		return "", ErrDuplicateConnection
	}
	c.rooms[code] = &room{host: identity}

	c.logger.Info("room created",
		zap.String("room_code", code),
		zap.String("host", identity),
	)
	c.router.Reply(conn, protocol.NewRoomCreated(code, identity, []string{identity}, c.settings.MaxPlayers-1))
	return code, nil
}

// JoinRoom adds identity to the room named by code and forms a match once
// the room is at capacity.
//
// Postcondition: On success every member receives queue_update. Returns
// ErrDuplicateConnection, ErrRoomNotFound, ErrRoomFull, or
// ErrDuplicateUsername without mutating state.
func (c *Coordinator) JoinRoom(conn registry.Conn, code, identity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.conns.ScopeOf(conn); busy {
		return ErrDuplicateConnection
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	r, ok := c.rooms[code]
	if !ok {
		return ErrRoomNotFound
	}
	scope := registry.RoomScope(code)
	if c.conns.Count(scope) >= c.settings.MaxPlayers {
		return ErrRoomFull
	}
	if err := c.conns.Register(conn, identity, scope); err != nil {
		return registrationError(err)
	}

	c.logger.Info("player joined room",
		zap.String("room_code", code),
		zap.String("identity", identity),
	)
	c.broadcastRoom(code, r, "")
	if c.conns.Count(scope) >= c.settings.MaxPlayers {
		c.form(scope, r.host)
	}
	return nil
}

// JoinQueue appends identity to the global queue and forms a match from the
// first arrivals once the queue is at capacity.
//
// Postcondition: On success every queued connection receives queue_update.
// Returns ErrDuplicateConnection or ErrDuplicateUsername without mutating
// state.
func (c *Coordinator) JoinQueue(conn registry.Conn, identity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.conns.ScopeOf(conn); busy {
		return ErrDuplicateConnection
	}
	if err := c.conns.Register(conn, identity, registry.QueueScope); err != nil {
		return registrationError(err)
	}

	c.logger.Info("player queued",
		zap.String("identity", identity),
		zap.Int("queued", c.conns.Count(registry.QueueScope)),
	)
	c.broadcastQueue("")
	if c.conns.Count(registry.QueueScope) >= c.settings.MaxPlayers {
		members := c.conns.Members(registry.QueueScope)
		c.form(registry.QueueScope, members[0].Identity)
	}
	return nil
}

// StartGame forms a match from a room's current members at the host's
// request, regardless of capacity.
//
// Precondition: conn must be the connection the host joined on.
// Postcondition: Returns ErrRoomNotFound, ErrNotHost, or
// ErrInsufficientPlayers without mutating state.
func (c *Coordinator) StartGame(conn registry.Conn, code, identity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	code = strings.ToUpper(strings.TrimSpace(code))
	r, ok := c.rooms[code]
	if !ok {
		return ErrRoomNotFound
	}
	scope := registry.RoomScope(code)
	if r.host != identity {
		return ErrNotHost
	}
	if hostConn, ok := c.conns.Lookup(scope, identity); !ok || hostConn.ID() != conn.ID() {
		return ErrNotHost
	}
	if c.conns.Count(scope) < c.settings.MinPlayers {
		return ErrInsufficientPlayers
	}

	c.logger.Info("host started game", zap.String("room_code", code), zap.String("host", identity))
	c.form(scope, r.host)
	return nil
}

// Leave removes conn from its room or the queue. Unknown connections are
// ignored.
//
// Postcondition: Remaining members receive queue_update naming the departed
// player. An emptied room is deleted; a departed host is replaced by the
// earliest remaining joiner.
func (c *Coordinator) Leave(conn registry.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	scope, ok := c.conns.ScopeOf(conn)
	if !ok || (scope != registry.QueueScope && !scope.IsRoom()) {
		return
	}
	member, _, ok := c.conns.Unregister(conn)
	if !ok {
		return
	}

	if scope == registry.QueueScope {
		c.logger.Info("player left queue", zap.String("identity", member.Identity))
		c.broadcastQueue(member.Identity)
		return
	}

	code := scope.RoomCode()
	r, ok := c.rooms[code]
	if !ok {
		return
	}
	remaining := c.conns.Members(scope)
	if len(remaining) == 0 {
		delete(c.rooms, code)
		c.logger.Info("room closed", zap.String("room_code", code))
		return
	}
	if r.host == member.Identity {
		r.host = remaining[0].Identity
		c.logger.Info("room host reassigned",
			zap.String("room_code", code),
			zap.String("host", r.host),
		)
	}
	c.logger.Info("player left room",
		zap.String("room_code", code),
		zap.String("identity", member.Identity),
	)
	c.broadcastRoom(code, r, member.Identity)
}

// Stats returns the current room count and queue length.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Rooms: len(c.rooms), Queued: c.conns.Count(registry.QueueScope)}
}

// Host returns the current host of the room named by code.
func (c *Coordinator) Host(code string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[code]
	if !ok {
		return "", false
	}
	return r.host, true
}

// form drains scope into a new match, opens its session, and tells every
// matched connection where to go. Callers hold c.mu.
func (c *Coordinator) form(scope registry.Scope, host string) {
	var members []registry.Member
	if scope.IsRoom() {
		members = c.conns.UnregisterScope(scope)
		delete(c.rooms, scope.RoomCode())
	} else {
		queued := c.conns.Members(scope)
		if len(queued) > c.settings.MaxPlayers {
			queued = queued[:c.settings.MaxPlayers]
		}
		for _, m := range queued {
			c.conns.Unregister(m.Conn)
		}
		members = queued
	}

	players := make([]string, len(members))
	for i, m := range members {
		players[i] = m.Identity
	}
	id := c.nextID
	c.nextID++
	m := match.Match{
		ID:         id,
		Players:    players,
		Host:       host,
		GameServer: match.Endpoint(c.settings.GameURL, id),
	}

	if err := c.sessions.Open(m); err != nil {
		c.logger.Error("opening game session",
			zap.Int64("match_id", id),
			zap.Error(err),
		)
		c.router.SendTo(members, protocol.NewError(errMatchFormationFailed))
		return
	}

	c.logger.Info("match formed",
		zap.Int64("match_id", id),
		zap.Strings("players", players),
		zap.String("host", host),
		zap.String("scope", string(scope)),
	)
	c.router.SendTo(members, protocol.NewMatchFound(m.ID, m.GameServer, m.Players, m.Host))
}

func (c *Coordinator) broadcastRoom(code string, r *room, left string) {
	scope := registry.RoomScope(code)
	players := c.conns.Identities(scope)
	msg := protocol.NewQueueUpdate(c.settings.MaxPlayers-len(players), players)
	msg.RoomCode = code
	msg.Host = r.host
	msg.PlayerLeft = left
	c.router.Send(scope, msg, "")
}

func (c *Coordinator) broadcastQueue(left string) {
	players := c.conns.Identities(registry.QueueScope)
	msg := protocol.NewQueueUpdate(c.settings.MaxPlayers-len(players), players)
	msg.PlayerLeft = left
	c.router.Send(registry.QueueScope, msg, "")
}

func registrationError(err error) error {
	if errors.Is(err, registry.ErrDuplicateIdentity) {
		return ErrDuplicateUsername
	}
	return ErrDuplicateConnection
}
