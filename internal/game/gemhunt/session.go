// Package gemhunt implements the authoritative Gem Hunt game session: a grid
// on which players collect gems until a countdown ends, plus the registry and
// tick loop that drive every active session.
package gemhunt

import (
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gemhunt/internal/broadcast"
	"github.com/cory-johannsen/gemhunt/internal/game/match"
	"github.com/cory-johannsen/gemhunt/internal/protocol"
	"github.com/cory-johannsen/gemhunt/internal/registry"
)

var (
	// ErrSessionFull is returned when the roster is at capacity.
	ErrSessionFull = errors.New("game is full")
	// ErrSessionNotRunning is returned for moves outside the Running state.
	ErrSessionNotRunning = errors.New("game is not running")
	// ErrSessionOver is returned for joins after the game has ended.
	ErrSessionOver = errors.New("game is over")
	// ErrUnknownPlayer is returned when the connection has not joined the roster.
	ErrUnknownPlayer = errors.New("must join before moving")
	// ErrIdentityMismatch is returned when a joined connection tries to join as someone else.
	ErrIdentityMismatch = errors.New("username mismatch")
)

// State is the lifecycle phase of a session.
type State int

// Session states. Over is terminal.
const (
	Lobby State = iota
	Running
	Over
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Lobby:
		return "lobby"
	case Running:
		return "running"
	case Over:
		return "over"
	}
	return "unknown"
}

// MaxCapacity is the number of start corners and so the largest roster.
const MaxCapacity = 4

// Settings fixes the rules of every session.
type Settings struct {
	Width    int
	Height   int
	Capacity int
	// MinPlayers is the roster size that starts the countdown.
	MinPlayers   int
	Duration     time.Duration
	GemInterval  time.Duration
	CleanupDelay time.Duration
	LobbyTimeout time.Duration
}

// corners returns the start cells in assignment order: the first joiner gets
// one corner, the second the diagonally opposite one, and so on.
func (s Settings) corners() []protocol.Position {
	return []protocol.Position{
		{X: 0, Y: 0},
		{X: s.Width - 1, Y: s.Height - 1},
		{X: s.Width - 1, Y: 0},
		{X: 0, Y: s.Height - 1},
	}
}

// PlayerResult is one player's final score.
type PlayerResult struct {
	Identity string
	Score    int
}

// Result summarises a finished session.
type Result struct {
	MatchID   int64
	Players   []PlayerResult
	Winner    string
	StartedAt time.Time
	EndedAt   time.Time
}

type player struct {
	identity string
	pos      protocol.Position
	score    int
}

// Session owns one match's grid, roster, and countdown.
// All methods are safe for concurrent use; the tick and every request
// handler serialise on the same mutex.
type Session struct {
	match    match.Match
	scope    registry.Scope
	settings Settings
	conns    *registry.Registry
	router   *broadcast.Router
	src      Source
	now      func() time.Time
	logger   *zap.Logger

	onEnd      func(Result)
	onTeardown func(matchID int64)

	mu        sync.Mutex
	state     State
	grid      [][]bool // grid[y][x]; true holds a gem
	roster    map[string]*player
	order     []string
	createdAt time.Time
	startedAt time.Time
	lastGem   time.Time
	endedAt   time.Time
	winner    *string
	closed    bool
}

func newSession(m match.Match, settings Settings, conns *registry.Registry, router *broadcast.Router,
	src Source, now func() time.Time, logger *zap.Logger) *Session {
	grid := make([][]bool, settings.Height)
	for y := range grid {
		grid[y] = make([]bool, settings.Width)
	}
	return &Session{
		match:      m,
		scope:      registry.MatchScope(m.ID),
		settings:   settings,
		conns:      conns,
		router:     router,
		src:        src,
		now:        now,
		logger:     logger.With(zap.Int64("match_id", m.ID)),
		onEnd:      func(Result) {},
		onTeardown: func(int64) {},
		state:      Lobby,
		grid:       grid,
		roster:     make(map[string]*player),
		createdAt:  now(),
	}
}

// ID returns the match id.
func (s *Session) ID() int64 { return s.match.ID }

// Match returns the match record the session was created from.
func (s *Session) Match() match.Match { return s.match }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RosterSize returns the number of players in the roster.
func (s *Session) RosterSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.roster)
}

// Join adds identity to the roster on conn. A known identity joining from a
// new connection takes over its roster slot and the old connection is closed.
//
// Precondition: identity must be non-empty.
// Postcondition: On success the joiner receives join_ack, the other players
// receive player_joined, and everyone receives the full state. Returns
// ErrSessionOver, ErrSessionFull, ErrIdentityMismatch, or
// registry.ErrDuplicateConnection (conn belongs to another scope) without
// mutating state.
func (s *Session) Join(conn registry.Conn, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advanceClock()
	if s.closed || s.state == Over {
		return ErrSessionOver
	}

	if scope, ok := s.conns.ScopeOf(conn); ok {
		if scope != s.scope {
			return registry.ErrDuplicateConnection
		}
		if current, _ := s.conns.IdentityOf(conn); current != identity {
			return ErrIdentityMismatch
		}
		// Repeated join on the same connection: re-acknowledge.
		s.router.Reply(conn, protocol.NewJoinAck(identity, s.match.ID))
		s.router.Reply(conn, protocol.NewGameState(s.view()))
		return nil
	}

	if _, known := s.roster[identity]; known {
		old, err := s.conns.Rebind(s.scope, identity, conn)
		if err != nil {
			return err
		}
		_ = old.Close()
		s.logger.Info("player reconnected", zap.String("identity", identity))
	} else {
		if len(s.roster) >= s.settings.Capacity {
			return ErrSessionFull
		}
		if err := s.conns.Register(conn, identity, s.scope); err != nil {
			return err
		}
		s.roster[identity] = &player{identity: identity, pos: s.startCell()}
		s.order = append(s.order, identity)
		s.logger.Info("player joined",
			zap.String("identity", identity),
			zap.Int("roster", len(s.roster)),
		)
		if s.state == Lobby && len(s.roster) >= s.settings.MinPlayers {
			s.start()
		}
	}

	s.router.Send(s.scope, protocol.NewPlayerEvent(protocol.EventPlayerJoined, identity), identity)
	s.router.Reply(conn, protocol.NewJoinAck(identity, s.match.ID))
	s.broadcastState()
	return nil
}

// startCell picks corners[len(roster)], falling forward to the next free
// corner if a departed player's replacement would otherwise stack on someone.
func (s *Session) startCell() protocol.Position {
	corners := s.settings.corners()
	base := len(s.roster)
	for i := 0; i < len(corners); i++ {
		c := corners[(base+i)%len(corners)]
		if !s.occupied(c) {
			return c
		}
	}
	return corners[base%len(corners)]
}

func (s *Session) occupied(pos protocol.Position) bool {
	for _, p := range s.roster {
		if p.pos == pos {
			return true
		}
	}
	return false
}

func (s *Session) start() {
	now := s.now()
	s.state = Running
	s.startedAt = now
	s.lastGem = now
	s.logger.Info("game started", zap.Strings("players", s.order))
}

// Move steps the connection's player one cell in dir, clamped to the grid.
// Entering a gem cell scores one point and clears the gem.
//
// Postcondition: On success the full state is broadcast. Returns
// ErrSessionNotRunning or ErrUnknownPlayer without mutating state.
func (s *Session) Move(conn registry.Conn, dir protocol.Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advanceClock()
	if s.closed || s.state != Running {
		return ErrSessionNotRunning
	}
	p, ok := s.playerFor(conn)
	if !ok {
		return ErrUnknownPlayer
	}

	dx, dy := dir.Delta()
	next := protocol.Position{
		X: clamp(p.pos.X+dx, 0, s.settings.Width-1),
		Y: clamp(p.pos.Y+dy, 0, s.settings.Height-1),
	}
	if s.grid[next.Y][next.X] {
		s.grid[next.Y][next.X] = false
		p.score++
	}
	p.pos = next

	s.broadcastState()
	return nil
}

func (s *Session) playerFor(conn registry.Conn) (*player, bool) {
	if scope, ok := s.conns.ScopeOf(conn); !ok || scope != s.scope {
		return nil, false
	}
	identity, ok := s.conns.IdentityOf(conn)
	if !ok {
		return nil, false
	}
	p, ok := s.roster[identity]
	return p, ok
}

// SendState replies to conn with the current state.
func (s *Session) SendState(conn registry.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceClock()
	s.router.Reply(conn, protocol.NewGameState(s.view()))
}

// Snapshot returns the current state view. A countdown that has run out is
// ended first.
func (s *Session) Snapshot() protocol.StateView {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceClock()
	return s.view()
}

// Leave removes the connection's player from the roster. Unknown or
// already-removed connections are ignored. The player's cell is not
// reassigned to anyone.
//
// Postcondition: Remaining players receive player_left and the full state.
// An empty roster ends a running game and tears down a finished one.
func (s *Session) Leave(conn registry.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if scope, ok := s.conns.ScopeOf(conn); !ok || scope != s.scope {
		return
	}
	member, _, ok := s.conns.Unregister(conn)
	if !ok {
		return
	}
	delete(s.roster, member.Identity)
	for i, name := range s.order {
		if name == member.Identity {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	s.logger.Info("player left",
		zap.String("identity", member.Identity),
		zap.Int("roster", len(s.roster)),
		zap.Stringer("state", s.state),
	)

	s.router.Send(s.scope, protocol.NewPlayerEvent(protocol.EventPlayerLeft, member.Identity), "")
	s.broadcastState()

	if len(s.roster) > 0 {
		return
	}
	switch s.state {
	case Running:
		s.finish(s.now())
		s.teardown()
	case Over:
		s.teardown()
	}
}

// Tick advances the countdown and spawns gems. It is driven by TickManager.
//
// Postcondition: While Running the full state is broadcast. The Running→Over
// transition happens at most once. A lobby that outlives LobbyTimeout is torn
// down and its connections closed.
func (s *Session) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	now := s.now()

	switch s.state {
	case Lobby:
		// Still in Lobby means the roster never reached MinPlayers.
		if s.settings.LobbyTimeout > 0 && now.Sub(s.createdAt) >= s.settings.LobbyTimeout {
			s.logger.Info("lobby expired", zap.Int("roster", len(s.roster)))
			s.teardown()
		}
	case Running:
		if s.advanceClock() {
			return
		}
		if now.Sub(s.lastGem) >= s.settings.GemInterval {
			s.spawnGem()
			s.lastGem = now
		}
		s.broadcastState()
	case Over:
		if len(s.roster) == 0 || now.Sub(s.endedAt) >= s.settings.CleanupDelay {
			s.teardown()
		}
	}
}

// advanceClock ends a running game whose duration has elapsed.
//
// Postcondition: Returns true if this call made the Running→Over transition.
func (s *Session) advanceClock() bool {
	if s.state != Running {
		return false
	}
	now := s.now()
	if now.Sub(s.startedAt) < s.settings.Duration {
		return false
	}
	s.finish(now)
	return true
}

// finish moves the session to Over and hands the result to onEnd.
//
// Postcondition: Every remaining player receives the final state.
func (s *Session) finish(now time.Time) {
	if s.state == Over {
		return
	}
	s.state = Over
	s.endedAt = now
	s.winner = s.leader()

	res := Result{
		MatchID:   s.match.ID,
		StartedAt: s.startedAt,
		EndedAt:   now,
	}
	for _, name := range s.order {
		res.Players = append(res.Players, PlayerResult{Identity: name, Score: s.roster[name].score})
	}
	if s.winner != nil {
		res.Winner = *s.winner
	}
	s.logger.Info("game over", zap.String("winner", res.Winner))
	s.broadcastState()
	s.onEnd(res)
}

// leader returns the unique top scorer, or nil if the roster is empty or the
// top score is shared.
func (s *Session) leader() *string {
	var best *player
	tied := false
	for _, name := range s.order {
		p := s.roster[name]
		switch {
		case best == nil || p.score > best.score:
			best = p
			tied = false
		case p.score == best.score:
			tied = true
		}
	}
	if best == nil || tied {
		return nil
	}
	name := best.identity
	return &name
}

// spawnGem places one gem on a uniformly chosen cell that is neither a gem
// nor occupied by a player. It is a no-op when no such cell exists.
func (s *Session) spawnGem() {
	occupied := make(map[protocol.Position]bool, len(s.roster))
	for _, p := range s.roster {
		occupied[p.pos] = true
	}
	var free []protocol.Position
	for y := range s.grid {
		for x := range s.grid[y] {
			pos := protocol.Position{X: x, Y: y}
			if !s.grid[y][x] && !occupied[pos] {
				free = append(free, pos)
			}
		}
	}
	if len(free) == 0 {
		return
	}
	pos := free[s.src.Intn(len(free))]
	s.grid[pos.Y][pos.X] = true
}

// teardown detaches every remaining connection and removes the session.
func (s *Session) teardown() {
	if s.closed {
		return
	}
	s.closed = true
	for _, m := range s.conns.UnregisterScope(s.scope) {
		_ = m.Conn.Close()
	}
	s.logger.Info("session torn down")
	s.onTeardown(s.match.ID)
}

// Close ends the session immediately, closing every connection.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown()
}

func (s *Session) broadcastState() {
	s.router.Send(s.scope, protocol.NewGameState(s.view()), "")
}

func (s *Session) view() protocol.StateView {
	grid := make([][]int, len(s.grid))
	for y, row := range s.grid {
		grid[y] = make([]int, len(row))
		for x, gem := range row {
			if gem {
				grid[y][x] = 1
			}
		}
	}
	players := make(map[string]protocol.PlayerView, len(s.roster))
	for name, p := range s.roster {
		players[name] = protocol.PlayerView{Position: p.pos, Score: p.score}
	}
	var winner *string
	if s.winner != nil {
		w := *s.winner
		winner = &w
	}
	return protocol.StateView{
		Grid:          grid,
		Players:       players,
		TimeRemaining: s.timeRemaining(),
		GameOver:      s.state == Over,
		Winner:        winner,
	}
}

// timeRemaining is max(0, duration-elapsed) in whole seconds, rounded up.
func (s *Session) timeRemaining() int {
	switch s.state {
	case Lobby:
		return int(math.Ceil(s.settings.Duration.Seconds()))
	case Over:
		return 0
	}
	left := s.settings.Duration - s.now().Sub(s.startedAt)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
