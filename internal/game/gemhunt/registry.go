package gemhunt

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gemhunt/internal/broadcast"
	"github.com/cory-johannsen/gemhunt/internal/game/match"
	"github.com/cory-johannsen/gemhunt/internal/registry"
)

var (
	// ErrMatchNotFound is returned when no session exists for a match id.
	ErrMatchNotFound = errors.New("match not found")
	// ErrMatchExists is returned when a session is opened twice for one id.
	ErrMatchExists = errors.New("match already exists")
)

// Recorder receives the result of every finished session.
type Recorder interface {
	Record(ctx context.Context, res Result) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the wall clock used by every session.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithSource overrides the random source used for gem placement.
func WithSource(src Source) Option {
	return func(r *Registry) { r.src = src }
}

// WithRecorder archives finished sessions through rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// Registry is the directory of active sessions keyed by match id.
type Registry struct {
	settings Settings
	conns    *registry.Registry
	router   *broadcast.Router
	ticks    *TickManager
	logger   *zap.Logger
	now      func() time.Time
	src      Source
	recorder Recorder

	mu       sync.RWMutex
	sessions map[int64]*Session
	wg       sync.WaitGroup
}

// NewRegistry creates an empty session registry.
//
// Precondition: conns, router, ticks, and logger must be non-nil.
func NewRegistry(settings Settings, conns *registry.Registry, router *broadcast.Router,
	ticks *TickManager, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		settings: settings,
		conns:    conns,
		router:   router,
		ticks:    ticks,
		logger:   logger,
		now:      time.Now,
		src:      NewCryptoSource(),
		sessions: make(map[int64]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open creates a Lobby session for m and registers its tick.
//
// Postcondition: Get(m.ID) returns the session. Returns ErrMatchExists if a
// session for m.ID is already open.
func (r *Registry) Open(m match.Match) error {
	s := newSession(m, r.settings, r.conns, r.router, r.src, r.now, r.logger)
	s.onEnd = r.record
	s.onTeardown = r.Remove

	r.mu.Lock()
	if _, exists := r.sessions[m.ID]; exists {
		r.mu.Unlock()
		return ErrMatchExists
	}
	r.sessions[m.ID] = s
	r.mu.Unlock()

	r.ticks.RegisterTick(m.ID, s.Tick)
	r.logger.Info("session opened",
		zap.Int64("match_id", m.ID),
		zap.Strings("players", m.Players),
		zap.String("host", m.Host),
	)
	return nil
}

// Get returns the session for matchID.
func (r *Registry) Get(matchID int64) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[matchID]
	if !ok {
		return nil, ErrMatchNotFound
	}
	return s, nil
}

// Remove drops the session for matchID and its tick. Unknown ids are ignored.
func (r *Registry) Remove(matchID int64) {
	r.mu.Lock()
	_, ok := r.sessions[matchID]
	delete(r.sessions, matchID)
	r.mu.Unlock()
	r.ticks.Unregister(matchID)
	if ok {
		r.logger.Debug("session removed", zap.Int64("match_id", matchID))
	}
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the open match ids in ascending order.
func (r *Registry) IDs() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Start runs the tick loop until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	r.ticks.Start(ctx)
}

// CloseAll tears down every open session and waits for pending result
// archiving to finish.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	open := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		open = append(open, s)
	}
	r.mu.RUnlock()

	for _, s := range open {
		s.Close()
	}
	r.wg.Wait()
}

// record archives res off the session goroutine.
func (r *Registry) record(res Result) {
	if r.recorder == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.recorder.Record(ctx, res); err != nil {
			r.logger.Warn("archiving match result",
				zap.Int64("match_id", res.MatchID),
				zap.Error(err),
			)
		}
	}()
}
