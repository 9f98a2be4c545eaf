package gameserver

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gemhunt/internal/broadcast"
	"github.com/cory-johannsen/gemhunt/internal/config"
	"github.com/cory-johannsen/gemhunt/internal/frontend/ws"
	"github.com/cory-johannsen/gemhunt/internal/game/gemhunt"
	"github.com/cory-johannsen/gemhunt/internal/matchmaking"
	"github.com/cory-johannsen/gemhunt/internal/observability"
	"github.com/cory-johannsen/gemhunt/internal/registry"
)

// App holds every runtime component of the server and exposes one
// http.Handler per listener.
type App struct {
	Conns       *registry.Registry
	Router      *broadcast.Router
	Sessions    *gemhunt.Registry
	Coordinator *matchmaking.Coordinator

	matchmaking *ws.Acceptor
	game        *ws.Acceptor
	api         *API
	cancel      context.CancelFunc
}

// Archiver both records finished sessions and lists them.
type Archiver interface {
	gemhunt.Recorder
	ResultStore
}

// NewApp assembles the server from cfg. archive may be nil.
//
// Precondition: cfg must be valid; logger must be non-nil.
func NewApp(cfg config.Config, archive Archiver, logger *zap.Logger, opts ...gemhunt.Option) *App {
	conns := registry.New()
	router := broadcast.NewRouter(conns, observability.Component(logger, "broadcast"))

	settings := gemhunt.Settings{
		Width:        cfg.Game.GridWidth,
		Height:       cfg.Game.GridHeight,
		Capacity:     gemhunt.MaxCapacity,
		MinPlayers:   cfg.Matchmaking.MinPlayers,
		Duration:     cfg.Game.Duration,
		GemInterval:  cfg.Game.GemInterval,
		CleanupDelay: cfg.Game.CleanupDelay,
		LobbyTimeout: cfg.Game.LobbyTimeout,
	}
	var results ResultStore
	if archive != nil {
		opts = append([]gemhunt.Option{gemhunt.WithRecorder(archive)}, opts...)
		results = archive
	}
	sessions := gemhunt.NewRegistry(settings, conns, router,
		gemhunt.NewTickManager(cfg.Game.TickInterval),
		observability.Component(logger, "game"), opts...)

	coord := matchmaking.NewCoordinator(matchmaking.Settings{
		MaxPlayers: cfg.Matchmaking.MaxPlayers,
		MinPlayers: cfg.Matchmaking.MinPlayers,
		GameURL:    cfg.Matchmaking.GameURL,
	}, conns, router, sessions, observability.Component(logger, "matchmaking"))

	return &App{
		Conns:       conns,
		Router:      router,
		Sessions:    sessions,
		Coordinator: coord,
		matchmaking: ws.NewAcceptor("matchmaking", cfg.Websocket,
			NewMatchmakingHandler(coord, router, observability.Component(logger, "matchmaking")), logger),
		game: ws.NewAcceptor("game", cfg.Websocket,
			NewGameHandler(sessions, router, observability.Component(logger, "game")), logger),
		api: NewAPI(coord, sessions, results, observability.Component(logger, "api")),
	}
}

// Start runs the session tick loop until Stop.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.Sessions.Start(ctx)
}

// Stop closes every websocket client, tears down all sessions, and stops
// the tick loop.
func (a *App) Stop() {
	a.matchmaking.Stop()
	a.game.Stop()
	a.Sessions.CloseAll()
	if a.cancel != nil {
		a.cancel()
	}
}

// MatchmakingHandler serves the matchmaking websocket on "/" and "/matchmaking".
func (a *App) MatchmakingHandler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/", a.matchmaking)
	r.Handle("/matchmaking", a.matchmaking)
	return r
}

// GameHandler serves the game websocket on "/game/{match_id}".
func (a *App) GameHandler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/game/{"+MatchIDParam+"}", a.game)
	return r
}

// APIHandler serves the HTTP API.
func (a *App) APIHandler() http.Handler {
	return a.api.Router()
}
