// Package main runs the Gem Hunt server: the matchmaking websocket, the game
// websocket, and the HTTP API, each on its own listener.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gemhunt/internal/config"
	"github.com/cory-johannsen/gemhunt/internal/gameserver"
	"github.com/cory-johannsen/gemhunt/internal/observability"
	"github.com/cory-johannsen/gemhunt/internal/server"
	"github.com/cory-johannsen/gemhunt/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file (empty = defaults and environment)")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	var archive gameserver.Archiver
	if cfg.Database.Enabled {
		dbStart := time.Now()
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		defer pool.Close()
		archive = gameserver.NewArchive(pool)
		logger.Info("match archive connected",
			zap.String("host", cfg.Database.Host),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
	}

	app := gameserver.NewApp(cfg, archive, logger)

	mm := server.NewHTTPService("matchmaking", cfg.Matchmaking.Addr(), app.MatchmakingHandler(), logger)
	game := server.NewHTTPService("game", cfg.Game.Addr(), app.GameHandler(), logger)
	api := server.NewHTTPService("api", cfg.API.Addr(), app.APIHandler(), logger)

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("sessions", &server.FuncService{
		StartFn: func() error {
			app.Start(ctx)
			return nil
		},
		StopFn: app.Stop,
	})
	lifecycle.Add("matchmaking", mm)
	lifecycle.Add("game", game)
	lifecycle.Add("api", api)

	logger.Info("gem hunt server starting",
		zap.String("matchmaking_addr", cfg.Matchmaking.Addr()),
		zap.String("game_addr", cfg.Game.Addr()),
		zap.String("api_addr", cfg.API.Addr()),
		zap.String("game_url", cfg.Matchmaking.GameURL),
		zap.Bool("archive", cfg.Database.Enabled),
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
