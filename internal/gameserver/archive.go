package gameserver

import (
	"context"
	"fmt"
	"time"

	"github.com/cory-johannsen/gemhunt/internal/game/gemhunt"
	"github.com/cory-johannsen/gemhunt/internal/storage/postgres"
)

const archiveHealthTimeout = 2 * time.Second

// Archive persists finished sessions in PostgreSQL and lists them for the
// results endpoint.
type Archive struct {
	pool *postgres.Pool
	repo *postgres.MatchRepository
}

// NewArchive wraps a connected pool.
//
// Precondition: pool must be non-nil and connected.
func NewArchive(pool *postgres.Pool) *Archive {
	return &Archive{pool: pool, repo: postgres.NewMatchRepository(pool.DB())}
}

// Record implements gemhunt.Recorder.
func (a *Archive) Record(ctx context.Context, res gemhunt.Result) error {
	players := make([]postgres.PlayerScore, len(res.Players))
	for i, p := range res.Players {
		players[i] = postgres.PlayerScore{Player: p.Identity, Score: p.Score}
	}
	_, err := a.repo.Save(ctx, postgres.MatchResult{
		MatchID:   res.MatchID,
		Winner:    res.Winner,
		Players:   players,
		StartedAt: res.StartedAt,
		EndedAt:   res.EndedAt,
	})
	if err != nil {
		return fmt.Errorf("archiving match %d: %w", res.MatchID, err)
	}
	return nil
}

// Recent returns the newest archived matches.
func (a *Archive) Recent(ctx context.Context, limit int) ([]postgres.MatchResult, error) {
	return a.repo.Recent(ctx, limit)
}

// Health reports whether the archive database answers.
func (a *Archive) Health(ctx context.Context) error {
	return a.pool.Health(ctx, archiveHealthTimeout)
}
