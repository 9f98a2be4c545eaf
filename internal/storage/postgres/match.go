package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrEmptyResult is returned when saving a result with no match id.
var ErrEmptyResult = errors.New("match result has no match id")

// PlayerScore is one player's final score in an archived match.
type PlayerScore struct {
	Player string `json:"player_id"`
	Score  int    `json:"score"`
}

// MatchResult is an archived finished match.
type MatchResult struct {
	ID        int64         `json:"id"`
	MatchID   int64         `json:"match_id"`
	Winner    string        `json:"winner,omitempty"`
	Players   []PlayerScore `json:"players"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
}

// MatchRepository archives finished matches.
type MatchRepository struct {
	db *pgxpool.Pool
}

// NewMatchRepository creates a MatchRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewMatchRepository(db *pgxpool.Pool) *MatchRepository {
	return &MatchRepository{db: db}
}

// Save writes res and its player scores in one transaction.
//
// Precondition: res.MatchID must be > 0.
// Postcondition: Returns res with ID set, or an error with nothing written.
func (r *MatchRepository) Save(ctx context.Context, res MatchResult) (MatchResult, error) {
	if res.MatchID <= 0 {
		return MatchResult{}, ErrEmptyResult
	}

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var winner *string
		if res.Winner != "" {
			winner = &res.Winner
		}
		if err := tx.QueryRow(ctx,
			`INSERT INTO match_results (match_id, winner, started_at, ended_at)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id`,
			res.MatchID, winner, res.StartedAt, res.EndedAt,
		).Scan(&res.ID); err != nil {
			return fmt.Errorf("inserting match result: %w", err)
		}

		batch := &pgx.Batch{}
		for seat, p := range res.Players {
			batch.Queue(
				`INSERT INTO match_players (result_id, seat, player, score) VALUES ($1, $2, $3, $4)`,
				res.ID, seat, p.Player, p.Score,
			)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting match players: %w", err)
		}
		return nil
	})
	if err != nil {
		return MatchResult{}, err
	}
	return res, nil
}

// Recent returns up to limit archived matches, newest first.
//
// Precondition: limit must be > 0.
func (r *MatchRepository) Recent(ctx context.Context, limit int) ([]MatchResult, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, match_id, COALESCE(winner, ''), started_at, ended_at
		 FROM match_results
		 ORDER BY ended_at DESC, id DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying match results: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (MatchResult, error) {
		var res MatchResult
		err := row.Scan(&res.ID, &res.MatchID, &res.Winner, &res.StartedAt, &res.EndedAt)
		res.Players = []PlayerScore{}
		return res, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning match results: %w", err)
	}
	if len(results) == 0 {
		return results, nil
	}

	ids := make([]int64, len(results))
	index := make(map[int64]int, len(results))
	for i, res := range results {
		ids[i] = res.ID
		index[res.ID] = i
	}

	rows, err = r.db.Query(ctx,
		`SELECT result_id, player, score
		 FROM match_players
		 WHERE result_id = ANY($1)
		 ORDER BY result_id, seat`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("querying match players: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			resultID int64
			p        PlayerScore
		)
		if err := rows.Scan(&resultID, &p.Player, &p.Score); err != nil {
			return nil, fmt.Errorf("scanning match player: %w", err)
		}
		i := index[resultID]
		results[i].Players = append(results[i].Players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating match players: %w", err)
	}
	return results, nil
}
