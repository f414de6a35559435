// internal/database/game.go
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/trivia/internal/game"
)

// ErrNotArchived is returned for a game the archive has no record of.
var ErrNotArchived = errors.New("game not archived")

// PlayerResult is one archived row of a game's scoreboard.
type PlayerResult struct {
	PlayerID string
	Score    int
	DidWin   bool
}

// RecordResult persists a finished game and its scoreboard in one
// transaction. Recording the same game again overwrites it.
func (a *ResultsArchive) RecordResult(ctx context.Context, r game.Result) error {
	winners := Winners(r.Scores)
	err := pgx.BeginTxFunc(ctx, a.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		upsertGame := `
			INSERT INTO games (id, game_type, host_id, questions, status, started_at, finished_at)
			VALUES ($1, $2, $3, $4, 'completed', $5, $6)
			ON CONFLICT (id) DO UPDATE
			SET questions = $4, status = 'completed', finished_at = $6
		`
		if _, err := tx.Exec(ctx, upsertGame, r.GameID, r.GameType, r.HostID, r.Questions, r.StartedAt, r.FinishedAt); err != nil {
			return err
		}

		q := `
			INSERT INTO game_results (game_id, player_id, score, did_win)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (game_id, player_id)
			DO UPDATE SET score = $3, did_win = $4
		`
		for playerID, score := range r.Scores {
			if _, err := tx.Exec(ctx, q, r.GameID, playerID, score, winners[playerID]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tx upsert game or results: %w", err)
	}
	a.logger.WithField("game", r.GameID).Infof("archived result for %d player(s)", len(r.Scores))
	return nil
}

// Results returns the archived scoreboard of a game, best score first.
func (a *ResultsArchive) Results(ctx context.Context, gameID string) ([]PlayerResult, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT player_id, score, did_win
		FROM game_results
		WHERE game_id = $1
		ORDER BY score DESC, player_id
	`, gameID)
	if err != nil {
		return nil, fmt.Errorf("query results for %s: %w", gameID, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (PlayerResult, error) {
		var pr PlayerResult
		err := row.Scan(&pr.PlayerID, &pr.Score, &pr.DidWin)
		return pr, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan results for %s: %w", gameID, err)
	}
	return out, nil
}

// FinishedAt returns when an archived game finished.
func (a *ResultsArchive) FinishedAt(ctx context.Context, gameID string) (time.Time, error) {
	var ts time.Time
	err := a.pool.QueryRow(ctx, `SELECT finished_at FROM games WHERE id = $1`, gameID).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotArchived, gameID)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query game %s: %w", gameID, err)
	}
	return ts, nil
}

// Winners marks every player holding the top score. A game where nobody
// scored has no winner.
func Winners(scores map[string]int) map[string]bool {
	best := 0
	for _, s := range scores {
		if s > best {
			best = s
		}
	}
	winners := make(map[string]bool, len(scores))
	for id, s := range scores {
		winners[id] = best > 0 && s == best
	}
	return winners
}
