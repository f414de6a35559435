// internal/handlers/results.go
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jason-s-yu/trivia/internal/database"
	"github.com/sirupsen/logrus"
)

// ResultsReader is the read side of the results archive.
type ResultsReader interface {
	Results(ctx context.Context, gameID string) ([]database.PlayerResult, error)
	FinishedAt(ctx context.Context, gameID string) (time.Time, error)
}

type playerResult struct {
	PlayerID string `json:"playerId"`
	Score    int    `json:"score"`
	DidWin   bool   `json:"didWin"`
}

type gameResults struct {
	GameID     string         `json:"gameId"`
	FinishedAt time.Time      `json:"finishedAt"`
	Results    []playerResult `json:"results"`
}

// ResultsHandler serves the archived scoreboard of a finished game.
func ResultsHandler(archive ResultsReader, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gameID := r.PathValue("id")
		finished, err := archive.FinishedAt(r.Context(), gameID)
		if errors.Is(err, database.ErrNotArchived) {
			writeJSON(w, http.StatusNotFound, errorBody(err))
			return
		}
		if err != nil {
			logger.Errorf("results request failed: %v", err)
			writeJSON(w, http.StatusInternalServerError, errorBody(errors.New("internal error")))
			return
		}
		rows, err := archive.Results(r.Context(), gameID)
		if err != nil {
			logger.Errorf("results request failed: %v", err)
			writeJSON(w, http.StatusInternalServerError, errorBody(errors.New("internal error")))
			return
		}

		out := gameResults{GameID: gameID, FinishedAt: finished, Results: make([]playerResult, 0, len(rows))}
		for _, row := range rows {
			out.Results = append(out.Results, playerResult(row))
		}
		writeJSON(w, http.StatusOK, out)
	}
}
