package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jason-s-yu/trivia/internal/database"
	"github.com/jason-s-yu/trivia/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubArchive struct {
	finished map[string]time.Time
	rows     map[string][]database.PlayerResult
	err      error
}

func (s stubArchive) FinishedAt(_ context.Context, gameID string) (time.Time, error) {
	if s.err != nil {
		return time.Time{}, s.err
	}
	ts, ok := s.finished[gameID]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", database.ErrNotArchived, gameID)
	}
	return ts, nil
}

func (s stubArchive) Results(_ context.Context, gameID string) ([]database.PlayerResult, error) {
	return s.rows[gameID], nil
}

func newResultsMux(t *testing.T, archive ResultsReader) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("GET /games/{id}/results", ResultsHandler(archive, testutil.Logger(t)))
	return mux
}

func TestResultsHandler(t *testing.T) {
	finished := time.Date(2026, 5, 1, 18, 5, 0, 0, time.UTC)
	mux := newResultsMux(t, stubArchive{
		finished: map[string]time.Time{"g1": finished},
		rows: map[string][]database.PlayerResult{"g1": {
			{PlayerID: "p1", Score: 2, DidWin: true},
			{PlayerID: "p2", Score: 1},
		}},
	})

	w := do(t, mux, http.MethodGet, "/games/g1/results", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeJSON(t, w)
	assert.Equal(t, "g1", body["gameId"])
	assert.Equal(t, "2026-05-01T18:05:00Z", body["finishedAt"])
	assert.Equal(t, []any{
		map[string]any{"playerId": "p1", "score": float64(2), "didWin": true},
		map[string]any{"playerId": "p2", "score": float64(1), "didWin": false},
	}, body["results"])

	w = do(t, mux, http.MethodGet, "/games/missing/results", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResultsHandler_ArchiveFailureIsInternal(t *testing.T) {
	mux := newResultsMux(t, stubArchive{err: errors.New("connection reset")})

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/games/g1/results", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", decodeJSON(t, w)["error"])
}
