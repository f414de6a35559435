package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jason-s-yu/trivia/internal/lobby"
	"github.com/jason-s-yu/trivia/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLobbyMux(t *testing.T) (*http.ServeMux, *testutil.RedisServer) {
	t.Helper()
	srv := testutil.NewRedis(t)
	logger := testutil.Logger(t)
	api := NewLobbyAPI(lobby.NewLobbyManager(srv.Store, 0, logger), logger)
	mux := http.NewServeMux()
	api.Register(mux, func(h http.Handler) http.Handler { return h })
	return mux, srv
}

func do(t *testing.T, mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func TestLobbyAPI_Lifecycle(t *testing.T) {
	mux, _ := newLobbyMux(t)

	w := do(t, mux, http.MethodPost, "/lobby/create", `{"hostId":"host1","gameType":"trivia"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeJSON(t, w)
	assert.Equal(t, "host1", created["hostId"])
	id, _ := created["lobbyId"].(string)
	require.NotEmpty(t, id)

	w = do(t, mux, http.MethodPost, "/lobby/"+id+"/join", `{"playerId":"p1","name":"Alice","phone":"555"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []any{"host1", "p1"}, decodeJSON(t, w)["players"])

	w = do(t, mux, http.MethodGet, "/lobby/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	var l lobby.Lobby
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &l))
	assert.Equal(t, "trivia", l.GameType)
	assert.Equal(t, lobby.PlayerInfo{Name: "Alice", Phone: "555"}, l.Info["p1"])

	w = do(t, mux, http.MethodPost, "/lobby/"+id+"/leave", `{"playerId":"p1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"host1"}, decodeJSON(t, w)["players"])

	w = do(t, mux, http.MethodDelete, "/lobby/"+id, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, mux, http.MethodGet, "/lobby/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLobbyAPI_Errors(t *testing.T) {
	mux, _ := newLobbyMux(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown game type", http.MethodPost, "/lobby/create", `{"hostId":"h","gameType":"poker"}`, http.StatusBadRequest},
		{"missing host", http.MethodPost, "/lobby/create", `{"gameType":"trivia"}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/lobby/create", `{`, http.StatusBadRequest},
		{"join missing lobby", http.MethodPost, "/lobby/nope/join", `{"playerId":"p1"}`, http.StatusNotFound},
		{"leave missing lobby", http.MethodPost, "/lobby/nope/leave", `{"playerId":"p1"}`, http.StatusOK},
		{"delete missing lobby", http.MethodDelete, "/lobby/nope", "", http.StatusNoContent},
		{"wrong method", http.MethodGet, "/lobby/create/x", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, mux, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestLobbyAPI_TouchAndPlayerLookup(t *testing.T) {
	mux, srv := newLobbyMux(t)

	w := do(t, mux, http.MethodPost, "/lobby/create", `{"hostId":"host1","gameType":"trivia"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id, _ := decodeJSON(t, w)["lobbyId"].(string)
	require.NotEmpty(t, id)

	w = do(t, mux, http.MethodGet, "/lobby/player/host1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, id, decodeJSON(t, w)["lobbyId"])

	srv.Mini.FastForward(10 * time.Minute)
	w = do(t, mux, http.MethodPost, "/lobby/"+id+"/touch", "")
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Equal(t, lobby.DefaultTTL, srv.Mini.TTL("lobby:"+id))
	assert.Equal(t, lobby.DefaultTTL, srv.Mini.TTL("conn:host1:lobby"))

	w = do(t, mux, http.MethodGet, "/lobby/player/nobody", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, mux, http.MethodPost, "/lobby/nope/touch", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLobbyAPI_StoreFailureIsInternal(t *testing.T) {
	mux, srv := newLobbyMux(t)
	srv.Mini.Close()

	w := do(t, mux, http.MethodPost, "/lobby/create", `{"hostId":"h","gameType":"trivia"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", decodeJSON(t, w)["error"])
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestHealthHandler(t *testing.T) {
	ok := HealthHandler(map[string]Pinger{"redis": stubPinger{}})
	w := httptest.NewRecorder()
	ok(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeJSON(t, w)["redis"])

	down := HealthHandler(map[string]Pinger{"redis": stubPinger{err: errors.New("connection refused")}})
	w = httptest.NewRecorder()
	down(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "connection refused", decodeJSON(t, w)["redis"])
}
