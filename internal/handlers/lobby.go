// internal/handlers/lobby.go
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/jason-s-yu/trivia/internal/lobby"
	"github.com/sirupsen/logrus"
)

type createLobbyRequest struct {
	HostID   string `json:"hostId"`
	GameType string `json:"gameType"`
}

type joinLobbyRequest struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	Phone    string `json:"phone,omitempty"`
}

type leaveLobbyRequest struct {
	PlayerID string `json:"playerId"`
}

// LobbyAPI serves the lobby endpoints used by the invite-link generator.
type LobbyAPI struct {
	lobbies *lobby.LobbyManager
	logger  *logrus.Logger
}

// NewLobbyAPI wires the endpoints to lm.
func NewLobbyAPI(lm *lobby.LobbyManager, logger *logrus.Logger) *LobbyAPI {
	return &LobbyAPI{lobbies: lm, logger: logger}
}

// Register mounts the lobby routes on mux.
func (a *LobbyAPI) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	mux.Handle("POST /lobby/create", wrap(http.HandlerFunc(a.CreateLobbyHandler)))
	mux.Handle("GET /lobby/{id}", wrap(http.HandlerFunc(a.GetLobbyHandler)))
	mux.Handle("POST /lobby/{id}/join", wrap(http.HandlerFunc(a.JoinLobbyHandler)))
	mux.Handle("POST /lobby/{id}/leave", wrap(http.HandlerFunc(a.LeaveLobbyHandler)))
	mux.Handle("DELETE /lobby/{id}", wrap(http.HandlerFunc(a.DeleteLobbyHandler)))
	mux.Handle("POST /lobby/{id}/touch", wrap(http.HandlerFunc(a.TouchLobbyHandler)))
	mux.Handle("GET /lobby/player/{playerId}", wrap(http.HandlerFunc(a.PlayerLobbyHandler)))
}

// CreateLobbyHandler creates a lobby hosted by hostId.
func (a *LobbyAPI) CreateLobbyHandler(w http.ResponseWriter, r *http.Request) {
	var req createLobbyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	created, err := a.lobbies.CreateLobby(r.Context(), req.HostID, req.GameType)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetLobbyHandler returns the lobby with its players.
func (a *LobbyAPI) GetLobbyHandler(w http.ResponseWriter, r *http.Request) {
	l, err := a.lobbies.GetInfo(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// JoinLobbyHandler adds a player to the lobby.
func (a *LobbyAPI) JoinLobbyHandler(w http.ResponseWriter, r *http.Request) {
	var req joinLobbyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := a.lobbies.AddPlayer(r.Context(), id, req.PlayerID, req.Name, req.Phone); err != nil {
		a.writeError(w, err)
		return
	}
	a.writePlayers(w, r, id)
}

// LeaveLobbyHandler removes a player. Leaving a lobby one is not in succeeds.
func (a *LobbyAPI) LeaveLobbyHandler(w http.ResponseWriter, r *http.Request) {
	var req leaveLobbyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := a.lobbies.RemovePlayer(r.Context(), id, req.PlayerID); err != nil {
		a.writeError(w, err)
		return
	}
	a.writePlayers(w, r, id)
}

// DeleteLobbyHandler removes the lobby.
func (a *LobbyAPI) DeleteLobbyHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.lobbies.DeleteLobby(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TouchLobbyHandler keeps an idle lobby alive.
func (a *LobbyAPI) TouchLobbyHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.lobbies.Touch(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PlayerLobbyHandler resolves the lobby a player last joined so a client
// can rejoin after a reconnect.
func (a *LobbyAPI) PlayerLobbyHandler(w http.ResponseWriter, r *http.Request) {
	playerID := r.PathValue("playerId")
	id, found, err := a.lobbies.LobbyForPlayer(r.Context(), playerID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorBody(fmt.Errorf("%w for player %s", lobby.ErrLobbyNotFound, playerID)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"lobbyId": id, "playerId": playerID})
}

func (a *LobbyAPI) writePlayers(w http.ResponseWriter, r *http.Request, id string) {
	players, err := a.lobbies.GetPlayers(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lobbyId": id, "players": players})
}

func (a *LobbyAPI) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lobby.ErrLobbyNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err))
	case errors.Is(err, lobby.ErrInvalidGameType), errors.Is(err, lobby.ErrMissingPlayer):
		writeJSON(w, http.StatusBadRequest, errorBody(err))
	default:
		a.logger.Errorf("lobby request failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody(errors.New("internal error")))
	}
}

// decodeBody reads a JSON body into dest. An empty body leaves dest zeroed.
func decodeBody(w http.ResponseWriter, r *http.Request, dest any) bool {
	err := json.NewDecoder(r.Body).Decode(dest)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody(errors.New("bad request payload")))
		return false
	}
	return true
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
