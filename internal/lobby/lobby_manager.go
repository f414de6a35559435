// internal/lobby/lobby_manager.go

package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/trivia/internal/cache"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	ErrLobbyNotFound   = errors.New("lobby not found")
	ErrInvalidGameType = errors.New("invalid game type")
	ErrMissingPlayer   = errors.New("player id is required")
)

// DefaultTTL is the sliding expiry applied to every lobby key.
const DefaultTTL = 15 * time.Minute

// maxWatchRetries bounds optimistic retries when a watched lobby changes
// under AddPlayer.
const maxWatchRetries = 5

// Lobby lifecycle events, published on the lobby events channel.
const (
	EventLobbyCreated = "lobby:created"
	EventPlayerJoined = "lobby:playerJoined"
	EventPlayerLeft   = "lobby:playerLeft"
	EventLobbyDeleted = "lobby:deleted"
)

var validGameTypes = map[string]bool{
	"trivia": true,
}

// EventPublisher receives lobby lifecycle events. The pubsub router satisfies it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, data any, channel string) error
}

// Lobby is the stored view of one pre-game lobby.
type Lobby struct {
	ID        string                `json:"lobbyId"`
	HostID    string                `json:"hostId"`
	GameType  string                `json:"gameType"`
	CreatedAt time.Time             `json:"createdAt"`
	Players   []string              `json:"players"`
	Info      map[string]PlayerInfo `json:"info,omitempty"`
}

// PlayerInfo is what a player supplied when joining.
type PlayerInfo struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// Created is returned by CreateLobby.
type Created struct {
	LobbyID string `json:"lobbyId"`
	HostID  string `json:"hostId"`
}

// LobbyManager keeps lobbies in the shared store. Multi-key mutations run in
// MULTI/EXEC so every process sees a lobby either whole or not at all.
type LobbyManager struct {
	store     *cache.Store
	ttl       time.Duration
	logger    *logrus.Logger
	publisher EventPublisher
}

// NewLobbyManager creates a manager. A non-positive ttl uses DefaultTTL.
func NewLobbyManager(store *cache.Store, ttl time.Duration, logger *logrus.Logger) *LobbyManager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LobbyManager{store: store, ttl: ttl, logger: logger}
}

// WithPublisher makes the manager announce lobby changes through p.
func (lm *LobbyManager) WithPublisher(p EventPublisher) *LobbyManager {
	lm.publisher = p
	return lm
}

func lobbyKey(id string) string   { return "lobby:" + id }
func playersKey(id string) string { return "lobby:" + id + ":players" }
func infoKey(id string) string    { return "lobby:" + id + ":info" }
func connKey(playerID string) string {
	return "conn:" + playerID + ":lobby"
}

// CreateLobby registers a new lobby hosted by hostID.
func (lm *LobbyManager) CreateLobby(ctx context.Context, hostID, gameType string) (Created, error) {
	if hostID == "" {
		return Created{}, ErrMissingPlayer
	}
	if !validGameTypes[gameType] {
		return Created{}, fmt.Errorf("%w: %q", ErrInvalidGameType, gameType)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	err := lm.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, lobbyKey(id),
			"lobbyId", id,
			"hostId", hostID,
			"gameType", gameType,
			"createdAt", now.Format(time.RFC3339Nano),
		)
		pipe.Expire(ctx, lobbyKey(id), lm.ttl)
		pipe.SAdd(ctx, playersKey(id), hostID)
		pipe.Expire(ctx, playersKey(id), lm.ttl)
		pipe.Set(ctx, connKey(hostID), id, lm.ttl)
		return nil
	})
	if err != nil {
		// The transaction may have been partially applied if the connection
		// dropped mid-EXEC; remove whatever landed.
		if _, cleanupErr := lm.store.Delete(context.WithoutCancel(ctx), lobbyKey(id), playersKey(id), connKey(hostID)); cleanupErr != nil {
			lm.logger.Warnf("lobby %s: rollback after failed create also failed: %v", id, cleanupErr)
		}
		return Created{}, fmt.Errorf("create lobby: %w", err)
	}

	lm.logger.WithFields(logrus.Fields{"lobby": id, "host": hostID}).Info("lobby created")
	lm.publish(ctx, EventLobbyCreated, map[string]string{"lobbyId": id, "hostId": hostID})
	return Created{LobbyID: id, HostID: hostID}, nil
}

// AddPlayer puts playerID in the lobby. Re-adding updates the player's info.
func (lm *LobbyManager) AddPlayer(ctx context.Context, lobbyID, playerID, name, phone string) error {
	if playerID == "" {
		return ErrMissingPlayer
	}
	info, err := json.Marshal(PlayerInfo{Name: name, Phone: phone})
	if err != nil {
		return fmt.Errorf("encode player info: %w", err)
	}

	// The lobby key is watched so a lobby that expires or is deleted between
	// the check and the write is never recreated as orphan player keys.
	add := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, lobbyKey(lobbyID)).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrLobbyNotFound, lobbyID)
		}
		members, err := tx.SMembers(ctx, playersKey(lobbyID)).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, playersKey(lobbyID), playerID)
			pipe.HSet(ctx, infoKey(lobbyID), playerID, info)
			pipe.Set(ctx, connKey(playerID), lobbyID, lm.ttl)
			lm.expireAll(ctx, pipe, lobbyID)
			lm.expireMembers(ctx, pipe, members)
			return nil
		})
		return err
	}

	for attempt := 0; ; attempt++ {
		err = lm.store.Client().Watch(ctx, add, lobbyKey(lobbyID))
		if !errors.Is(err, redis.TxFailedErr) || attempt == maxWatchRetries {
			break
		}
	}
	if errors.Is(err, ErrLobbyNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("add player %s to lobby %s: %w", playerID, lobbyID, err)
	}

	lm.publish(ctx, EventPlayerJoined, map[string]string{"lobbyId": lobbyID, "playerId": playerID})
	return nil
}

// RemovePlayer takes playerID out of the lobby. An absent lobby or player is
// not an error and changes nothing.
func (lm *LobbyManager) RemovePlayer(ctx context.Context, lobbyID, playerID string) error {
	members, err := lm.store.SMembers(ctx, playersKey(lobbyID))
	if err != nil {
		return err
	}
	if !contains(members, playerID) {
		return nil
	}

	var mapped string
	if _, err := lm.store.Get(ctx, connKey(playerID), &mapped); err != nil {
		return err
	}
	err = lm.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, playersKey(lobbyID), playerID)
		pipe.HDel(ctx, infoKey(lobbyID), playerID)
		if mapped == lobbyID {
			pipe.Del(ctx, connKey(playerID))
		}
		lm.expireAll(ctx, pipe, lobbyID)
		for _, m := range members {
			if m != playerID {
				pipe.Expire(ctx, connKey(m), lm.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove player %s from lobby %s: %w", playerID, lobbyID, err)
	}

	lm.publish(ctx, EventPlayerLeft, map[string]string{"lobbyId": lobbyID, "playerId": playerID})
	return nil
}

// GetPlayers returns the lobby's player ids in sorted order.
func (lm *LobbyManager) GetPlayers(ctx context.Context, lobbyID string) ([]string, error) {
	members, err := lm.store.SMembers(ctx, playersKey(lobbyID))
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

// GetInfo loads the whole lobby.
func (lm *LobbyManager) GetInfo(ctx context.Context, lobbyID string) (*Lobby, error) {
	meta, err := lm.store.HGetAll(ctx, lobbyKey(lobbyID))
	if err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrLobbyNotFound, lobbyID)
	}

	l := &Lobby{
		ID:       lobbyID,
		HostID:   meta["hostId"],
		GameType: meta["gameType"],
		Info:     make(map[string]PlayerInfo),
	}
	if ts, err := time.Parse(time.RFC3339Nano, meta["createdAt"]); err == nil {
		l.CreatedAt = ts
	}
	if l.Players, err = lm.GetPlayers(ctx, lobbyID); err != nil {
		return nil, err
	}

	raw, err := lm.store.HGetAll(ctx, infoKey(lobbyID))
	if err != nil {
		return nil, err
	}
	for playerID, data := range raw {
		var pi PlayerInfo
		if err := json.Unmarshal([]byte(data), &pi); err != nil {
			lm.logger.Warnf("lobby %s: skipping unreadable info for %s: %v", lobbyID, playerID, err)
			continue
		}
		l.Info[playerID] = pi
	}
	return l, nil
}

// Exists reports whether the lobby is live.
func (lm *LobbyManager) Exists(ctx context.Context, lobbyID string) (bool, error) {
	return lm.store.Exists(ctx, lobbyKey(lobbyID))
}

// DeleteLobby removes the lobby and the reverse mappings of its players.
// Deleting an absent lobby succeeds.
func (lm *LobbyManager) DeleteLobby(ctx context.Context, lobbyID string) error {
	members, err := lm.store.SMembers(ctx, playersKey(lobbyID))
	if err != nil {
		return err
	}

	keys := []string{lobbyKey(lobbyID), playersKey(lobbyID), infoKey(lobbyID)}
	for _, playerID := range members {
		var mapped string
		found, err := lm.store.Get(ctx, connKey(playerID), &mapped)
		if err != nil {
			return err
		}
		// a player who moved on to another lobby keeps that mapping
		if found && mapped == lobbyID {
			keys = append(keys, connKey(playerID))
		}
	}

	n, err := lm.store.Delete(ctx, keys...)
	if err != nil {
		return fmt.Errorf("delete lobby %s: %w", lobbyID, err)
	}
	if n > 0 {
		lm.logger.WithField("lobby", lobbyID).Info("lobby deleted")
		lm.publish(ctx, EventLobbyDeleted, map[string]string{"lobbyId": lobbyID})
	}
	return nil
}

// LobbyForPlayer returns the lobby playerID last joined, if it is still live.
func (lm *LobbyManager) LobbyForPlayer(ctx context.Context, playerID string) (string, bool, error) {
	var lobbyID string
	found, err := lm.store.Get(ctx, connKey(playerID), &lobbyID)
	if err != nil || !found {
		return "", false, err
	}
	return lobbyID, true, nil
}

// Touch slides the lobby's expiry forward without changing it.
func (lm *LobbyManager) Touch(ctx context.Context, lobbyID string) error {
	ok, err := lm.store.Expire(ctx, lobbyKey(lobbyID), lm.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLobbyNotFound, lobbyID)
	}
	members, err := lm.store.SMembers(ctx, playersKey(lobbyID))
	if err != nil {
		return err
	}
	return lm.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lm.expireAll(ctx, pipe, lobbyID)
		lm.expireMembers(ctx, pipe, members)
		return nil
	})
}

func (lm *LobbyManager) expireAll(ctx context.Context, pipe redis.Pipeliner, lobbyID string) {
	pipe.Expire(ctx, lobbyKey(lobbyID), lm.ttl)
	pipe.Expire(ctx, playersKey(lobbyID), lm.ttl)
	pipe.Expire(ctx, infoKey(lobbyID), lm.ttl)
}

// expireMembers slides the reverse mapping of every member along with the
// lobby so LobbyForPlayer keeps resolving while the lobby is live.
func (lm *LobbyManager) expireMembers(ctx context.Context, pipe redis.Pipeliner, members []string) {
	for _, playerID := range members {
		pipe.Expire(ctx, connKey(playerID), lm.ttl)
	}
}

func (lm *LobbyManager) publish(ctx context.Context, eventType string, data any) {
	if lm.publisher == nil {
		return
	}
	if err := lm.publisher.PublishEvent(ctx, eventType, data, ""); err != nil {
		lm.logger.Warnf("publish %s failed: %v", eventType, err)
	}
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
