package game

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jason-s-yu/trivia/internal/cache"
	"github.com/jason-s-yu/trivia/internal/pubsub"
	"github.com/jason-s-yu/trivia/internal/server"
	"github.com/sirupsen/logrus"
)

const (
	stateKeyPrefix = "game:state:"

	DefaultStateTTL = 24 * time.Hour
	DefaultExpiry   = 24 * time.Hour
)

// Game lifecycle events, published on the game events channel.
const (
	EventGameUpdated = pubsub.EventGameUpdated
	EventGameDeleted = pubsub.EventGameDeleted
	EventGameExpired = pubsub.EventGameExpired
)

// EventPublisher announces state changes to every process.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, data any, channel string) error
}

// UpdatedEvent is the payload of EventGameUpdated.
type UpdatedEvent struct {
	GameID    string `json:"gameId"`
	UpdatedAt int64  `json:"updatedAt"`
}

// GameRef is the payload of EventGameDeleted and EventGameExpired.
type GameRef struct {
	GameID string `json:"gameId"`
}

func stateKey(gameID string) string { return stateKeyPrefix + gameID }

// GameStateStore persists game states in the shared store and announces
// every change.
type GameStateStore struct {
	store     *cache.Store
	publisher EventPublisher
	logger    *logrus.Logger
	ttl       time.Duration
	expiry    time.Duration
	now       func() time.Time
}

// NewGameStateStore creates a store. Non-positive durations use the defaults.
func NewGameStateStore(store *cache.Store, publisher EventPublisher, logger *logrus.Logger, ttl, expiry time.Duration) *GameStateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &GameStateStore{
		store:     store,
		publisher: publisher,
		logger:    logger,
		ttl:       ttl,
		expiry:    expiry,
		now:       time.Now,
	}
}

// Save writes state and publishes EventGameUpdated. It returns false when the
// write failed; the caller's copy is then only cached locally.
func (s *GameStateStore) Save(ctx context.Context, state *GameState) bool {
	if err := s.store.Set(ctx, stateKey(state.GameID), state, s.ttl); err != nil {
		s.logger.WithError(err).WithField("game", state.GameID).Error("failed to save game state")
		return false
	}
	s.publish(ctx, EventGameUpdated, UpdatedEvent{GameID: state.GameID, UpdatedAt: state.UpdatedAt.UnixMilli()})
	return true
}

// Load reads a state. A missing key yields ErrGameNotFound.
func (s *GameStateStore) Load(ctx context.Context, gameID string) (*GameState, error) {
	var state GameState
	found, err := s.store.Get(ctx, stateKey(gameID), &state)
	if err != nil {
		return nil, fmt.Errorf("load game %s: %w", gameID, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrGameNotFound, gameID)
	}
	return &state, nil
}

// Delete removes a state. EventGameDeleted is published only when a state
// actually existed.
func (s *GameStateStore) Delete(ctx context.Context, gameID string) (bool, error) {
	n, err := s.store.Delete(ctx, stateKey(gameID))
	if err != nil {
		return false, fmt.Errorf("delete game %s: %w", gameID, err)
	}
	if n == 0 {
		return false, nil
	}
	s.publish(ctx, EventGameDeleted, GameRef{GameID: gameID})
	return true, nil
}

// List returns the ids of stored games matching pattern (a glob over game
// ids, "*" when empty). limit <= 0 means no limit.
func (s *GameStateStore) List(ctx context.Context, pattern string, limit int) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	keys, err := s.store.Keys(ctx, stateKey(pattern), limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, stateKeyPrefix))
	}
	return ids, nil
}

// Sweep deletes every state whose last update is older than the expiry
// threshold and publishes EventGameExpired for each. It returns how many
// states were removed.
func (s *GameStateStore) Sweep(ctx context.Context) (int, error) {
	ids, err := s.List(ctx, "*", 0)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-s.expiry)
	removed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		state, err := s.Load(ctx, id)
		if err != nil {
			// it may have been deleted since the scan
			s.logger.WithError(err).WithField("game", id).Debug("sweep: skipping unreadable state")
			continue
		}
		if !state.UpdatedAt.Before(cutoff) {
			continue
		}
		n, err := s.store.Delete(ctx, stateKey(id))
		if err != nil {
			return removed, fmt.Errorf("sweep game %s: %w", id, err)
		}
		if n == 0 {
			continue
		}
		removed++
		s.publish(ctx, EventGameExpired, GameRef{GameID: id})
	}

	if removed > 0 {
		s.logger.Infof("sweep removed %d expired game(s)", removed)
	}
	return removed, nil
}

// SweepTask returns the periodic sweep for supervision.
func (s *GameStateStore) SweepTask(interval, cooldown, maxCooldown time.Duration) server.Task {
	return server.Task{
		Name:        "game-sweep",
		Interval:    interval,
		Cooldown:    cooldown,
		MaxCooldown: maxCooldown,
		Run: func(ctx context.Context) error {
			_, err := s.Sweep(ctx)
			return err
		},
	}
}

func (s *GameStateStore) publish(ctx context.Context, eventType string, data any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishEvent(ctx, eventType, data, ""); err != nil {
		s.logger.WithError(err).WithField("event", eventType).Warn("failed to publish game event")
	}
}
