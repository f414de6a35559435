package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/trivia/internal/pubsub"
	"github.com/jason-s-yu/trivia/internal/server"
	"github.com/jason-s-yu/trivia/internal/session"
	"github.com/sirupsen/logrus"
)

// TypeTrivia is the only game type the director runs.
const TypeTrivia = "trivia"

type gameFactory func(gameID, hostID string, questions []Question) *Game

var gameTypes = map[string]gameFactory{
	TypeTrivia: NewTriviaGame,
}

// Result is a finished game's outcome.
type Result struct {
	GameID     string
	GameType   string
	HostID     string
	Questions  int
	Scores     map[string]int
	StartedAt  time.Time
	FinishedAt time.Time
}

// ResultRecorder archives finished games.
type ResultRecorder interface {
	RecordResult(ctx context.Context, r Result) error
}

// DirectorOptions tunes eviction and teardown.
type DirectorOptions struct {
	// IdleTimeout is how long a cached game may go without updates before
	// eviction ends it.
	IdleTimeout time.Duration
	// DrainDelay is how long game channel subscriptions stay open after a
	// game ends so the final broadcast reaches every client.
	DrainDelay time.Duration
	// PublishTimeout bounds a single broadcast publish.
	PublishTimeout time.Duration
}

func (o DirectorOptions) withDefaults() DirectorOptions {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = time.Hour
	}
	if o.DrainDelay < 0 {
		o.DrainDelay = 0
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 3 * time.Second
	}
	return o
}

// Director owns this process's cache of live games and serves the game
// actions. The shared store stays authoritative; the cache is refreshed from
// remote change events.
type Director struct {
	logger   *logrus.Logger
	store    *GameStateStore
	router   *pubsub.Router
	recorder ResultRecorder
	opts     DirectorOptions

	mu    sync.Mutex
	games map[string]*Game

	eventsID pubsub.CallbackID
	now      func() time.Time
}

// NewDirector builds a director. Call Start to begin following remote events.
func NewDirector(logger *logrus.Logger, store *GameStateStore, router *pubsub.Router, opts DirectorOptions) *Director {
	return &Director{
		logger: logger,
		store:  store,
		router: router,
		opts:   opts.withDefaults(),
		games:  make(map[string]*Game),
		now:    time.Now,
	}
}

// WithRecorder archives finished games through r.
func (d *Director) WithRecorder(r ResultRecorder) *Director {
	d.recorder = r
	return d
}

// Start subscribes to game lifecycle events from every process.
func (d *Director) Start(ctx context.Context) error {
	id, err := d.router.SubscribeCallback(ctx, pubsub.ChannelGameEvents, d.handleRemoteEvent)
	if err != nil {
		return fmt.Errorf("follow game events: %w", err)
	}
	d.eventsID = id
	return nil
}

// Stop unsubscribes from game events.
func (d *Director) Stop() {
	if d.eventsID != 0 {
		d.router.UnsubscribeCallback(pubsub.ChannelGameEvents, d.eventsID)
		d.eventsID = 0
	}
}

// CreateGame instantiates and caches a new game.
func (d *Director) CreateGame(gameType, gameID, hostID string, questions []Question) (*Game, error) {
	factory, ok := gameTypes[gameType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGameType, gameType)
	}
	g := factory(gameID, hostID, questions)
	d.attach(g)

	d.mu.Lock()
	d.games[gameID] = g
	d.mu.Unlock()
	return g, nil
}

// GetGame returns the cached game or loads it from the store.
func (d *Director) GetGame(ctx context.Context, gameID string) (*Game, error) {
	d.mu.Lock()
	g, ok := d.games[gameID]
	d.mu.Unlock()
	if ok {
		return g, nil
	}

	state, err := d.store.Load(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if _, known := gameTypes[state.GameType]; !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGameType, state.GameType)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// another goroutine may have loaded it meanwhile
	if g, ok := d.games[gameID]; ok {
		return g, nil
	}
	g = FromState(state)
	d.attach(g)
	d.games[gameID] = g
	d.logger.WithField("game", gameID).Debug("game loaded from store")
	return g, nil
}

// Cached reports whether gameID is in the local cache.
func (d *Director) Cached(gameID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.games[gameID]
	return ok
}

// PublishEvent lets external layers emit audit events through the router.
func (d *Director) PublishEvent(ctx context.Context, eventType string, data any, channel string) error {
	return d.router.PublishEvent(ctx, eventType, data, channel)
}

// Handlers returns the full action table for the session registry.
func (d *Director) Handlers() map[session.Action]session.HandlerFunc {
	return map[session.Action]session.HandlerFunc{
		session.ActionInitializeGame: d.InitializeGame,
		session.ActionJoinGame:       d.JoinGame,
		session.ActionStartGame:      d.StartGame,
		session.ActionSubmitAnswer:   d.SubmitAnswer,
		session.ActionNextQuestion:   d.NextQuestion,
		session.ActionLeaveGame:      d.LeaveGame,
		session.ActionEndGame:        d.EndGame,
		session.ActionPing:           session.Pong,
	}
}

type initializePayload struct {
	GameID    string     `json:"gameId"`
	GameType  string     `json:"gameType"`
	Questions []Question `json:"questions"`
}

type gamePayload struct {
	GameID string `json:"gameId"`
}

type answerPayload struct {
	GameID        string `json:"gameId"`
	QuestionIndex *int   `json:"questionIndex"`
	AnswerIndex   *int   `json:"answerIndex"`
}

type endPayload struct {
	GameID string `json:"gameId"`
	Reason string `json:"reason"`
}

func decode(req session.Request, dest any) error {
	if err := json.Unmarshal(req.Payload, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func requireGameID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: gameId is required", ErrValidation)
	}
	return nil
}

func validateQuestions(qs []Question) error {
	for i, q := range qs {
		if len(q.Options) < 2 {
			return fmt.Errorf("%w: question %d needs at least two options", ErrValidation, i)
		}
		if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
			return fmt.Errorf("%w: question %d has no valid correct option", ErrValidation, i)
		}
	}
	return nil
}

// InitializeGame creates a game hosted by the requesting connection.
func (d *Director) InitializeGame(ctx context.Context, req session.Request) error {
	var p initializePayload
	if err := decode(req, &p); err != nil {
		return err
	}
	if p.GameType == "" {
		p.GameType = TypeTrivia
	}
	if p.GameID == "" {
		p.GameID = uuid.NewString()
	}
	if err := validateQuestions(p.Questions); err != nil {
		return err
	}
	switch _, err := d.GetGame(ctx, p.GameID); {
	case err == nil:
		return fmt.Errorf("%w: game %s already exists", ErrValidation, p.GameID)
	case !errors.Is(err, ErrGameNotFound):
		return err
	}

	g, err := d.CreateGame(p.GameType, p.GameID, req.ConnID, p.Questions)
	if err != nil {
		return err
	}

	g.Mu.Lock()
	defer g.Mu.Unlock()
	if err := d.router.SubscribeConnection(ctx, req.ConnID, g.Channel(), req.Transport); err != nil {
		d.forget(g.ID())
		return fmt.Errorf("subscribe to game: %w", err)
	}
	d.persist(ctx, g)
	d.logger.WithFields(logrus.Fields{"game": g.ID(), "host": req.ConnID}).Info("game initialized")
	return req.Send(ctx, map[string]any{
		"action":         "gameInitialized",
		"gameId":         g.ID(),
		"gameType":       g.State.GameType,
		"role":           RoleHost,
		"totalQuestions": len(g.State.Questions),
	})
}

// JoinGame adds the requesting connection to a game.
func (d *Director) JoinGame(ctx context.Context, req session.Request) error {
	var p gamePayload
	if err := decode(req, &p); err != nil {
		return err
	}
	return d.withGame(ctx, p.GameID, func(g *Game) error {
		role, err := g.Join(req.ConnID)
		if err != nil {
			return err
		}
		if err := d.router.SubscribeConnection(ctx, req.ConnID, g.Channel(), req.Transport); err != nil {
			return fmt.Errorf("subscribe to game: %w", err)
		}
		return req.Send(ctx, g.Snapshot(role))
	})
}

// StartGame starts the game; host only.
func (d *Director) StartGame(ctx context.Context, req session.Request) error {
	var p gamePayload
	if err := decode(req, &p); err != nil {
		return err
	}
	return d.withGame(ctx, p.GameID, func(g *Game) error {
		return g.Start(req.ConnID)
	})
}

// SubmitAnswer records an answer for the current question.
func (d *Director) SubmitAnswer(ctx context.Context, req session.Request) error {
	var p answerPayload
	if err := decode(req, &p); err != nil {
		return err
	}
	if p.QuestionIndex == nil || p.AnswerIndex == nil {
		return fmt.Errorf("%w: questionIndex and answerIndex are required", ErrValidation)
	}
	return d.withGame(ctx, p.GameID, func(g *Game) error {
		if err := g.SubmitAnswer(req.ConnID, *p.QuestionIndex, *p.AnswerIndex); err != nil {
			return err
		}
		return req.Send(ctx, map[string]any{
			"action":        "answerReceived",
			"gameId":        g.ID(),
			"questionIndex": *p.QuestionIndex,
		})
	})
}

// NextQuestion scores the current question and moves on; host only.
func (d *Director) NextQuestion(ctx context.Context, req session.Request) error {
	var p gamePayload
	if err := decode(req, &p); err != nil {
		return err
	}
	return d.withGame(ctx, p.GameID, func(g *Game) error {
		finished, err := g.NextQuestion(req.ConnID)
		if err != nil {
			return err
		}
		if finished {
			d.record(ctx, g)
		}
		return nil
	})
}

// LeaveGame removes the requesting connection from a game.
func (d *Director) LeaveGame(ctx context.Context, req session.Request) error {
	var p gamePayload
	if err := decode(req, &p); err != nil {
		return err
	}
	return d.withGame(ctx, p.GameID, func(g *Game) error {
		if _, member := g.Clients[req.ConnID]; !member {
			return fmt.Errorf("%w: not in game %s", ErrValidation, g.ID())
		}
		if g.Leave(req.ConnID) {
			g.End("host left")
		}
		d.router.UnsubscribeConnection(req.ConnID, g.Channel())
		return nil
	})
}

// EndGame terminates a game; host only.
func (d *Director) EndGame(ctx context.Context, req session.Request) error {
	var p endPayload
	if err := decode(req, &p); err != nil {
		return err
	}
	if p.Reason == "" {
		p.Reason = "ended by host"
	}
	return d.withGame(ctx, p.GameID, func(g *Game) error {
		if req.ConnID != g.State.HostID {
			return ErrNotHost
		}
		g.End(p.Reason)
		return nil
	})
}

// DetachConnection applies leave semantics to every cached game connID is in.
func (d *Director) DetachConnection(connID string) {
	ctx := context.Background()
	for _, g := range d.snapshot() {
		g.Mu.Lock()
		if _, member := g.Clients[connID]; !member || g.ended {
			g.Mu.Unlock()
			continue
		}
		if g.Leave(connID) {
			g.End("host left")
		}
		d.commit(ctx, g)
		g.Mu.Unlock()
	}
}

// EvictIdle ends every cached game idle beyond IdleTimeout.
func (d *Director) EvictIdle(ctx context.Context) error {
	cutoff := d.now().Add(-d.opts.IdleTimeout)
	evicted := 0
	for _, g := range d.snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.Mu.Lock()
		if g.ended || !g.State.UpdatedAt.Before(cutoff) {
			g.Mu.Unlock()
			continue
		}
		g.End("inactivity")
		d.commit(ctx, g)
		g.Mu.Unlock()

		if err := d.router.PublishEvent(ctx, EventGameExpired, GameRef{GameID: g.ID()}, ""); err != nil {
			d.logger.WithError(err).WithField("game", g.ID()).Warn("failed to publish game expiry")
		}
		evicted++
	}
	if evicted > 0 {
		d.logger.Infof("evicted %d idle game(s)", evicted)
	}
	return nil
}

// EvictionTask returns the periodic eviction for supervision.
func (d *Director) EvictionTask(interval, cooldown, maxCooldown time.Duration) server.Task {
	return server.Task{
		Name:        "game-eviction",
		Interval:    interval,
		Cooldown:    cooldown,
		MaxCooldown: maxCooldown,
		Run:         d.EvictIdle,
	}
}

// withGame runs fn on a game under its lock, then persists and broadcasts.
func (d *Director) withGame(ctx context.Context, gameID string, fn func(g *Game) error) error {
	if err := requireGameID(gameID); err != nil {
		return err
	}
	g, err := d.GetGame(ctx, gameID)
	if err != nil {
		return err
	}

	g.Mu.Lock()
	defer g.Mu.Unlock()
	if g.ended {
		return fmt.Errorf("%w: %s", ErrGameNotFound, gameID)
	}
	err = fn(g)
	if err != nil && !g.ended && len(g.pending) == 0 {
		return err
	}
	d.commit(ctx, g)
	return err
}

// commit persists and broadcasts the game. An ended game is torn down
// instead of saved. g.Mu must be held.
func (d *Director) commit(ctx context.Context, g *Game) {
	if g.ended {
		d.teardown(ctx, g)
		return
	}
	d.persist(ctx, g)
}

func (d *Director) persist(ctx context.Context, g *Game) {
	if !d.store.Save(ctx, g.State) {
		d.logger.WithField("game", g.ID()).Warn("game state cached locally only")
	}
	g.Flush()
}

// teardown broadcasts the final events, deletes the stored state and drops
// the game from the cache. Client subscriptions close after DrainDelay.
func (d *Director) teardown(ctx context.Context, g *Game) {
	g.Flush()
	if _, err := d.store.Delete(ctx, g.ID()); err != nil {
		d.logger.WithError(err).WithField("game", g.ID()).Error("failed to delete ended game")
	}
	d.forget(g.ID())

	channel := g.Channel()
	clients := make([]string, 0, len(g.Clients))
	for id := range g.Clients {
		clients = append(clients, id)
	}
	time.AfterFunc(d.opts.DrainDelay, func() {
		for _, id := range clients {
			d.router.UnsubscribeConnection(id, channel)
		}
	})
	d.logger.WithField("game", g.ID()).Info("game ended")
}

func (d *Director) record(ctx context.Context, g *Game) {
	if d.recorder == nil {
		return
	}
	res := Result{
		GameID:     g.ID(),
		GameType:   g.State.GameType,
		HostID:     g.State.HostID,
		Questions:  len(g.State.Questions),
		Scores:     g.FinalScores(),
		StartedAt:  g.State.CreatedAt,
		FinishedAt: g.State.UpdatedAt,
	}
	if err := d.recorder.RecordResult(ctx, res); err != nil {
		d.logger.WithError(err).WithField("game", g.ID()).Error("failed to archive game result")
	}
}

// attach wires the game's broadcasts to its pub/sub channel.
func (d *Director) attach(g *Game) {
	channel := g.Channel()
	g.BroadcastFn = func(ev GameEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.PublishTimeout)
		defer cancel()
		if err := d.router.Publish(ctx, channel, ev); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"game":  ev.GameID,
				"event": ev.Action,
			}).Warn("broadcast failed")
		}
	}
}

func (d *Director) forget(gameID string) {
	d.mu.Lock()
	delete(d.games, gameID)
	d.mu.Unlock()
}

func (d *Director) snapshot() []*Game {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.games))
	for id := range d.games {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	games := make([]*Game, 0, len(ids))
	for _, id := range ids {
		games = append(games, d.games[id])
	}
	return games
}

func (d *Director) cached(gameID string) *Game {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.games[gameID]
}

// handleRemoteEvent keeps the cache in line with changes made by any process.
func (d *Director) handleRemoteEvent(ctx context.Context, _ string, payload []byte) error {
	ev, err := pubsub.DecodeEvent(payload)
	if err != nil {
		return fmt.Errorf("decode game event: %w", err)
	}

	switch ev.Event {
	case EventGameDeleted, EventGameExpired:
		var ref GameRef
		if err := json.Unmarshal(ev.Data, &ref); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Event, err)
		}
		if d.cached(ref.GameID) != nil {
			d.forget(ref.GameID)
			d.logger.WithFields(logrus.Fields{"game": ref.GameID, "event": ev.Event}).Debug("evicted game after remote event")
		}
	case EventGameUpdated:
		var upd UpdatedEvent
		if err := json.Unmarshal(ev.Data, &upd); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Event, err)
		}
		return d.refresh(ctx, upd)
	}
	return nil
}

// refresh reloads a cached game when a newer copy was saved elsewhere.
// Local clients are kept and the question index never moves backwards.
func (d *Director) refresh(ctx context.Context, upd UpdatedEvent) error {
	g := d.cached(upd.GameID)
	if g == nil {
		return nil
	}

	g.Mu.Lock()
	defer g.Mu.Unlock()
	if g.ended || upd.UpdatedAt <= g.State.UpdatedAt.UnixMilli() {
		return nil
	}
	state, err := d.store.Load(ctx, upd.GameID)
	if err != nil {
		return err
	}
	if state.CurrentQuestionIndex < g.State.CurrentQuestionIndex {
		d.logger.WithField("game", upd.GameID).Warn("ignoring stale remote state")
		return nil
	}
	g.State = state
	d.logger.WithField("game", upd.GameID).Debug("game refreshed from store")
	return nil
}
