// internal/game/trivia.go
package game

import (
	"fmt"
	"sort"
	"sync"
)

// GameEventType names a frame broadcast to a game's clients.
type GameEventType string

const (
	EventPlayerJoined   GameEventType = "playerJoined"
	EventPlayerLeft     GameEventType = "playerLeft"
	EventGameStarted    GameEventType = "gameStarted"
	EventQuestionResult GameEventType = "questionResult"
	EventNextQuestion   GameEventType = "nextQuestion"
	EventGameFinished   GameEventType = "gameFinished"
	EventGameEnded      GameEventType = "gameEnded"
)

// GameEvent is a frame broadcast to every client of a game.
type GameEvent struct {
	Action  GameEventType  `json:"action"`
	GameID  string         `json:"gameId"`
	Payload map[string]any `json:"data,omitempty"`
}

// Game wraps a GameState with the connections this process holds for it.
// Every method expects Mu to be held by the caller.
type Game struct {
	Mu sync.Mutex

	State *GameState
	// Clients is process-local membership and is never persisted.
	Clients map[string]Role

	// BroadcastFn receives queued events on Flush. If nil, events are dropped.
	BroadcastFn func(ev GameEvent)

	pending []GameEvent
	ended   bool
}

// NewTriviaGame creates a game in StatusCreated with the host joined.
func NewTriviaGame(gameID, hostID string, questions []Question) *Game {
	return &Game{
		State:   NewGameState(TypeTrivia, gameID, hostID, questions),
		Clients: map[string]Role{hostID: RoleHost},
	}
}

// FromState wraps a loaded state. Clients start empty and are rebuilt as
// connections rejoin.
func FromState(state *GameState) *Game {
	return &Game{State: state, Clients: make(map[string]Role)}
}

// ID returns the game id.
func (g *Game) ID() string { return g.State.GameID }

// Ended reports whether End has been called.
func (g *Game) Ended() bool { return g.ended }

// Channel is the pub/sub channel the game broadcasts on.
func (g *Game) Channel() string { return ChannelFor(g.State.GameID) }

// ChannelFor returns the broadcast channel of a game id.
func ChannelFor(gameID string) string { return "game:" + gameID }

func (g *Game) emit(action GameEventType, payload map[string]any) {
	g.pending = append(g.pending, GameEvent{Action: action, GameID: g.State.GameID, Payload: payload})
}

// Flush hands queued events to BroadcastFn in order.
func (g *Game) Flush() {
	events := g.pending
	g.pending = nil
	if g.BroadcastFn == nil {
		return
	}
	for _, ev := range events {
		g.BroadcastFn(ev)
	}
}

// Join adds connID to the game. The host id always joins as host.
func (g *Game) Join(connID string) (Role, error) {
	if connID == "" {
		return "", fmt.Errorf("%w: player id is required", ErrValidation)
	}
	if g.State.Status == StatusFinished {
		return "", fmt.Errorf("%w: game has finished", ErrInvalidState)
	}
	role := RolePlayer
	if connID == g.State.HostID {
		role = RoleHost
	}
	g.Clients[connID] = role
	g.State.Touch()
	g.emit(EventPlayerJoined, map[string]any{
		"playerId": connID,
		"role":     role,
		"players":  g.PlayerIDs(),
	})
	return role, nil
}

// Leave removes connID. It reports whether the host left, in which case the
// caller ends the game.
func (g *Game) Leave(connID string) (hostLeft bool) {
	if _, ok := g.Clients[connID]; !ok {
		return false
	}
	delete(g.Clients, connID)
	if connID == g.State.HostID {
		return true
	}
	g.State.Touch()
	g.emit(EventPlayerLeft, map[string]any{
		"playerId": connID,
		"players":  g.PlayerIDs(),
	})
	return false
}

// Start moves the game to StatusActive.
func (g *Game) Start(connID string) error {
	if connID != g.State.HostID {
		return ErrNotHost
	}
	if g.State.Status != StatusCreated {
		return fmt.Errorf("%w: game is %s", ErrInvalidState, g.State.Status)
	}
	if len(g.State.Questions) == 0 {
		return fmt.Errorf("%w: no questions to play", ErrValidation)
	}

	g.State.Status = StatusActive
	g.State.Active = true
	g.State.CurrentQuestionIndex = 0
	g.State.PlayerAnswers = make(map[int]map[string]int)
	g.State.Scores = make(map[string]int)
	// only players present right now get a zero score; later joiners get
	// an entry when they first answer
	for id, role := range g.Clients {
		if role == RolePlayer {
			g.State.Scores[id] = 0
		}
	}
	g.State.Touch()

	q, _ := g.State.CurrentQuestion()
	g.emit(EventGameStarted, map[string]any{
		"questionIndex":  0,
		"totalQuestions": len(g.State.Questions),
		"question":       q.View(),
	})
	return nil
}

// SubmitAnswer records connID's answer for the current question. A repeated
// answer replaces the previous one.
func (g *Game) SubmitAnswer(connID string, questionIndex, answerIndex int) error {
	if g.State.Status != StatusActive {
		return fmt.Errorf("%w: game is %s", ErrInvalidState, g.State.Status)
	}
	if g.Clients[connID] != RolePlayer {
		return fmt.Errorf("%w: only joined players can answer", ErrValidation)
	}
	if questionIndex != g.State.CurrentQuestionIndex {
		return fmt.Errorf("%w: question %d is not the current question", ErrValidation, questionIndex)
	}
	q, ok := g.State.CurrentQuestion()
	if !ok {
		return fmt.Errorf("%w: no current question", ErrInvalidState)
	}
	if answerIndex < 0 || answerIndex >= len(q.Options) {
		return fmt.Errorf("%w: answer %d out of range", ErrValidation, answerIndex)
	}

	answers := g.State.PlayerAnswers[questionIndex]
	if answers == nil {
		answers = make(map[string]int)
		g.State.PlayerAnswers[questionIndex] = answers
	}
	answers[connID] = answerIndex
	g.State.Touch()
	return nil
}

// NextQuestion scores the current question and advances. It reports whether
// that was the last question.
func (g *Game) NextQuestion(connID string) (finished bool, err error) {
	if connID != g.State.HostID {
		return false, ErrNotHost
	}
	if g.State.Status != StatusActive {
		return false, fmt.Errorf("%w: game is %s", ErrInvalidState, g.State.Status)
	}

	idx := g.State.CurrentQuestionIndex
	q, ok := g.State.CurrentQuestion()
	if !ok {
		return false, fmt.Errorf("%w: no current question", ErrInvalidState)
	}
	g.scoreQuestion(idx, q)
	g.emit(EventQuestionResult, map[string]any{
		"questionIndex": idx,
		"correctIndex":  q.CorrectIndex,
		"scores":        g.scoresCopy(),
	})

	g.State.CurrentQuestionIndex = idx + 1
	g.State.Touch()

	if next, ok := g.State.CurrentQuestion(); ok {
		g.emit(EventNextQuestion, map[string]any{
			"questionIndex": g.State.CurrentQuestionIndex,
			"question":      next.View(),
		})
		return false, nil
	}

	g.State.Active = false
	g.State.Status = StatusFinished
	g.emit(EventGameFinished, map[string]any{
		"finalScores": g.scoresCopy(),
	})
	return true, nil
}

// End terminates the game from any state.
func (g *Game) End(reason string) {
	g.State.Active = false
	g.State.Status = StatusFinished
	g.State.Touch()
	g.ended = true
	g.emit(EventGameEnded, map[string]any{"reason": reason})
}

func (g *Game) scoreQuestion(idx int, q Question) {
	for playerID, answer := range g.State.PlayerAnswers[idx] {
		if _, ok := g.State.Scores[playerID]; !ok {
			g.State.Scores[playerID] = 0
		}
		if answer == q.CorrectIndex {
			g.State.Scores[playerID]++
		}
	}
}

// FinalScores returns a copy of the scores.
func (g *Game) FinalScores() map[string]int { return g.scoresCopy() }

func (g *Game) scoresCopy() map[string]int {
	out := make(map[string]int, len(g.State.Scores))
	for id, s := range g.State.Scores {
		out[id] = s
	}
	return out
}

// PlayerIDs lists the connections that joined as players, sorted.
func (g *Game) PlayerIDs() []string {
	ids := make([]string, 0, len(g.Clients))
	for id, role := range g.Clients {
		if role == RolePlayer {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Snapshot is what a joining client needs to catch up.
func (g *Game) Snapshot(role Role) map[string]any {
	snap := map[string]any{
		"action":               "joinedGame",
		"gameId":               g.State.GameID,
		"role":                 role,
		"status":               g.State.Status,
		"currentQuestionIndex": g.State.CurrentQuestionIndex,
		"totalQuestions":       len(g.State.Questions),
		"players":              g.PlayerIDs(),
	}
	if g.State.Status == StatusActive {
		if q, ok := g.State.CurrentQuestion(); ok {
			snap["question"] = q.View()
		}
		snap["scores"] = g.scoresCopy()
	}
	return snap
}
