// internal/game/state.go
package game

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrValidation      = errors.New("invalid request")
	ErrGameNotFound    = errors.New("game not found")
	ErrUnknownGameType = errors.New("unknown game type")
	ErrNotHost         = errors.New("only the host can do that")
	ErrInvalidState    = errors.New("action not allowed in the current game state")
)

// Status is the lifecycle stage of a game.
type Status string

const (
	StatusCreated  Status = "created"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

// Role is a connection's part in a game.
type Role string

const (
	RoleHost   Role = "host"
	RolePlayer Role = "player"
)

// Question is one multiple-choice question.
type Question struct {
	Text         string   `json:"text"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
}

// QuestionView is a question as shown to players, without the answer.
type QuestionView struct {
	Text    string   `json:"text"`
	Options []string `json:"options"`
}

// View hides the correct option.
func (q Question) View() QuestionView {
	return QuestionView{Text: q.Text, Options: q.Options}
}

// GameState is the persisted, process-independent part of a game.
type GameState struct {
	GameID               string                 `json:"gameId"`
	GameType             string                 `json:"gameType"`
	HostID               string                 `json:"hostId"`
	Status               Status                 `json:"status"`
	Active               bool                   `json:"active"`
	Questions            []Question             `json:"questions"`
	CurrentQuestionIndex int                    `json:"currentQuestionIndex"`
	PlayerAnswers        map[int]map[string]int `json:"playerAnswers"`
	Scores               map[string]int         `json:"scores"`
	CreatedAt            time.Time              `json:"createdAt"`
	UpdatedAt            time.Time              `json:"updatedAt"`
}

// NewGameState returns a state in StatusCreated.
func NewGameState(gameType, gameID, hostID string, questions []Question) *GameState {
	now := time.Now().UTC()
	return &GameState{
		GameID:        gameID,
		GameType:      gameType,
		HostID:        hostID,
		Status:        StatusCreated,
		Questions:     questions,
		PlayerAnswers: make(map[int]map[string]int),
		Scores:        make(map[string]int),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// UnmarshalJSON fills nil maps so decoded states are always writable.
func (s *GameState) UnmarshalJSON(data []byte) error {
	type plain GameState
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.PlayerAnswers == nil {
		p.PlayerAnswers = make(map[int]map[string]int)
	}
	if p.Scores == nil {
		p.Scores = make(map[string]int)
	}
	*s = GameState(p)
	return nil
}

// Touch stamps the state as modified now. UpdatedAt never moves backwards.
func (s *GameState) Touch() {
	now := time.Now().UTC()
	if now.After(s.UpdatedAt) {
		s.UpdatedAt = now
	}
}

// CurrentQuestion returns the question being played, if any.
func (s *GameState) CurrentQuestion() (Question, bool) {
	if s.CurrentQuestionIndex < 0 || s.CurrentQuestionIndex >= len(s.Questions) {
		return Question{}, false
	}
	return s.Questions[s.CurrentQuestionIndex], true
}

// Clone returns a deep copy.
func (s *GameState) Clone() *GameState {
	c := *s
	c.Questions = make([]Question, len(s.Questions))
	for i, q := range s.Questions {
		q.Options = append([]string(nil), q.Options...)
		c.Questions[i] = q
	}
	c.PlayerAnswers = make(map[int]map[string]int, len(s.PlayerAnswers))
	for idx, answers := range s.PlayerAnswers {
		m := make(map[string]int, len(answers))
		for p, a := range answers {
			m[p] = a
		}
		c.PlayerAnswers[idx] = m
	}
	c.Scores = make(map[string]int, len(s.Scores))
	for p, v := range s.Scores {
		c.Scores[p] = v
	}
	return &c
}
