// internal/session/registry.go
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrUnknownAction is returned for an action outside the fixed action set.
var ErrUnknownAction = errors.New("unknown action")

// Action names a client request.
type Action string

const (
	ActionInitializeGame Action = "initializeGame"
	ActionJoinGame       Action = "joinGame"
	ActionStartGame      Action = "startGame"
	ActionSubmitAnswer   Action = "submitAnswer"
	ActionNextQuestion   Action = "nextQuestion"
	ActionLeaveGame      Action = "leaveGame"
	ActionEndGame        Action = "endGame"
	ActionPing           Action = "ping"
)

// Actions is the closed set of actions a client may send.
var Actions = []Action{
	ActionInitializeGame,
	ActionJoinGame,
	ActionStartGame,
	ActionSubmitAnswer,
	ActionNextQuestion,
	ActionLeaveGame,
	ActionEndGame,
	ActionPing,
}

// Valid reports whether a is in the action set.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// Request is one decoded client frame. Payload holds the whole frame so
// handlers decode the fields they need.
type Request struct {
	Action    Action
	Payload   json.RawMessage
	ConnID    string
	Transport Transport
	Send      SendFunc
}

// HandlerFunc serves one action. A returned error is replied to the client.
type HandlerFunc func(ctx context.Context, req Request) error

// Detacher is notified when a connection goes away.
type Detacher interface {
	DetachConnection(connID string)
}

// ErrorReply is sent back for every rejected request.
type ErrorReply struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

func errorReply(msg string) ErrorReply {
	return ErrorReply{Action: "error", Message: msg}
}

// Registry maps connection ids to live transports and dispatches frames to
// the action table.
type Registry struct {
	logger    *logrus.Logger
	handlers  map[Action]HandlerFunc
	detachers []Detacher

	mu    sync.RWMutex
	conns map[string]Transport
}

// NewRegistry builds a registry. handlers must cover every action in Actions
// and nothing else.
func NewRegistry(logger *logrus.Logger, handlers map[Action]HandlerFunc, detachers ...Detacher) (*Registry, error) {
	var problems []string
	for _, a := range Actions {
		if handlers[a] == nil {
			problems = append(problems, fmt.Sprintf("missing handler for %q", a))
		}
	}
	for a := range handlers {
		if !a.Valid() {
			problems = append(problems, fmt.Sprintf("%v: %q", ErrUnknownAction, a))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, fmt.Errorf("invalid action table: %v", problems)
	}

	table := make(map[Action]HandlerFunc, len(handlers))
	for a, h := range handlers {
		table[a] = h
	}
	return &Registry{
		logger:    logger,
		handlers:  table,
		detachers: detachers,
		conns:     make(map[string]Transport),
	}, nil
}

// Register maps connID to t, generating an id when connID is empty. It
// returns the id in use.
func (r *Registry) Register(connID string, t Transport) string {
	if connID == "" {
		connID = uuid.NewString()
	}
	r.mu.Lock()
	r.conns[connID] = t
	r.mu.Unlock()
	return connID
}

// RegisterIfAbsent maps connID to t unless a live transport already holds
// it. A closed holder is replaced. It returns the id in use and whether t
// was registered.
func (r *Registry) RegisterIfAbsent(connID string, t Transport) (string, bool) {
	if connID == "" {
		connID = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.conns[connID]; ok && existing != t && !existing.Closed() {
		return connID, false
	}
	r.conns[connID] = t
	return connID, true
}

// Transport returns the live transport for connID.
func (r *Registry) Transport(connID string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.conns[connID]
	return t, ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Dispatch handles one inbound frame from connID. Failures are replied to
// the connection and never returned.
func (r *Registry) Dispatch(ctx context.Context, connID string, t Transport, frame []byte) {
	r.mu.Lock()
	if _, ok := r.conns[connID]; !ok {
		r.conns[connID] = t
	}
	r.mu.Unlock()
	send := SenderFor(t)
	log := r.logger.WithField("conn", connID)

	var envelope struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil {
		log.Debugf("rejecting malformed frame: %v", err)
		r.reply(ctx, log, send, errorReply("Invalid JSON"))
		return
	}

	handler, ok := r.handlers[envelope.Action]
	if !ok {
		log.WithField("action", envelope.Action).Debug("rejecting unknown action")
		r.reply(ctx, log, send, errorReply("Unknown action"))
		return
	}

	req := Request{
		Action:    envelope.Action,
		Payload:   json.RawMessage(frame),
		ConnID:    connID,
		Transport: t,
		Send:      send,
	}
	start := time.Now()
	if err := r.invoke(ctx, handler, req); err != nil {
		log.WithField("action", envelope.Action).Infof("action rejected: %v", err)
		r.reply(ctx, log, send, errorReply(err.Error()))
		return
	}
	log.WithFields(logrus.Fields{
		"action":   envelope.Action,
		"duration": time.Since(start),
	}).Debug("action handled")
}

// Remove forgets connID and tells every detacher about it, but only while t
// is still the registered transport. A socket that lost its id to a
// reconnect leaves the new owner alone.
func (r *Registry) Remove(connID string, t Transport) {
	r.mu.Lock()
	current, known := r.conns[connID]
	if known && current != t {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	r.mu.Unlock()

	for _, d := range r.detachers {
		d.DetachConnection(connID)
	}
	if known {
		r.logger.WithField("conn", connID).Debug("connection removed")
	}
}

func (r *Registry) invoke(ctx context.Context, h HandlerFunc, req Request) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithFields(logrus.Fields{
				"conn":   req.ConnID,
				"action": req.Action,
				"panic":  rec,
			}).Error("action handler panicked")
			err = errors.New("internal error")
		}
	}()
	return h(ctx, req)
}

func (r *Registry) reply(ctx context.Context, log *logrus.Entry, send SendFunc, msg ErrorReply) {
	if err := send(ctx, msg); err != nil {
		log.Debugf("could not deliver error reply: %v", err)
	}
}

// Pong answers a ping.
func Pong(ctx context.Context, req Request) error {
	return req.Send(ctx, map[string]any{
		"action":    "pong",
		"timestamp": time.Now().UnixMilli(),
	})
}
