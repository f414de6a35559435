package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/jason-s-yu/trivia/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type recordingTransport struct {
	mu     sync.Mutex
	frames []map[string]any
	closed bool
}

func (rt *recordingTransport) Send(_ context.Context, payload []byte) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return ErrTransportClosed
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	rt.frames = append(rt.frames, m)
	return nil
}

func (rt *recordingTransport) Closed() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closed
}

func (rt *recordingTransport) last() map[string]any {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.frames) == 0 {
		return nil
	}
	return rt.frames[len(rt.frames)-1]
}

type countingDetacher struct {
	mu  sync.Mutex
	ids []string
}

func (d *countingDetacher) DetachConnection(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, connID)
}

func okHandlers() map[Action]HandlerFunc {
	h := make(map[Action]HandlerFunc, len(Actions))
	for _, a := range Actions {
		h[a] = func(context.Context, Request) error { return nil }
	}
	h[ActionPing] = Pong
	return h
}

func newTestRegistry(t *testing.T, handlers map[Action]HandlerFunc, detachers ...Detacher) *Registry {
	t.Helper()
	reg, err := NewRegistry(testutil.Logger(t), handlers, detachers...)
	require.NoError(t, err)
	return reg
}

func TestNewRegistry_RejectsIncompleteTable(t *testing.T) {
	h := okHandlers()
	delete(h, ActionSubmitAnswer)

	_, err := NewRegistry(testutil.Logger(t), h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "submitAnswer")
}

func TestNewRegistry_RejectsUnknownAction(t *testing.T) {
	h := okHandlers()
	h["teleport"] = func(context.Context, Request) error { return nil }

	_, err := NewRegistry(testutil.Logger(t), h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")
}

func TestDispatch_UnknownAction(t *testing.T) {
	reg := newTestRegistry(t, okHandlers())
	tr := &recordingTransport{}

	reg.Dispatch(context.Background(), "c1", tr, []byte(`{"action":"dance"}`))

	assert.Equal(t, map[string]any{"action": "error", "message": "Unknown action"}, tr.last())
}

func TestDispatch_InvalidJSON(t *testing.T) {
	reg := newTestRegistry(t, okHandlers())
	tr := &recordingTransport{}

	reg.Dispatch(context.Background(), "c1", tr, []byte(`{"action":`))

	assert.Equal(t, map[string]any{"action": "error", "message": "Invalid JSON"}, tr.last())
}

func TestDispatch_InvokesHandlerWithRequest(t *testing.T) {
	h := okHandlers()
	var got Request
	h[ActionJoinGame] = func(_ context.Context, req Request) error {
		got = req
		return nil
	}
	reg := newTestRegistry(t, h)
	tr := &recordingTransport{}

	reg.Dispatch(context.Background(), "c1", tr, []byte(`{"action":"joinGame","gameId":"g1"}`))

	assert.Equal(t, ActionJoinGame, got.Action)
	assert.Equal(t, "c1", got.ConnID)
	assert.Same(t, tr, got.Transport)
	assert.JSONEq(t, `{"action":"joinGame","gameId":"g1"}`, string(got.Payload))
	assert.Nil(t, tr.last(), "successful handlers reply on their own")

	registered, ok := reg.Transport("c1")
	require.True(t, ok)
	assert.Same(t, tr, registered)
}

func TestDispatch_HandlerErrorIsReplied(t *testing.T) {
	h := okHandlers()
	h[ActionStartGame] = func(context.Context, Request) error {
		return errors.New("only the host can start the game")
	}
	h[ActionEndGame] = func(context.Context, Request) error {
		panic("nil map")
	}
	reg := newTestRegistry(t, h)
	tr := &recordingTransport{}

	reg.Dispatch(context.Background(), "c1", tr, []byte(`{"action":"startGame"}`))
	assert.Equal(t, "only the host can start the game", tr.last()["message"])

	reg.Dispatch(context.Background(), "c1", tr, []byte(`{"action":"endGame"}`))
	assert.Equal(t, "internal error", tr.last()["message"])
}

func TestDispatch_Ping(t *testing.T) {
	reg := newTestRegistry(t, okHandlers())
	tr := &recordingTransport{}

	reg.Dispatch(context.Background(), "c1", tr, []byte(`{"action":"ping"}`))

	require.NotNil(t, tr.last())
	assert.Equal(t, "pong", tr.last()["action"])
}

func TestRemove_PropagatesToDetachers(t *testing.T) {
	router, director := &countingDetacher{}, &countingDetacher{}
	reg := newTestRegistry(t, okHandlers(), router, director)
	tr := &recordingTransport{}
	reg.Register("c1", tr)
	require.Equal(t, 1, reg.Count())

	reg.Remove("c1", tr)

	assert.Equal(t, 0, reg.Count())
	assert.Equal(t, []string{"c1"}, router.ids)
	assert.Equal(t, []string{"c1"}, director.ids)
	_, ok := reg.Transport("c1")
	assert.False(t, ok)
}

func TestRemove_StaleTransportKeepsReplacement(t *testing.T) {
	router, director := &countingDetacher{}, &countingDetacher{}
	reg := newTestRegistry(t, okHandlers(), router, director)

	old := &recordingTransport{}
	_, ok := reg.RegisterIfAbsent("host", old)
	require.True(t, ok)
	old.mu.Lock()
	old.closed = true
	old.mu.Unlock()

	fresh := &recordingTransport{}
	_, ok = reg.RegisterIfAbsent("host", fresh)
	require.True(t, ok, "a closed holder is replaced")

	// The old socket's handler exits after the reconnect.
	reg.Remove("host", old)

	got, ok := reg.Transport("host")
	require.True(t, ok)
	assert.Same(t, fresh, got)
	assert.Empty(t, router.ids)
	assert.Empty(t, director.ids)

	reg.Remove("host", fresh)
	assert.Equal(t, 0, reg.Count())
	assert.Equal(t, []string{"host"}, router.ids)
}

func TestRegisterIfAbsent_RejectsLiveHolder(t *testing.T) {
	reg := newTestRegistry(t, okHandlers())
	first := &recordingTransport{}
	_, ok := reg.RegisterIfAbsent("c1", first)
	require.True(t, ok)

	_, ok = reg.RegisterIfAbsent("c1", &recordingTransport{})
	assert.False(t, ok)
	got, _ := reg.Transport("c1")
	assert.Same(t, first, got)
}

func TestDispatch_DoesNotStealRegisteredID(t *testing.T) {
	reg := newTestRegistry(t, okHandlers())
	owner := &recordingTransport{}
	reg.Register("c1", owner)

	reg.Dispatch(context.Background(), "c1", &recordingTransport{}, []byte(`{"action":"ping"}`))

	got, _ := reg.Transport("c1")
	assert.Same(t, owner, got)
}

func TestRegister_GeneratesID(t *testing.T) {
	reg := newTestRegistry(t, okHandlers())
	id := reg.Register("", &recordingTransport{})
	assert.NotEmpty(t, id)
	_, ok := reg.Transport(id)
	assert.True(t, ok)
}

func TestProperty_UnknownActionsAlwaysRejected(t *testing.T) {
	reg := newTestRegistry(t, okHandlers())
	rapid.Check(t, func(rt *rapid.T) {
		name := rapid.StringMatching(`[a-zA-Z]{1,12}`).Draw(rt, "action")
		if Action(name).Valid() {
			rt.Skip("known action")
		}
		tr := &recordingTransport{}
		frame, _ := json.Marshal(map[string]string{"action": name})
		reg.Dispatch(context.Background(), "c", tr, frame)
		if got := tr.last(); got == nil || got["message"] != "Unknown action" {
			rt.Fatalf("action %q: got %v", name, got)
		}
	})
}
