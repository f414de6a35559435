package lobby_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/trivia/internal/lobby"
	"github.com/jason-s-yu/trivia/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	eventType string
	data      any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakePublisher) PublishEvent(_ context.Context, eventType string, data any, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{eventType: eventType, data: data})
	return nil
}

func (f *fakePublisher) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.eventType
	}
	return out
}

func setup(t *testing.T) (*lobby.LobbyManager, *testutil.RedisServer, *fakePublisher) {
	t.Helper()
	srv := testutil.NewRedis(t)
	pub := &fakePublisher{}
	lm := lobby.NewLobbyManager(srv.Store, 15*time.Minute, testutil.Logger(t)).WithPublisher(pub)
	return lm, srv, pub
}

func TestCreateLobby(t *testing.T) {
	lm, srv, pub := setup(t)
	ctx := context.Background()

	created, err := lm.CreateLobby(ctx, "host1", "trivia")
	require.NoError(t, err)
	assert.NotEmpty(t, created.LobbyID)
	assert.Equal(t, "host1", created.HostID)

	players, err := lm.GetPlayers(ctx, created.LobbyID)
	require.NoError(t, err)
	assert.Equal(t, []string{"host1"}, players)

	for _, key := range []string{
		"lobby:" + created.LobbyID,
		"lobby:" + created.LobbyID + ":players",
		"conn:host1:lobby",
	} {
		assert.Equal(t, 15*time.Minute, srv.Mini.TTL(key), key)
	}

	lobbyID, found, err := lm.LobbyForPlayer(ctx, "host1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, created.LobbyID, lobbyID)
	assert.Equal(t, []string{lobby.EventLobbyCreated}, pub.types())
}

func TestCreateLobby_RejectsUnknownGameType(t *testing.T) {
	lm, srv, _ := setup(t)

	_, err := lm.CreateLobby(context.Background(), "host1", "bingo")
	assert.ErrorIs(t, err, lobby.ErrInvalidGameType)
	assert.Empty(t, srv.Mini.Keys())

	_, err = lm.CreateLobby(context.Background(), "", "trivia")
	assert.ErrorIs(t, err, lobby.ErrMissingPlayer)
}

func TestAddPlayer_Idempotent(t *testing.T) {
	lm, _, _ := setup(t)
	ctx := context.Background()
	created, err := lm.CreateLobby(ctx, "host1", "trivia")
	require.NoError(t, err)

	require.NoError(t, lm.AddPlayer(ctx, created.LobbyID, "p1", "Alice", ""))
	require.NoError(t, lm.AddPlayer(ctx, created.LobbyID, "p1", "Alice", "555-0100"))

	players, err := lm.GetPlayers(ctx, created.LobbyID)
	require.NoError(t, err)
	assert.Equal(t, []string{"host1", "p1"}, players)

	info, err := lm.GetInfo(ctx, created.LobbyID)
	require.NoError(t, err)
	assert.Equal(t, "host1", info.HostID)
	assert.Equal(t, "trivia", info.GameType)
	assert.False(t, info.CreatedAt.IsZero())
	assert.Equal(t, lobby.PlayerInfo{Name: "Alice", Phone: "555-0100"}, info.Info["p1"])
}

func TestAddPlayer_MissingLobby(t *testing.T) {
	lm, srv, _ := setup(t)

	err := lm.AddPlayer(context.Background(), "nope", "p1", "Alice", "")
	assert.ErrorIs(t, err, lobby.ErrLobbyNotFound)
	assert.Empty(t, srv.Mini.Keys())
}

func TestMutationsSlideTTL(t *testing.T) {
	lm, srv, _ := setup(t)
	ctx := context.Background()
	created, err := lm.CreateLobby(ctx, "host1", "trivia")
	require.NoError(t, err)

	srv.Mini.FastForward(10 * time.Minute)
	require.NoError(t, lm.AddPlayer(ctx, created.LobbyID, "p1", "Alice", ""))
	assert.Equal(t, 15*time.Minute, srv.Mini.TTL("lobby:"+created.LobbyID))

	srv.Mini.FastForward(10 * time.Minute)
	lobbyID, found, err := lm.LobbyForPlayer(ctx, "host1")
	require.NoError(t, err)
	assert.True(t, found, "joining a player slides the host's mapping too")
	assert.Equal(t, created.LobbyID, lobbyID)
	require.NoError(t, lm.Touch(ctx, created.LobbyID))
	ok, err := lm.Exists(ctx, created.LobbyID)
	require.NoError(t, err)
	assert.True(t, ok)

	srv.Mini.FastForward(16 * time.Minute)
	ok, err = lm.Exists(ctx, created.LobbyID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, lm.Touch(ctx, created.LobbyID), lobby.ErrLobbyNotFound)
}

func TestRemovePlayer_SlidesRemainingMembers(t *testing.T) {
	lm, srv, _ := setup(t)
	ctx := context.Background()
	created, err := lm.CreateLobby(ctx, "host1", "trivia")
	require.NoError(t, err)
	require.NoError(t, lm.AddPlayer(ctx, created.LobbyID, "p1", "Alice", ""))
	require.NoError(t, lm.AddPlayer(ctx, created.LobbyID, "p2", "Bob", ""))

	srv.Mini.FastForward(10 * time.Minute)
	require.NoError(t, lm.RemovePlayer(ctx, created.LobbyID, "p1"))
	srv.Mini.FastForward(10 * time.Minute)

	for _, id := range []string{"host1", "p2"} {
		lobbyID, found, err := lm.LobbyForPlayer(ctx, id)
		require.NoError(t, err)
		assert.True(t, found, id)
		assert.Equal(t, created.LobbyID, lobbyID)
	}
	_, found, err := lm.LobbyForPlayer(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAddPlayer_ExpiredLobbyLeavesNoOrphans(t *testing.T) {
	lm, srv, _ := setup(t)
	ctx := context.Background()
	created, err := lm.CreateLobby(ctx, "host1", "trivia")
	require.NoError(t, err)

	srv.Mini.FastForward(16 * time.Minute)
	err = lm.AddPlayer(ctx, created.LobbyID, "p1", "Alice", "")
	assert.ErrorIs(t, err, lobby.ErrLobbyNotFound)
	assert.False(t, srv.Mini.Exists("lobby:"+created.LobbyID+":players"))
	assert.False(t, srv.Mini.Exists("lobby:"+created.LobbyID+":info"))
	assert.False(t, srv.Mini.Exists("conn:p1:lobby"))
}

func TestAddPlayer_ConcurrentJoinsAllLand(t *testing.T) {
	lm, _, _ := setup(t)
	ctx := context.Background()
	created, err := lm.CreateLobby(ctx, "host1", "trivia")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			errs <- lm.AddPlayer(ctx, created.LobbyID, id, id, "")
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	players, err := lm.GetPlayers(ctx, created.LobbyID)
	require.NoError(t, err)
	assert.Equal(t, []string{"host1", "p1", "p2", "p3", "p4"}, players)
}

func TestRemovePlayer(t *testing.T) {
	lm, srv, pub := setup(t)
	ctx := context.Background()
	created, err := lm.CreateLobby(ctx, "host1", "trivia")
	require.NoError(t, err)
	require.NoError(t, lm.AddPlayer(ctx, created.LobbyID, "p1", "Alice", ""))

	require.NoError(t, lm.RemovePlayer(ctx, created.LobbyID, "p1"))
	players, err := lm.GetPlayers(ctx, created.LobbyID)
	require.NoError(t, err)
	assert.Equal(t, []string{"host1"}, players)
	assert.False(t, srv.Mini.Exists("conn:p1:lobby"))

	before := len(pub.types())
	keys := srv.Mini.Keys()
	require.NoError(t, lm.RemovePlayer(ctx, created.LobbyID, "ghost"))
	require.NoError(t, lm.RemovePlayer(ctx, "no-such-lobby", "p1"))
	assert.Equal(t, keys, srv.Mini.Keys())
	assert.Len(t, pub.types(), before, "no events for no-op removals")
}

func TestDeleteLobby(t *testing.T) {
	lm, srv, _ := setup(t)
	ctx := context.Background()
	first, err := lm.CreateLobby(ctx, "host1", "trivia")
	require.NoError(t, err)
	require.NoError(t, lm.AddPlayer(ctx, first.LobbyID, "p1", "Alice", ""))
	require.NoError(t, lm.AddPlayer(ctx, first.LobbyID, "p2", "Bob", ""))

	// p2 moves to another lobby before the first is deleted
	second, err := lm.CreateLobby(ctx, "host2", "trivia")
	require.NoError(t, err)
	require.NoError(t, lm.AddPlayer(ctx, second.LobbyID, "p2", "Bob", ""))

	require.NoError(t, lm.DeleteLobby(ctx, first.LobbyID))
	ok, err := lm.Exists(ctx, first.LobbyID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, srv.Mini.Exists("conn:host1:lobby"))
	assert.False(t, srv.Mini.Exists("conn:p1:lobby"))

	lobbyID, found, err := lm.LobbyForPlayer(ctx, "p2")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, second.LobbyID, lobbyID)

	_, err = lm.GetInfo(ctx, first.LobbyID)
	assert.ErrorIs(t, err, lobby.ErrLobbyNotFound)

	// idempotent
	require.NoError(t, lm.DeleteLobby(ctx, first.LobbyID))
	require.NoError(t, lm.DeleteLobby(ctx, "never-existed"))
}
