package registry_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/quizhub/internal/registry"
)

type seqSource struct{ n int }

func (s *seqSource) Intn(n int) int {
	s.n++
	return s.n % n
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(registry.NewMemoryStore(), zaptest.NewLogger(t), registry.Settings{
		Pins:  registry.NewPinGenerator(&seqSource{}),
		Clock: func() time.Time { return epoch },
	})
}

func TestCreateRoom(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	room, err := reg.CreateRoom(ctx, "conn-1", "Alice")
	require.NoError(t, err)

	assert.NotEmpty(t, room.ID)
	assert.Len(t, room.GamePin, registry.PinLength)
	assert.Equal(t, "conn-1", room.CreatorConnID)
	assert.Equal(t, map[string]string{"conn-1": "Alice"}, room.Members())
	assert.Equal(t, registry.PhaseLobby, room.Phase)
	assert.Equal(t, registry.DefaultQuestionSeconds, room.TimeLeft)
	assert.Equal(t, epoch, room.GameStartTime)
	assert.Equal(t, epoch.Add(15*time.Minute), room.GameEndTime)

	end, found, err := reg.GetGameEndTime(ctx, room.GamePin)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, room.GameEndTime, end)
}

// Property: a created room always has the creator as its sole member.
func TestPropertyCreateRoomSoleMember(t *testing.T) {
	reg := registry.New(registry.NewMemoryStore(), zaptest.NewLogger(t), registry.Settings{})
	rapid.Check(t, func(t *rapid.T) {
		id := rapid.StringMatching(`[a-f0-9]{8}`).Draw(t, "id")
		name := rapid.StringMatching(`[A-Za-z ]{0,16}`).Draw(t, "name")
		room, err := reg.CreateRoom(context.Background(), id, name)
		if err != nil {
			t.Fatalf("CreateRoom: %v", err)
		}
		if room.CreatorConnID != id {
			t.Fatalf("creator %q, want %q", room.CreatorConnID, id)
		}
		members := room.Members()
		if len(members) != 1 || members[id] != name {
			t.Fatalf("members %v, want only %s:%s", members, id, name)
		}
	})
}

func TestJoinRoom(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	room, err := reg.CreateRoom(ctx, "c", "Host")
	require.NoError(t, err)

	found, name, err := reg.JoinRoom(ctx, room.GamePin, "p1", "Bob")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Bob", name)

	found, name, err = reg.JoinRoom(ctx, "ZZZZZZ", "p2", "Eve")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, name)
}

func TestGetRoomMissingIsNotAnError(t *testing.T) {
	reg := newRegistry(t)
	_, found, err := reg.GetRoom(context.Background(), "NOPE00")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemoveMemberKeepsRoom(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	room, err := reg.CreateRoom(ctx, "c", "Host")
	require.NoError(t, err)
	_, _, err = reg.JoinRoom(ctx, room.GamePin, "p1", "Bob")
	require.NoError(t, err)

	removed, err := reg.RemoveMember(ctx, room.GamePin, "Bob")
	require.NoError(t, err)
	assert.True(t, removed)

	got, found, err := reg.GetRoom(ctx, room.GamePin)
	require.NoError(t, err)
	require.True(t, found)
	assert.NotContains(t, got.Members(), "p1")

	removed, err = reg.RemoveMember(ctx, room.GamePin, "Bob")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRemoveMemberByIDAndRename(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	room, err := reg.CreateRoom(ctx, "c", "Host")
	require.NoError(t, err)
	_, _, err = reg.JoinRoom(ctx, room.GamePin, "p1", "Bob")
	require.NoError(t, err)

	ok, err := reg.RenameMember(ctx, room.GamePin, "p1", "Robert")
	require.NoError(t, err)
	assert.True(t, ok)

	got, _, err := reg.GetRoom(ctx, room.GamePin)
	require.NoError(t, err)
	assert.Equal(t, "Robert", got.Members()["p1"])

	removed, err := reg.RemoveMemberByID(ctx, room.GamePin, "p1")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestDeleteRoomIsIdempotent(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	room, err := reg.CreateRoom(ctx, "c", "Host")
	require.NoError(t, err)

	require.NoError(t, reg.DeleteRoom(ctx, room.GamePin))
	require.NoError(t, reg.DeleteRoom(ctx, room.GamePin))

	_, found, err := reg.GetRoom(ctx, room.GamePin)
	require.NoError(t, err)
	assert.False(t, found)

	ok, err := reg.UpdateTimerState(ctx, room.GamePin, 5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdatePlayerScore(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	room, err := reg.CreateRoom(ctx, "c", "Host")
	require.NoError(t, err)

	ok, err := reg.UpdatePlayerScore(ctx, room.GamePin, "c", 60)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = reg.UpdatePlayerScore(ctx, room.GamePin, "c", 10)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _, err := reg.GetRoom(ctx, room.GamePin)
	require.NoError(t, err)
	assert.Equal(t, 60, got.PlayerScores()["c"])

	_, err = reg.UpdatePlayerScore(ctx, room.GamePin, "c", -1)
	assert.ErrorIs(t, err, registry.ErrInvalidScore)
}

func TestUpdateCurrentQuestionIndexResetsTimer(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	room, err := reg.CreateRoom(ctx, "c", "Host")
	require.NoError(t, err)

	_, err = reg.UpdateTimerState(ctx, room.GamePin, 4)
	require.NoError(t, err)
	ok, err := reg.UpdateCurrentQuestionIndex(ctx, room.GamePin, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _, err := reg.GetRoom(ctx, room.GamePin)
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentQuestionIndex)
	assert.Equal(t, 30, got.TimeLeft)
}

// Concurrent question advances always leave the timer at its reset value.
func TestQuestionAdvanceNeverDecoupledUnderConcurrency(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	room, err := reg.CreateRoom(ctx, "c", "Host")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = reg.UpdateCurrentQuestionIndex(ctx, room.GamePin, i)
		}(i)
	}
	wg.Wait()

	got, _, err := reg.GetRoom(ctx, room.GamePin)
	require.NoError(t, err)
	assert.Equal(t, 30, got.TimeLeft)
	assert.GreaterOrEqual(t, got.CurrentQuestionIndex, 1)
}

func TestUpdateTimerStateClampsNegative(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	room, err := reg.CreateRoom(ctx, "c", "Host")
	require.NoError(t, err)

	_, err = reg.UpdateTimerState(ctx, room.GamePin, -7)
	require.NoError(t, err)
	got, _, err := reg.GetRoom(ctx, room.GamePin)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TimeLeft)
}

func TestResetGame(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	room, err := reg.CreateRoom(ctx, "c", "Host")
	require.NoError(t, err)
	_, _, err = reg.JoinRoom(ctx, room.GamePin, "p1", "Bob")
	require.NoError(t, err)
	_, err = reg.UpdatePlayerScore(ctx, room.GamePin, "p1", 90)
	require.NoError(t, err)
	_, err = reg.UpdateCurrentQuestionIndex(ctx, room.GamePin, 6)
	require.NoError(t, err)

	ok, err := reg.ResetGame(ctx, room.GamePin)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _, err := reg.GetRoom(ctx, room.GamePin)
	require.NoError(t, err)
	assert.Empty(t, got.PlayerScores())
	assert.Equal(t, 0, got.CurrentQuestionIndex)
	assert.Equal(t, map[string]string{"c": "Host", "p1": "Bob"}, got.Members())
	for _, p := range got.TopPlayers(10) {
		assert.Zero(t, p.Score)
	}
}

func TestGetOrSetGameStartTime(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	room, err := reg.CreateRoom(ctx, "c", "Host")
	require.NoError(t, err)

	start, found, err := reg.GetOrSetGameStartTime(ctx, room.GamePin)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, epoch, start)

	_, found, err = reg.GetOrSetGameStartTime(ctx, "NOPE00")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetFinalLeaderboard(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	room, err := reg.CreateRoom(ctx, "A", "Alice")
	require.NoError(t, err)
	_, _, err = reg.JoinRoom(ctx, room.GamePin, "B", "Bob")
	require.NoError(t, err)
	_, err = reg.UpdatePlayerScore(ctx, room.GamePin, "A", 50)
	require.NoError(t, err)

	board, err := reg.GetFinalLeaderboard(ctx, room.GamePin)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Alice": 50, "Bob": 0}, board)

	board, err = reg.GetFinalLeaderboard(ctx, "NOPE00")
	require.NoError(t, err)
	assert.NotNil(t, board)
	assert.Empty(t, board)
}

func TestGetTopPlayers(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	room, err := reg.CreateRoom(ctx, "A", "Alice")
	require.NoError(t, err)
	for i, name := range []string{"Bob", "Cara", "Dan"} {
		id := fmt.Sprintf("p%d", i)
		_, _, err = reg.JoinRoom(ctx, room.GamePin, id, name)
		require.NoError(t, err)
		_, err = reg.UpdatePlayerScore(ctx, room.GamePin, id, (i+1)*100)
		require.NoError(t, err)
	}

	top, err := reg.GetTopPlayers(ctx, room.GamePin, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "Dan", top[0].Name)
	assert.Equal(t, "Cara", top[1].Name)

	top, err = reg.GetTopPlayers(ctx, "NOPE00", 2)
	require.NoError(t, err)
	assert.Empty(t, top)
}

func TestTransitionPhase(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	room, err := reg.CreateRoom(ctx, "c", "Host")
	require.NoError(t, err)

	_, err = reg.TransitionPhase(ctx, room.GamePin, registry.PhaseEnded)
	assert.ErrorIs(t, err, registry.ErrInvalidTransition)

	phase, err := reg.TransitionPhase(ctx, room.GamePin, registry.PhaseInProgress)
	require.NoError(t, err)
	assert.Equal(t, registry.PhaseInProgress, phase)

	phase, err = reg.TransitionPhase(ctx, room.GamePin, registry.PhaseInProgress)
	assert.ErrorIs(t, err, registry.ErrInvalidTransition)
	assert.Equal(t, registry.PhaseInProgress, phase)

	_, err = reg.TransitionPhase(ctx, room.GamePin, registry.PhaseLobby)
	assert.ErrorIs(t, err, registry.ErrInvalidTransition)

	_, err = reg.TransitionPhase(ctx, "NOPE00", registry.PhaseInProgress)
	assert.ErrorIs(t, err, registry.ErrRoomNotFound)
}

func TestTransitionPhaseFrom(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	room, err := reg.CreateRoom(ctx, "c", "Host")
	require.NoError(t, err)
	_, err = reg.TransitionPhase(ctx, room.GamePin, registry.PhaseInProgress)
	require.NoError(t, err)

	onlyLive := []registry.Phase{registry.PhaseInProgress}
	phase, err := reg.TransitionPhaseFrom(ctx, room.GamePin, onlyLive, registry.PhaseEnded)
	require.NoError(t, err)
	assert.Equal(t, registry.PhaseEnded, phase)

	_, err = reg.TransitionPhaseFrom(ctx, room.GamePin, onlyLive, registry.PhaseEnded)
	assert.ErrorIs(t, err, registry.ErrInvalidTransition, "a second announcement is rejected")

	_, err = reg.TransitionPhaseFrom(ctx, room.GamePin, []registry.Phase{registry.PhaseLobby}, registry.PhaseEnded)
	assert.ErrorIs(t, err, registry.ErrInvalidTransition, "lobby to ended is never allowed")
}

func TestSetWinner(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	room, err := reg.CreateRoom(ctx, "c", "Host")
	require.NoError(t, err)

	ok, err := reg.SetWinner(ctx, room.GamePin, "Host")
	require.NoError(t, err)
	assert.True(t, ok)
	got, _, err := reg.GetRoom(ctx, room.GamePin)
	require.NoError(t, err)
	assert.Equal(t, "Host", got.Winner)
}

func TestConcurrentJoinsKeepBothMembers(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	room, err := reg.CreateRoom(ctx, "c", "Host")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, p := range []struct{ id, name string }{{"A", "Alice"}, {"B", "Bob"}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := reg.JoinRoom(ctx, room.GamePin, p.id, p.name)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, _, err := reg.GetRoom(ctx, room.GamePin)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Members()["A"])
	assert.Equal(t, "Bob", got.Members()["B"])
}

// failingStore fails every call; only the methods the tests reach are mocked.
type failingStore struct {
	mock.Mock
	registry.Store
}

func (f *failingStore) Insert(ctx context.Context, room registry.Room) (registry.Room, error) {
	args := f.Called(ctx, room)
	return args.Get(0).(registry.Room), args.Error(1)
}

func (f *failingStore) FindByPin(ctx context.Context, pin string) (registry.Room, bool, error) {
	args := f.Called(ctx, pin)
	return args.Get(0).(registry.Room), args.Bool(1), args.Error(2)
}

func (f *failingStore) UpsertPlayer(ctx context.Context, pin string, p registry.Player) (bool, error) {
	args := f.Called(ctx, pin, p)
	return args.Bool(0), args.Error(1)
}

func TestStoreFailuresAreWrapped(t *testing.T) {
	boom := errors.New("connection refused")
	store := &failingStore{}
	store.On("Insert", mock.Anything, mock.Anything).Return(registry.Room{}, boom)
	store.On("FindByPin", mock.Anything, "PIN001").Return(registry.Room{}, false, boom)
	store.On("UpsertPlayer", mock.Anything, "PIN001", mock.Anything).Return(false, boom)

	reg := registry.New(store, zaptest.NewLogger(t), registry.Settings{})
	ctx := context.Background()

	_, err := reg.CreateRoom(ctx, "c", "Host")
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "creating room")

	_, _, err = reg.GetRoom(ctx, "PIN001")
	assert.ErrorIs(t, err, boom)

	_, err = reg.GetFinalLeaderboard(ctx, "PIN001")
	assert.ErrorIs(t, err, boom)

	_, _, err = reg.JoinRoom(ctx, "PIN001", "p", "P")
	assert.ErrorIs(t, err, boom)

	store.AssertExpectations(t)
}
