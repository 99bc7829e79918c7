// Package registrytest provides a behavioural test suite that every
// registry.Store implementation must pass.
package registrytest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/quizhub/internal/registry"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) registry.Store

var pinSeq struct {
	sync.Mutex
	n int
}

// uniquePin returns a pin no other subtest uses, so stores may be shared.
func uniquePin() string {
	pinSeq.Lock()
	defer pinSeq.Unlock()
	pinSeq.n++
	return fmt.Sprintf("T%05d", pinSeq.n)
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func seedRoom(t *testing.T, s registry.Store, pin, creator string) registry.Room {
	t.Helper()
	ts := now()
	room, err := s.Insert(context.Background(), registry.Room{
		GamePin:       pin,
		CreatorConnID: creator,
		Players:       []registry.Player{{ConnID: creator, Name: "Host", JoinedAt: ts}},
		Phase:         registry.PhaseLobby,
		TimeLeft:      30,
		GameStartTime: ts,
		GameEndTime:   ts.Add(15 * time.Minute),
	})
	require.NoError(t, err)
	return room
}

func mustFind(t *testing.T, s registry.Store, pin string) registry.Room {
	t.Helper()
	room, found, err := s.FindByPin(context.Background(), pin)
	require.NoError(t, err)
	require.True(t, found, "room %s should exist", pin)
	return room
}

// RunStoreContract runs the contract suite against stores built by newStore.
func RunStoreContract(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("InsertAndFind", func(t *testing.T) {
		s := newStore(t)
		pin := uniquePin()
		created := seedRoom(t, s, pin, "c1")
		assert.NotEmpty(t, created.ID)

		got := mustFind(t, s, pin)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, "c1", got.CreatorConnID)
		assert.Equal(t, registry.PhaseLobby, got.Phase)
		assert.Equal(t, 30, got.TimeLeft)
		require.Len(t, got.Players, 1)
		assert.Equal(t, "Host", got.Players[0].Name)
		assert.False(t, got.Players[0].HasScore)
		assert.WithinDuration(t, created.GameEndTime, got.GameEndTime, time.Millisecond)
	})

	t.Run("FindMissing", func(t *testing.T) {
		s := newStore(t)
		_, found, err := s.FindByPin(ctx, uniquePin())
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("DuplicatePinResolvesToOldest", func(t *testing.T) {
		s := newStore(t)
		pin := uniquePin()
		first := seedRoom(t, s, pin, "first")
		seedRoom(t, s, pin, "second")

		assert.Equal(t, first.ID, mustFind(t, s, pin).ID)

		require.NoError(t, s.DeleteByPin(ctx, pin))
		assert.Equal(t, "second", mustFind(t, s, pin).CreatorConnID)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		pin := uniquePin()
		seedRoom(t, s, pin, "c1")
		require.NoError(t, s.DeleteByPin(ctx, pin))
		require.NoError(t, s.DeleteByPin(ctx, pin))
		_, found, err := s.FindByPin(ctx, pin)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("MutationsAfterDeleteAreNotFound", func(t *testing.T) {
		s := newStore(t)
		pin := uniquePin()
		seedRoom(t, s, pin, "c1")
		require.NoError(t, s.DeleteByPin(ctx, pin))

		found, err := s.UpsertPlayer(ctx, pin, registry.Player{ConnID: "p", Name: "P", JoinedAt: now()})
		require.NoError(t, err)
		assert.False(t, found)

		found, err = s.SetTimer(ctx, pin, 10, now())
		require.NoError(t, err)
		assert.False(t, found)

		found, err = s.SetQuestion(ctx, pin, 1, 30, now())
		require.NoError(t, err)
		assert.False(t, found)

		found, err = s.ResetScores(ctx, pin, now())
		require.NoError(t, err)
		assert.False(t, found)

		_, found, err = s.GetOrSetStartTime(ctx, pin, now())
		require.NoError(t, err)
		assert.False(t, found)

		_, err = s.CompareAndSetPhase(ctx, pin, []registry.Phase{registry.PhaseLobby}, registry.PhaseInProgress, now())
		assert.ErrorIs(t, err, registry.ErrRoomNotFound)
	})

	t.Run("UpsertPlayerAddsThenRenames", func(t *testing.T) {
		s := newStore(t)
		pin := uniquePin()
		seedRoom(t, s, pin, "c1")

		found, err := s.UpsertPlayer(ctx, pin, registry.Player{ConnID: "p1", Name: "Alice", JoinedAt: now()})
		require.NoError(t, err)
		require.True(t, found)
		_, err = s.RaiseScore(ctx, pin, "p1", 40)
		require.NoError(t, err)

		found, err = s.UpsertPlayer(ctx, pin, registry.Player{ConnID: "p1", Name: "Alicia", JoinedAt: now()})
		require.NoError(t, err)
		require.True(t, found)

		room := mustFind(t, s, pin)
		require.Len(t, room.Players, 2)
		assert.Equal(t, "Alicia", room.Players[1].Name)
		assert.Equal(t, 40, room.Players[1].Score, "upsert keeps the recorded score")
	})

	t.Run("RemovePlayer", func(t *testing.T) {
		s := newStore(t)
		pin := uniquePin()
		seedRoom(t, s, pin, "c1")
		_, err := s.UpsertPlayer(ctx, pin, registry.Player{ConnID: "p1", Name: "Alice", JoinedAt: now()})
		require.NoError(t, err)

		found, removed, err := s.RemovePlayer(ctx, pin, "p1")
		require.NoError(t, err)
		assert.True(t, found)
		assert.True(t, removed)

		found, removed, err = s.RemovePlayer(ctx, pin, "p1")
		require.NoError(t, err)
		assert.True(t, found)
		assert.False(t, removed)

		_, ok := mustFind(t, s, pin).Player("p1")
		assert.False(t, ok)
	})

	t.Run("RemovePlayerByNameTakesFirstInJoinOrder", func(t *testing.T) {
		s := newStore(t)
		pin := uniquePin()
		seedRoom(t, s, pin, "c1")
		for _, id := range []string{"p1", "p2"} {
			_, err := s.UpsertPlayer(ctx, pin, registry.Player{ConnID: id, Name: "Sam", JoinedAt: now()})
			require.NoError(t, err)
		}

		_, removed, err := s.RemovePlayerByName(ctx, pin, "Sam")
		require.NoError(t, err)
		assert.True(t, removed)

		room := mustFind(t, s, pin)
		_, ok := room.Player("p1")
		assert.False(t, ok)
		_, ok = room.Player("p2")
		assert.True(t, ok)

		_, removed, err = s.RemovePlayerByName(ctx, pin, "Nobody")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("RenamePlayer", func(t *testing.T) {
		s := newStore(t)
		pin := uniquePin()
		seedRoom(t, s, pin, "c1")

		ok, err := s.RenamePlayer(ctx, pin, "c1", "Quizmaster")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "Quizmaster", mustFind(t, s, pin).Members()["c1"])

		ok, err = s.RenamePlayer(ctx, pin, "ghost", "Boo")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("RaiseScoreIsMonotonic", func(t *testing.T) {
		s := newStore(t)
		pin := uniquePin()
		seedRoom(t, s, pin, "c1")

		for _, score := range []int{50, 20, 80} {
			ok, err := s.RaiseScore(ctx, pin, "c1", score)
			require.NoError(t, err)
			assert.True(t, ok)
		}
		assert.Equal(t, map[string]int{"c1": 80}, mustFind(t, s, pin).PlayerScores())

		ok, err := s.RaiseScore(ctx, pin, "ghost", 10)
		require.NoError(t, err)
		assert.False(t, ok, "score for a non-member is not applied")
	})

	t.Run("SetQuestionPairsTimer", func(t *testing.T) {
		s := newStore(t)
		pin := uniquePin()
		seedRoom(t, s, pin, "c1")
		_, err := s.SetTimer(ctx, pin, 3, now())
		require.NoError(t, err)

		at := now()
		ok, err := s.SetQuestion(ctx, pin, 4, 30, at)
		require.NoError(t, err)
		assert.True(t, ok)

		room := mustFind(t, s, pin)
		assert.Equal(t, 4, room.CurrentQuestionIndex)
		assert.Equal(t, 30, room.TimeLeft)
		assert.WithinDuration(t, at, room.LastUpdateTime, time.Millisecond)
	})

	t.Run("ResetScoresKeepsMembership", func(t *testing.T) {
		s := newStore(t)
		pin := uniquePin()
		seedRoom(t, s, pin, "c1")
		_, err := s.UpsertPlayer(ctx, pin, registry.Player{ConnID: "p1", Name: "Alice", JoinedAt: now()})
		require.NoError(t, err)
		_, err = s.RaiseScore(ctx, pin, "p1", 70)
		require.NoError(t, err)
		_, err = s.SetQuestion(ctx, pin, 5, 30, now())
		require.NoError(t, err)
		_, err = s.SetWinner(ctx, pin, "Alice")
		require.NoError(t, err)

		ok, err := s.ResetScores(ctx, pin, now())
		require.NoError(t, err)
		assert.True(t, ok)

		room := mustFind(t, s, pin)
		assert.Empty(t, room.PlayerScores())
		assert.Equal(t, 0, room.CurrentQuestionIndex)
		assert.Empty(t, room.Winner)
		assert.Equal(t, map[string]string{"c1": "Host", "p1": "Alice"}, room.Members())
	})

	t.Run("GetOrSetStartTimeKeepsExisting", func(t *testing.T) {
		s := newStore(t)
		pin := uniquePin()
		created := seedRoom(t, s, pin, "c1")

		got, found, err := s.GetOrSetStartTime(ctx, pin, now().Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, found)
		assert.WithinDuration(t, created.GameStartTime, got, time.Millisecond)
	})

	t.Run("GetOrSetStartTimeSetsWhenUnset", func(t *testing.T) {
		s := newStore(t)
		pin := uniquePin()
		_, err := s.Insert(ctx, registry.Room{GamePin: pin, CreatorConnID: "c1", Phase: registry.PhaseLobby})
		require.NoError(t, err)

		at := now()
		got, found, err := s.GetOrSetStartTime(ctx, pin, at)
		require.NoError(t, err)
		assert.True(t, found)
		assert.WithinDuration(t, at, got, time.Millisecond)

		again, _, err := s.GetOrSetStartTime(ctx, pin, at.Add(time.Minute))
		require.NoError(t, err)
		assert.WithinDuration(t, at, again, time.Millisecond)
	})

	t.Run("CompareAndSetPhase", func(t *testing.T) {
		s := newStore(t)
		pin := uniquePin()
		seedRoom(t, s, pin, "c1")

		phase, err := s.CompareAndSetPhase(ctx, pin, []registry.Phase{registry.PhaseInProgress}, registry.PhaseEnded, now())
		assert.ErrorIs(t, err, registry.ErrInvalidTransition)
		assert.Equal(t, registry.PhaseLobby, phase)

		phase, err = s.CompareAndSetPhase(ctx, pin, []registry.Phase{registry.PhaseLobby, registry.PhaseEnded}, registry.PhaseInProgress, now())
		require.NoError(t, err)
		assert.Equal(t, registry.PhaseInProgress, phase)
		assert.Equal(t, registry.PhaseInProgress, mustFind(t, s, pin).Phase)
	})

	t.Run("SetWinner", func(t *testing.T) {
		s := newStore(t)
		pin := uniquePin()
		seedRoom(t, s, pin, "c1")
		ok, err := s.SetWinner(ctx, pin, "Host")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "Host", mustFind(t, s, pin).Winner)
	})

	t.Run("ConcurrentJoinsKeepEveryMember", func(t *testing.T) {
		s := newStore(t)
		pin := uniquePin()
		seedRoom(t, s, pin, "c1")

		const joiners = 20
		var wg sync.WaitGroup
		errs := make(chan error, joiners)
		for i := 0; i < joiners; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.UpsertPlayer(ctx, pin, registry.Player{
					ConnID:   fmt.Sprintf("p%d", i),
					Name:     fmt.Sprintf("Player%d", i),
					JoinedAt: now(),
				})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		members := mustFind(t, s, pin).Members()
		assert.Len(t, members, joiners+1)
		for i := 0; i < joiners; i++ {
			assert.Equal(t, fmt.Sprintf("Player%d", i), members[fmt.Sprintf("p%d", i)])
		}
	})

	t.Run("ConcurrentScoresKeepEveryPlayer", func(t *testing.T) {
		s := newStore(t)
		pin := uniquePin()
		seedRoom(t, s, pin, "c1")
		const players = 10
		for i := 0; i < players; i++ {
			_, err := s.UpsertPlayer(ctx, pin, registry.Player{ConnID: fmt.Sprintf("p%d", i), Name: "x", JoinedAt: now()})
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		for i := 0; i < players; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _ = s.RaiseScore(ctx, pin, fmt.Sprintf("p%d", i), (i+1)*10)
			}(i)
		}
		wg.Wait()

		scores := mustFind(t, s, pin).PlayerScores()
		assert.Len(t, scores, players)
		for i := 0; i < players; i++ {
			assert.Equal(t, (i+1)*10, scores[fmt.Sprintf("p%d", i)])
		}
	})
}
