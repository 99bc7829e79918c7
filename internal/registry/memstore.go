package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. All methods are safe for concurrent use;
// a single lock serializes mutations across every room.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms []*Room // creation order
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// find returns the oldest room carrying pin. Caller must hold mu.
func (s *MemoryStore) find(pin string) (*Room, int) {
	for i, r := range s.rooms {
		if r.GamePin == pin {
			return r, i
		}
	}
	return nil, -1
}

// Insert implements Store.
func (s *MemoryStore) Insert(ctx context.Context, room Room) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, fmt.Errorf("inserting room: %w", err)
	}
	r := room.Clone()
	r.ID = uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = append(s.rooms, &r)
	return r.Clone(), nil
}

// FindByPin implements Store.
func (s *MemoryStore) FindByPin(ctx context.Context, pin string) (Room, bool, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, false, fmt.Errorf("finding room: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, _ := s.find(pin)
	if r == nil {
		return Room{}, false, nil
	}
	return r.Clone(), true, nil
}

// DeleteByPin implements Store.
func (s *MemoryStore) DeleteByPin(ctx context.Context, pin string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("deleting room: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, i := s.find(pin); i >= 0 {
		s.rooms = append(s.rooms[:i], s.rooms[i+1:]...)
	}
	return nil
}

// mutate runs fn on the oldest room carrying pin under the write lock.
func (s *MemoryStore) mutate(ctx context.Context, pin string, fn func(r *Room)) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, _ := s.find(pin)
	if r == nil {
		return false, nil
	}
	fn(r)
	return true, nil
}

func playerIndex(r *Room, connID string) int {
	for i, p := range r.Players {
		if p.ConnID == connID {
			return i
		}
	}
	return -1
}

// UpsertPlayer implements Store.
func (s *MemoryStore) UpsertPlayer(ctx context.Context, pin string, p Player) (bool, error) {
	return s.mutate(ctx, pin, func(r *Room) {
		if i := playerIndex(r, p.ConnID); i >= 0 {
			r.Players[i].Name = p.Name
			return
		}
		r.Players = append(r.Players, Player{ConnID: p.ConnID, Name: p.Name, JoinedAt: p.JoinedAt})
	})
}

// RemovePlayer implements Store.
func (s *MemoryStore) RemovePlayer(ctx context.Context, pin, connID string) (bool, bool, error) {
	removed := false
	found, err := s.mutate(ctx, pin, func(r *Room) {
		if i := playerIndex(r, connID); i >= 0 {
			r.Players = append(r.Players[:i], r.Players[i+1:]...)
			removed = true
		}
	})
	return found, removed, err
}

// RemovePlayerByName implements Store.
func (s *MemoryStore) RemovePlayerByName(ctx context.Context, pin, name string) (bool, bool, error) {
	removed := false
	found, err := s.mutate(ctx, pin, func(r *Room) {
		for i, p := range r.Players {
			if p.Name == name {
				r.Players = append(r.Players[:i], r.Players[i+1:]...)
				removed = true
				return
			}
		}
	})
	return found, removed, err
}

// RenamePlayer implements Store.
func (s *MemoryStore) RenamePlayer(ctx context.Context, pin, connID, name string) (bool, error) {
	applied := false
	_, err := s.mutate(ctx, pin, func(r *Room) {
		if i := playerIndex(r, connID); i >= 0 {
			r.Players[i].Name = name
			applied = true
		}
	})
	return applied, err
}

// RaiseScore implements Store.
func (s *MemoryStore) RaiseScore(ctx context.Context, pin, connID string, score int) (bool, error) {
	applied := false
	_, err := s.mutate(ctx, pin, func(r *Room) {
		i := playerIndex(r, connID)
		if i < 0 {
			return
		}
		p := &r.Players[i]
		if !p.HasScore || score > p.Score {
			p.Score = score
		}
		p.HasScore = true
		applied = true
	})
	return applied, err
}

// SetQuestion implements Store.
func (s *MemoryStore) SetQuestion(ctx context.Context, pin string, index, timeLeft int, at time.Time) (bool, error) {
	return s.mutate(ctx, pin, func(r *Room) {
		r.CurrentQuestionIndex = index
		r.TimeLeft = timeLeft
		r.LastUpdateTime = at
	})
}

// SetTimer implements Store.
func (s *MemoryStore) SetTimer(ctx context.Context, pin string, timeLeft int, at time.Time) (bool, error) {
	return s.mutate(ctx, pin, func(r *Room) {
		r.TimeLeft = timeLeft
		r.LastUpdateTime = at
	})
}

// ResetScores implements Store.
func (s *MemoryStore) ResetScores(ctx context.Context, pin string, at time.Time) (bool, error) {
	return s.mutate(ctx, pin, func(r *Room) {
		for i := range r.Players {
			r.Players[i].Score = 0
			r.Players[i].HasScore = false
		}
		r.CurrentQuestionIndex = 0
		r.Winner = ""
		r.LastUpdateTime = at
	})
}

// GetOrSetStartTime implements Store.
func (s *MemoryStore) GetOrSetStartTime(ctx context.Context, pin string, now time.Time) (time.Time, bool, error) {
	var start time.Time
	found, err := s.mutate(ctx, pin, func(r *Room) {
		if r.GameStartTime.IsZero() {
			r.GameStartTime = now
		}
		start = r.GameStartTime
	})
	return start, found, err
}

// CompareAndSetPhase implements Store.
func (s *MemoryStore) CompareAndSetPhase(ctx context.Context, pin string, from []Phase, to Phase, at time.Time) (Phase, error) {
	var (
		current Phase
		ok      bool
	)
	found, err := s.mutate(ctx, pin, func(r *Room) {
		current = r.Phase
		for _, p := range from {
			if p == r.Phase {
				r.Phase = to
				r.LastUpdateTime = at
				current, ok = to, true
				return
			}
		}
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrRoomNotFound
	}
	if !ok {
		return current, ErrInvalidTransition
	}
	return current, nil
}

// SetWinner implements Store.
func (s *MemoryStore) SetWinner(ctx context.Context, pin, name string) (bool, error) {
	return s.mutate(ctx, pin, func(r *Room) {
		r.Winner = name
	})
}
