package registry

import (
	"context"
	"time"
)

// Store persists rooms. Every mutation is a single field-scoped operation on
// the oldest room carrying the given pin, so concurrent mutations of one room
// never overwrite each other.
//
// Mutations report found=false when no room carries the pin.
type Store interface {
	// Insert persists a new room and returns it with ID assigned.
	Insert(ctx context.Context, room Room) (Room, error)
	// FindByPin returns the oldest room carrying pin.
	FindByPin(ctx context.Context, pin string) (Room, bool, error)
	// DeleteByPin removes the oldest room carrying pin. Deleting an absent
	// room is not an error.
	DeleteByPin(ctx context.Context, pin string) error

	// UpsertPlayer adds a participant, or renames it when connID is present.
	// An existing participant keeps its score and join position.
	UpsertPlayer(ctx context.Context, pin string, p Player) (bool, error)
	// RemovePlayer removes the participant with connID. removed is false
	// when the room exists but the participant does not.
	RemovePlayer(ctx context.Context, pin, connID string) (found, removed bool, err error)
	// RemovePlayerByName removes the first participant, in join order, named name.
	RemovePlayerByName(ctx context.Context, pin, name string) (found, removed bool, err error)
	// RenamePlayer changes the display name of an existing participant.
	RenamePlayer(ctx context.Context, pin, connID, name string) (bool, error)
	// RaiseScore records max(current, score) for an existing participant.
	RaiseScore(ctx context.Context, pin, connID string, score int) (bool, error)

	// SetQuestion sets the question index and the timer together.
	SetQuestion(ctx context.Context, pin string, index, timeLeft int, at time.Time) (bool, error)
	// SetTimer overwrites the timer.
	SetTimer(ctx context.Context, pin string, timeLeft int, at time.Time) (bool, error)
	// ResetScores clears every recorded score, the question index and the winner.
	ResetScores(ctx context.Context, pin string, at time.Time) (bool, error)
	// GetOrSetStartTime returns the start time, setting it to now when unset.
	GetOrSetStartTime(ctx context.Context, pin string, now time.Time) (time.Time, bool, error)

	// CompareAndSetPhase moves the room to phase to when its current phase is
	// one of from. It returns the phase the room is in afterwards, and
	// ErrInvalidTransition or ErrRoomNotFound when nothing changed.
	CompareAndSetPhase(ctx context.Context, pin string, from []Phase, to Phase, at time.Time) (Phase, error)
	// SetWinner records the winner's display name.
	SetWinner(ctx context.Context, pin, name string) (bool, error)
}
