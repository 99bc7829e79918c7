package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultSessionLength is the informational duration of a game session.
const DefaultSessionLength = 15 * time.Minute

// DefaultQuestionSeconds is the countdown a question starts with.
const DefaultQuestionSeconds = 30

// Settings tunes a Registry. Zero values select the defaults.
type Settings struct {
	SessionLength   time.Duration
	QuestionSeconds int
	Pins            *PinGenerator
	Clock           func() time.Time
}

// Registry is the sole owner of room state. Absence of a room is reported as
// a false or empty result; store failures are wrapped and returned unretried.
type Registry struct {
	store           Store
	logger          *zap.Logger
	pins            *PinGenerator
	sessionLength   time.Duration
	questionSeconds int
	now             func() time.Time
}

// New creates a Registry over store.
//
// Precondition: store and logger must be non-nil.
func New(store Store, logger *zap.Logger, s Settings) *Registry {
	r := &Registry{
		store:           store,
		logger:          logger,
		pins:            s.Pins,
		sessionLength:   s.SessionLength,
		questionSeconds: s.QuestionSeconds,
		now:             s.Clock,
	}
	if r.pins == nil {
		r.pins = NewPinGenerator(nil)
	}
	if r.sessionLength <= 0 {
		r.sessionLength = DefaultSessionLength
	}
	if r.questionSeconds <= 0 {
		r.questionSeconds = DefaultQuestionSeconds
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// QuestionSeconds returns the countdown each question starts with.
func (r *Registry) QuestionSeconds() int {
	return r.questionSeconds
}

// CreateRoom creates a room with the creator as its sole member.
//
// Precondition: creatorID must be non-empty.
// Postcondition: The returned room is in PhaseLobby, has a fresh pin, and its
// end time is SessionLength after its start time.
func (r *Registry) CreateRoom(ctx context.Context, creatorID, creatorName string) (Room, error) {
	now := r.now()
	room := Room{
		GamePin:       r.pins.Next(),
		CreatorConnID: creatorID,
		Players:       []Player{{ConnID: creatorID, Name: creatorName, JoinedAt: now}},
		Phase:         PhaseLobby,
		TimeLeft:      r.questionSeconds,
		GameStartTime: now,
		GameEndTime:   now.Add(r.sessionLength),
	}
	created, err := r.store.Insert(ctx, room)
	if err != nil {
		return Room{}, fmt.Errorf("creating room: %w", err)
	}
	r.logger.Info("room created",
		zap.String("pin", created.GamePin),
		zap.String("room_id", created.ID),
		zap.String("creator", creatorID),
	)
	return created, nil
}

// JoinRoom adds participantID to the room, or renames it when already present.
//
// Postcondition: Returns (false, "") when no room carries pin.
func (r *Registry) JoinRoom(ctx context.Context, pin, participantID, name string) (bool, string, error) {
	found, err := r.store.UpsertPlayer(ctx, pin, Player{ConnID: participantID, Name: name, JoinedAt: r.now()})
	if err != nil {
		return false, "", fmt.Errorf("joining room %s: %w", pin, err)
	}
	if !found {
		return false, "", nil
	}
	return true, name, nil
}

// GetRoom returns the room carrying pin.
func (r *Registry) GetRoom(ctx context.Context, pin string) (Room, bool, error) {
	room, found, err := r.store.FindByPin(ctx, pin)
	if err != nil {
		return Room{}, false, fmt.Errorf("getting room %s: %w", pin, err)
	}
	return room, found, nil
}

// GetGameEndTime returns the stored end time of the room.
func (r *Registry) GetGameEndTime(ctx context.Context, pin string) (time.Time, bool, error) {
	room, found, err := r.GetRoom(ctx, pin)
	if err != nil || !found {
		return time.Time{}, found, err
	}
	return room.GameEndTime, true, nil
}

// RemoveMember removes the first participant, in join order, named name.
//
// Postcondition: Returns true when a participant was removed.
func (r *Registry) RemoveMember(ctx context.Context, pin, name string) (bool, error) {
	_, removed, err := r.store.RemovePlayerByName(ctx, pin, name)
	if err != nil {
		return false, fmt.Errorf("removing member %q from %s: %w", name, pin, err)
	}
	return removed, nil
}

// RemoveMemberByID removes the participant with the given connection id.
//
// Postcondition: Returns true when a participant was removed.
func (r *Registry) RemoveMemberByID(ctx context.Context, pin, participantID string) (bool, error) {
	_, removed, err := r.store.RemovePlayer(ctx, pin, participantID)
	if err != nil {
		return false, fmt.Errorf("removing member %s from %s: %w", participantID, pin, err)
	}
	return removed, nil
}

// RenameMember changes a participant's display name.
func (r *Registry) RenameMember(ctx context.Context, pin, participantID, name string) (bool, error) {
	ok, err := r.store.RenamePlayer(ctx, pin, participantID, name)
	if err != nil {
		return false, fmt.Errorf("renaming member %s in %s: %w", participantID, pin, err)
	}
	return ok, nil
}

// DeleteRoom removes the room. Deleting an absent room is a no-op.
func (r *Registry) DeleteRoom(ctx context.Context, pin string) error {
	if err := r.store.DeleteByPin(ctx, pin); err != nil {
		return fmt.Errorf("deleting room %s: %w", pin, err)
	}
	r.logger.Info("room deleted", zap.String("pin", pin))
	return nil
}

// UpdatePlayerScore records score for an existing participant. Scores never
// decrease: the stored value becomes max(current, score).
//
// Precondition: score >= 0.
// Postcondition: Returns false when the room or participant does not exist.
func (r *Registry) UpdatePlayerScore(ctx context.Context, pin, participantID string, score int) (bool, error) {
	if score < 0 {
		return false, fmt.Errorf("score %d: %w", score, ErrInvalidScore)
	}
	ok, err := r.store.RaiseScore(ctx, pin, participantID, score)
	if err != nil {
		return false, fmt.Errorf("updating score in %s: %w", pin, err)
	}
	return ok, nil
}

// UpdateCurrentQuestionIndex sets the question index and resets the timer to
// QuestionSeconds in one atomic update.
func (r *Registry) UpdateCurrentQuestionIndex(ctx context.Context, pin string, index int) (bool, error) {
	if index < 0 {
		index = 0
	}
	ok, err := r.store.SetQuestion(ctx, pin, index, r.questionSeconds, r.now())
	if err != nil {
		return false, fmt.Errorf("updating question index in %s: %w", pin, err)
	}
	return ok, nil
}

// UpdateTimerState overwrites the remaining time. Negative values are stored as 0.
func (r *Registry) UpdateTimerState(ctx context.Context, pin string, timeLeft int) (bool, error) {
	if timeLeft < 0 {
		timeLeft = 0
	}
	ok, err := r.store.SetTimer(ctx, pin, timeLeft, r.now())
	if err != nil {
		return false, fmt.Errorf("updating timer in %s: %w", pin, err)
	}
	return ok, nil
}

// ResetGame clears scores, question index and winner. Membership is untouched.
func (r *Registry) ResetGame(ctx context.Context, pin string) (bool, error) {
	ok, err := r.store.ResetScores(ctx, pin, r.now())
	if err != nil {
		return false, fmt.Errorf("resetting game %s: %w", pin, err)
	}
	return ok, nil
}

// GetOrSetGameStartTime returns the start time, setting it to now when unset.
func (r *Registry) GetOrSetGameStartTime(ctx context.Context, pin string) (time.Time, bool, error) {
	start, found, err := r.store.GetOrSetStartTime(ctx, pin, r.now())
	if err != nil {
		return time.Time{}, false, fmt.Errorf("getting start time of %s: %w", pin, err)
	}
	return start, found, nil
}

// GetFinalLeaderboard returns display name → score, with missing scores as 0.
//
// Postcondition: Returns an empty, non-nil map when the room does not exist.
func (r *Registry) GetFinalLeaderboard(ctx context.Context, pin string) (map[string]int, error) {
	room, found, err := r.GetRoom(ctx, pin)
	if err != nil {
		return nil, err
	}
	if !found {
		return map[string]int{}, nil
	}
	return room.Leaderboard(), nil
}

// GetTopPlayers returns up to count players by descending score.
//
// Postcondition: Returns an empty, non-nil slice when the room does not exist.
func (r *Registry) GetTopPlayers(ctx context.Context, pin string, count int) ([]Player, error) {
	room, found, err := r.GetRoom(ctx, pin)
	if err != nil {
		return nil, err
	}
	if !found {
		return []Player{}, nil
	}
	return room.TopPlayers(count), nil
}

// TransitionPhase moves the room to phase to.
//
// Postcondition: Returns the new phase, or an error wrapping ErrRoomNotFound
// or ErrInvalidTransition. An invalid transition reports the current phase.
func (r *Registry) TransitionPhase(ctx context.Context, pin string, to Phase) (Phase, error) {
	return r.TransitionPhaseFrom(ctx, pin, AllowedFrom(to), to)
}

// TransitionPhaseFrom moves the room to phase to only when it is currently in
// one of from. Every pair in from must be an allowed transition.
//
// Postcondition: Same as TransitionPhase.
func (r *Registry) TransitionPhaseFrom(ctx context.Context, pin string, from []Phase, to Phase) (Phase, error) {
	if len(from) == 0 {
		return "", fmt.Errorf("entering %s: %w", to, ErrInvalidTransition)
	}
	for _, p := range from {
		if !CanTransition(p, to) {
			return "", fmt.Errorf("%s to %s: %w", p, to, ErrInvalidTransition)
		}
	}
	current, err := r.store.CompareAndSetPhase(ctx, pin, from, to, r.now())
	switch {
	case err == nil:
		r.logger.Debug("phase changed", zap.String("pin", pin), zap.String("phase", string(current)))
		return current, nil
	case errors.Is(err, ErrInvalidTransition):
		return current, fmt.Errorf("%s to %s: %w", current, to, ErrInvalidTransition)
	case errors.Is(err, ErrRoomNotFound):
		return "", fmt.Errorf("room %s: %w", pin, ErrRoomNotFound)
	default:
		return "", fmt.Errorf("transitioning %s to %s: %w", pin, to, err)
	}
}

// SetWinner records the winner's display name.
func (r *Registry) SetWinner(ctx context.Context, pin, name string) (bool, error) {
	ok, err := r.store.SetWinner(ctx, pin, name)
	if err != nil {
		return false, fmt.Errorf("setting winner of %s: %w", pin, err)
	}
	return ok, nil
}
