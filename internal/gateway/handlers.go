package gateway

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/quizhub/internal/game/session"
	"github.com/cory-johannsen/quizhub/internal/registry"
)

func (g *Gateway) handleCreateRoom(req *request) error {
	var args createRoomArgs
	if len(req.payload) > 0 {
		if err := decode(req, &args); err != nil {
			return err
		}
	}
	room, err := g.registry.CreateRoom(req.ctx, req.connID, args.Name)
	if err != nil {
		return err
	}
	if err := g.attach(req, room.GamePin); err != nil {
		return fmt.Errorf("attaching creator: %w", err)
	}
	g.reply(req.connID, req.requestID, Event{
		Type:    EvtRoomCreated,
		Pin:     room.GamePin,
		Payload: RoomCreatedPayload{Pin: room.GamePin, Room: room},
	})
	g.reply(req.connID, req.requestID, Event{Type: EvtEndTimeSync, Pin: room.GamePin, Payload: room.GameEndTime})
	return nil
}

func (g *Gateway) handleJoinRoom(req *request) error {
	var args joinRoomArgs
	if err := decode(req, &args); err != nil {
		return err
	}
	if err := requirePin(req, args.Pin); err != nil {
		return err
	}
	room, found, err := g.registry.GetRoom(req.ctx, args.Pin)
	if err != nil {
		return err
	}
	if !found {
		g.replyNotFound(req, args.Pin)
		return nil
	}
	if err := g.attach(req, args.Pin); err != nil {
		return fmt.Errorf("attaching to %s: %w", args.Pin, err)
	}
	g.reply(req.connID, req.requestID, Event{Type: EvtEndTimeSync, Pin: args.Pin, Payload: room.GameEndTime})

	if args.Name == nil {
		return nil
	}
	found, _, err = g.registry.JoinRoom(req.ctx, args.Pin, req.connID, *args.Name)
	if err != nil {
		return err
	}
	if !found {
		// deleted between lookup and join
		g.sessions.Detach(req.connID, args.Pin)
		g.replyNotFound(req, args.Pin)
		return nil
	}
	return g.refreshMembers(req, args.Pin)
}

// attach moves the caller into pin's group. Moving away from another room
// leaves that room at once: the caller's membership there is evicted, and a
// creator moving away closes it.
func (g *Gateway) attach(req *request, pin string) error {
	prev, err := g.sessions.Attach(req.connID, pin)
	if err != nil {
		return err
	}
	if prev == "" || prev == pin {
		return nil
	}
	g.logger.Info("connection moved rooms",
		zap.String("conn_id", req.connID),
		zap.String("from", prev),
		zap.String("to", pin),
	)
	d := session.Departure{ConnID: req.connID, Pin: prev, At: time.Now()}
	if err := g.Evict(req.ctx, d); err != nil {
		g.logger.Warn("leaving previous room",
			zap.String("conn_id", req.connID),
			zap.String("pin", prev),
			zap.Error(err),
		)
	}
	return nil
}

func (g *Gateway) handleLeaveRoom(req *request) error {
	var args nameArgs
	if err := decode(req, &args); err != nil {
		return err
	}
	if err := requirePin(req, args.Pin); err != nil {
		return err
	}
	g.sessions.Detach(req.connID, args.Pin)

	room, found, err := g.registry.GetRoom(req.ctx, args.Pin)
	if err != nil {
		return err
	}
	if !found {
		g.replyNotFound(req, args.Pin)
		return nil
	}
	if room.IsCreator(req.connID) {
		g.logger.Info("creator left, closing room", zap.String("pin", args.Pin))
		return g.CloseRoom(req.ctx, args.Pin)
	}

	leaver, ok := resolveLeaver(room, req.connID, args.Name)
	if !ok {
		return nil
	}
	removed, err := g.registry.RemoveMemberByID(req.ctx, args.Pin, leaver)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	return g.refreshMembers(req, args.Pin)
}

// resolveLeaver picks the participant a leave-room refers to: the caller when
// they are a member, otherwise the first non-creator with the given name.
func resolveLeaver(room registry.Room, connID, name string) (string, bool) {
	if _, ok := room.Player(connID); ok {
		return connID, true
	}
	for _, p := range room.Players {
		if p.Name == name && !room.IsCreator(p.ConnID) {
			return p.ConnID, true
		}
	}
	return "", false
}

func (g *Gateway) handleUpdateName(req *request) error {
	var args nameArgs
	if err := decode(req, &args); err != nil {
		return err
	}
	if err := requirePin(req, args.Pin); err != nil {
		return err
	}
	renamed, err := g.registry.RenameMember(req.ctx, args.Pin, req.connID, args.Name)
	if err != nil {
		return err
	}
	if !renamed {
		_, found, err := g.registry.GetRoom(req.ctx, args.Pin)
		if err != nil {
			return err
		}
		if !found {
			g.replyNotFound(req, args.Pin)
			return nil
		}
		return fmt.Errorf("%s: not a member of %s: %w", req.command, args.Pin, errBadRequest)
	}
	return g.refreshMembers(req, args.Pin)
}

func (g *Gateway) handleUpdateMembers(req *request) error {
	var args pinArgs
	if err := decode(req, &args); err != nil {
		return err
	}
	if err := requirePin(req, args.Pin); err != nil {
		return err
	}
	return g.refreshMembers(req, args.Pin)
}

// refreshMembers broadcasts the membership map, replying room-not-found to
// the caller when the room is gone.
func (g *Gateway) refreshMembers(req *request, pin string) error {
	found, err := g.broadcastMembers(req.ctx, pin)
	if err != nil {
		return err
	}
	if !found {
		g.replyNotFound(req, pin)
	}
	return nil
}

func (g *Gateway) handleAnnounceWinner(req *request) error {
	var args nameArgs
	if err := decode(req, &args); err != nil {
		return err
	}
	if err := requirePin(req, args.Pin); err != nil {
		return err
	}
	return g.announce(req, args.Pin, args.Name)
}

// announce ends a live game with the given winner.
func (g *Gateway) announce(req *request, pin, name string) error {
	live := []registry.Phase{registry.PhaseInProgress}
	phase, err := g.registry.TransitionPhaseFrom(req.ctx, pin, live, registry.PhaseEnded)
	if handled, err := g.phaseOutcome(req, pin, phase, err); handled {
		return err
	}
	if _, err := g.registry.SetWinner(req.ctx, pin, name); err != nil {
		return err
	}
	g.logger.Info("winner announced", zap.String("pin", pin), zap.String("winner", name))
	g.broadcast(pin, Event{Type: EvtWinnerAnnounced, Payload: name})
	return nil
}

// phaseOutcome turns a transition failure into the matching reply. It
// reports handled=true when the caller must stop.
func (g *Gateway) phaseOutcome(req *request, pin string, phase registry.Phase, err error) (bool, error) {
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, registry.ErrRoomNotFound):
		g.replyNotFound(req, pin)
		return true, nil
	case errors.Is(err, registry.ErrInvalidTransition):
		g.replyRejected(req, pin, phase)
		return true, nil
	default:
		return true, err
	}
}

func (g *Gateway) handleStartGame(req *request) error {
	var args pinArgs
	if err := decode(req, &args); err != nil {
		return err
	}
	if err := requirePin(req, args.Pin); err != nil {
		return err
	}
	phase, err := g.registry.TransitionPhase(req.ctx, args.Pin, registry.PhaseInProgress)
	if handled, err := g.phaseOutcome(req, args.Pin, phase, err); handled {
		return err
	}
	g.broadcast(args.Pin, Event{Type: EvtGameStarted, Payload: args.Pin})
	return nil
}

func (g *Gateway) handleEndGame(req *request) error {
	var args pinArgs
	if err := decode(req, &args); err != nil {
		return err
	}
	if err := requirePin(req, args.Pin); err != nil {
		return err
	}
	phase, err := g.registry.TransitionPhase(req.ctx, args.Pin, registry.PhaseEnded)
	if handled, err := g.phaseOutcome(req, args.Pin, phase, err); handled {
		return err
	}
	room, found, err := g.registry.GetRoom(req.ctx, args.Pin)
	if err != nil {
		return err
	}
	if !found {
		g.replyNotFound(req, args.Pin)
		return nil
	}
	winner := room.Winner
	if winner == "" {
		if name, ok := g.policy.Winner(standings(room), true); ok {
			winner = name
		}
	}
	g.broadcast(args.Pin, Event{Type: EvtGameOver, Payload: []string{winner}})
	if _, err := g.registry.ResetGame(req.ctx, args.Pin); err != nil {
		return err
	}
	return nil
}

func (g *Gateway) handleSyncEndTime(req *request) error {
	var args pinArgs
	if err := decode(req, &args); err != nil {
		return err
	}
	if err := requirePin(req, args.Pin); err != nil {
		return err
	}
	end, found, err := g.registry.GetGameEndTime(req.ctx, args.Pin)
	if err != nil {
		return err
	}
	if !found {
		g.replyNotFound(req, args.Pin)
		return nil
	}
	g.broadcast(args.Pin, Event{Type: EvtEndTimeSync, Payload: end})
	return nil
}

// requireLive loads the room and checks it is in progress, replying
// room-not-found or action-rejected otherwise.
func (g *Gateway) requireLive(req *request, pin string) (registry.Room, bool, error) {
	room, found, err := g.registry.GetRoom(req.ctx, pin)
	if err != nil {
		return registry.Room{}, false, err
	}
	if !found {
		g.replyNotFound(req, pin)
		return registry.Room{}, false, nil
	}
	if room.Phase != registry.PhaseInProgress {
		g.replyRejected(req, pin, room.Phase)
		return registry.Room{}, false, nil
	}
	return room, true, nil
}

func (g *Gateway) handleTimerTick(req *request) error {
	var args timerTickArgs
	if err := decode(req, &args); err != nil {
		return err
	}
	if err := requirePin(req, args.Pin); err != nil {
		return err
	}
	if args.SecondsLeft == nil {
		return fmt.Errorf("%s: secondsLeft is required: %w", req.command, errBadRequest)
	}
	if _, ok, err := g.requireLive(req, args.Pin); !ok {
		return err
	}

	allowed, err := g.throttle.Allow(req.ctx, args.Pin)
	if err != nil {
		g.logger.Warn("timer throttle unavailable, allowing tick", zap.String("pin", args.Pin), zap.Error(err))
		allowed = true
	}
	if !allowed {
		return nil
	}

	secondsLeft := max(*args.SecondsLeft, 0)
	found, err := g.registry.UpdateTimerState(req.ctx, args.Pin, secondsLeft)
	if err != nil {
		return err
	}
	if !found {
		g.replyNotFound(req, args.Pin)
		return nil
	}
	g.broadcast(args.Pin, Event{Type: EvtTimerSync, Payload: secondsLeft})
	return nil
}

func (g *Gateway) handleAdvanceQuestion(req *request) error {
	var args advanceQuestionArgs
	if err := decode(req, &args); err != nil {
		return err
	}
	if err := requirePin(req, args.Pin); err != nil {
		return err
	}
	if args.Index == nil || *args.Index < 0 {
		return fmt.Errorf("%s: index must be a non-negative number: %w", req.command, errBadRequest)
	}
	if _, ok, err := g.requireLive(req, args.Pin); !ok {
		return err
	}
	found, err := g.registry.UpdateCurrentQuestionIndex(req.ctx, args.Pin, *args.Index)
	if err != nil {
		return err
	}
	if !found {
		g.replyNotFound(req, args.Pin)
		return nil
	}
	g.broadcast(args.Pin, Event{Type: EvtQuestionAdvanced, Payload: *args.Index})
	return nil
}

func (g *Gateway) handleQueryStartTime(req *request) error {
	var args pinArgs
	if err := decode(req, &args); err != nil {
		return err
	}
	if err := requirePin(req, args.Pin); err != nil {
		return err
	}
	start, found, err := g.registry.GetOrSetGameStartTime(req.ctx, args.Pin)
	if err != nil {
		return err
	}
	if !found {
		g.replyNotFound(req, args.Pin)
		return nil
	}
	g.reply(req.connID, req.requestID, Event{Type: EvtStartTime, Pin: args.Pin, Payload: start})
	return nil
}

func (g *Gateway) handleUpdateScore(req *request) error {
	var args updateScoreArgs
	if err := decode(req, &args); err != nil {
		return err
	}
	if err := requirePin(req, args.Pin); err != nil {
		return err
	}
	if args.Score == nil || *args.Score < 0 {
		return fmt.Errorf("%s: score must be a non-negative number: %w", req.command, errBadRequest)
	}
	if _, ok, err := g.requireLive(req, args.Pin); !ok {
		return err
	}
	applied, err := g.registry.UpdatePlayerScore(req.ctx, args.Pin, req.connID, *args.Score)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%s: not a member of %s: %w", req.command, args.Pin, errBadRequest)
	}

	room, found, err := g.registry.GetRoom(req.ctx, args.Pin)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	g.broadcast(args.Pin, Event{Type: EvtScoresUpdated, Payload: room.Leaderboard()})

	if room.Phase != registry.PhaseInProgress {
		return nil
	}
	name, ok := g.policy.Winner(standings(room), false)
	if !ok {
		return nil
	}
	return g.announceQuietly(req, args.Pin, name)
}

// announceQuietly announces a policy decision. Losing the race to another
// announcement is not reported to the caller.
func (g *Gateway) announceQuietly(req *request, pin, name string) error {
	live := []registry.Phase{registry.PhaseInProgress}
	_, err := g.registry.TransitionPhaseFrom(req.ctx, pin, live, registry.PhaseEnded)
	if errors.Is(err, registry.ErrInvalidTransition) || errors.Is(err, registry.ErrRoomNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := g.registry.SetWinner(req.ctx, pin, name); err != nil {
		return err
	}
	g.logger.Info("winner decided by policy",
		zap.String("pin", pin),
		zap.String("winner", name),
		zap.String("policy", g.policy.ID()),
	)
	g.broadcast(pin, Event{Type: EvtWinnerAnnounced, Payload: name})
	return nil
}

func (g *Gateway) handleUpdateScores(req *request) error {
	var args pinArgs
	if err := decode(req, &args); err != nil {
		return err
	}
	if err := requirePin(req, args.Pin); err != nil {
		return err
	}
	room, found, err := g.registry.GetRoom(req.ctx, args.Pin)
	if err != nil {
		return err
	}
	if !found {
		g.replyNotFound(req, args.Pin)
		return nil
	}
	g.broadcast(args.Pin, Event{Type: EvtScoresUpdated, Payload: room.Leaderboard()})
	return nil
}

func (g *Gateway) handleWhoAmI(req *request) error {
	g.reply(req.connID, req.requestID, Event{Type: EvtConnectionID, Payload: req.connID})
	return nil
}

func (g *Gateway) handlePing(req *request) error {
	g.reply(req.connID, req.requestID, Event{Type: EvtPong})
	return nil
}
