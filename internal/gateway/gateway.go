// Package gateway binds live connections to room groups, relays client
// commands into the registry and broadcasts the resulting state changes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/quizhub/internal/game/policy"
	"github.com/cory-johannsen/quizhub/internal/game/session"
	"github.com/cory-johannsen/quizhub/internal/registry"
)

// ErrUnknownCommand is returned for frames whose type has no handler.
var ErrUnknownCommand = errors.New("unknown command")

// errBadRequest marks malformed command arguments.
var errBadRequest = errors.New("bad request")

// request carries everything a handler needs.
type request struct {
	ctx       context.Context
	connID    string
	requestID string
	command   string
	payload   json.RawMessage
}

// handlerFunc is the signature of every command handler. Returned errors are
// logged and reported to the caller as an error event.
type handlerFunc func(g *Gateway, req *request) error

// handlerMap is the single source of truth for command dispatch.
var handlerMap = map[string]handlerFunc{
	CmdCreateRoom:      (*Gateway).handleCreateRoom,
	CmdJoinRoom:        (*Gateway).handleJoinRoom,
	CmdLeaveRoom:       (*Gateway).handleLeaveRoom,
	CmdUpdateName:      (*Gateway).handleUpdateName,
	CmdUpdateMembers:   (*Gateway).handleUpdateMembers,
	CmdAnnounceWinner:  (*Gateway).handleAnnounceWinner,
	CmdStartGame:       (*Gateway).handleStartGame,
	CmdEndGame:         (*Gateway).handleEndGame,
	CmdSyncEndTime:     (*Gateway).handleSyncEndTime,
	CmdTimerTick:       (*Gateway).handleTimerTick,
	CmdAdvanceQuestion: (*Gateway).handleAdvanceQuestion,
	CmdQueryStartTime:  (*Gateway).handleQueryStartTime,
	CmdUpdateScore:     (*Gateway).handleUpdateScore,
	CmdUpdateScores:    (*Gateway).handleUpdateScores,
	CmdWhoAmI:          (*Gateway).handleWhoAmI,
	CmdPing:            (*Gateway).handlePing,
}

// Commands returns the names of every dispatchable command.
func Commands() []string {
	out := make([]string, 0, len(handlerMap))
	for name := range handlerMap {
		out = append(out, name)
	}
	return out
}

// Gateway dispatches commands from connections. All methods are safe for
// concurrent use.
type Gateway struct {
	registry *registry.Registry
	sessions *session.Manager
	throttle Throttle
	policy   policy.Policy
	logger   *zap.Logger
}

// New creates a Gateway.
//
// Precondition: all arguments must be non-nil.
func New(reg *registry.Registry, sessions *session.Manager, throttle Throttle, winner policy.Policy, logger *zap.Logger) *Gateway {
	return &Gateway{
		registry: reg,
		sessions: sessions,
		throttle: throttle,
		policy:   winner,
		logger:   logger,
	}
}

// Sessions returns the connection manager.
func (g *Gateway) Sessions() *session.Manager {
	return g.sessions
}

// Connect registers a connection and greets it with its id.
//
// Postcondition: Returns the connection's outbox, or an error if connID is taken.
func (g *Gateway) Connect(connID string) (*session.Outbox, error) {
	outbox, err := g.sessions.Connect(connID)
	if err != nil {
		return nil, fmt.Errorf("connecting %s: %w", connID, err)
	}
	g.reply(connID, "", Event{Type: EvtConnected, Payload: ConnectedPayload{ConnID: connID}})
	g.logger.Debug("connection registered", zap.String("conn_id", connID))
	return outbox, nil
}

// Disconnect unregisters a connection. Room membership is left in place for
// the sweeper to evict after the grace period.
func (g *Gateway) Disconnect(connID string) {
	if d, ok := g.sessions.Disconnect(connID); ok {
		g.logger.Info("connection departed",
			zap.String("conn_id", connID),
			zap.String("pin", d.Pin),
		)
		return
	}
	g.logger.Debug("connection closed", zap.String("conn_id", connID))
}

// Touch records inbound traffic from a connection.
func (g *Gateway) Touch(connID string) {
	g.sessions.Touch(connID)
}

// Handle decodes and dispatches one frame from connID.
func (g *Gateway) Handle(ctx context.Context, connID string, frame []byte) {
	g.sessions.Touch(connID)

	var cmd Command
	if err := json.Unmarshal(frame, &cmd); err != nil {
		g.replyError(connID, "", fmt.Errorf("decoding frame: %w", err))
		return
	}
	h, ok := handlerMap[cmd.Type]
	if !ok {
		g.replyError(connID, cmd.RequestID, fmt.Errorf("%q: %w", cmd.Type, ErrUnknownCommand))
		return
	}

	req := &request{
		ctx:       ctx,
		connID:    connID,
		requestID: cmd.RequestID,
		command:   cmd.Type,
		payload:   cmd.Payload,
	}
	if err := h(g, req); err != nil {
		if !errors.Is(err, errBadRequest) {
			g.logger.Error("command failed",
				zap.String("command", cmd.Type),
				zap.String("conn_id", connID),
				zap.Error(err),
			)
		}
		g.replyError(connID, cmd.RequestID, err)
	}
}

// CloseRoom deletes a room, tells its group and dissolves the group.
func (g *Gateway) CloseRoom(ctx context.Context, pin string) error {
	if err := g.registry.DeleteRoom(ctx, pin); err != nil {
		return err
	}
	g.broadcast(pin, Event{Type: EvtRoomDeleted})
	g.sessions.DissolveGroup(pin)
	g.throttle.Forget(ctx, pin)
	return nil
}

// Evict removes a departed connection's membership. A departed creator
// closes the room.
func (g *Gateway) Evict(ctx context.Context, d session.Departure) error {
	room, found, err := g.registry.GetRoom(ctx, d.Pin)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if room.IsCreator(d.ConnID) {
		g.logger.Info("evicting departed creator", zap.String("pin", d.Pin), zap.String("conn_id", d.ConnID))
		return g.CloseRoom(ctx, d.Pin)
	}
	removed, err := g.registry.RemoveMemberByID(ctx, d.Pin, d.ConnID)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	g.logger.Info("evicted departed member", zap.String("pin", d.Pin), zap.String("conn_id", d.ConnID))
	_, err = g.broadcastMembers(ctx, d.Pin)
	return err
}

// broadcastMembers sends the refreshed membership map to the group.
//
// Postcondition: Returns false when the room does not exist.
func (g *Gateway) broadcastMembers(ctx context.Context, pin string) (bool, error) {
	room, found, err := g.registry.GetRoom(ctx, pin)
	if err != nil || !found {
		return false, err
	}
	g.broadcast(pin, Event{Type: EvtMembersUpdated, Payload: room.Members()})
	return true, nil
}

// broadcast encodes evt once and pushes it to every connection in pin's group.
// A full or closed outbox drops the frame.
func (g *Gateway) broadcast(pin string, evt Event) {
	evt.Pin = pin
	data, err := json.Marshal(evt)
	if err != nil {
		g.logger.Error("marshaling broadcast event", zap.String("type", evt.Type), zap.Error(err))
		return
	}
	for _, id := range g.sessions.ConnIDsInGroup(pin) {
		g.push(id, data)
	}
}

// reply sends evt to one connection.
func (g *Gateway) reply(connID, requestID string, evt Event) {
	evt.RequestID = requestID
	data, err := json.Marshal(evt)
	if err != nil {
		g.logger.Error("marshaling reply event", zap.String("type", evt.Type), zap.Error(err))
		return
	}
	g.push(connID, data)
}

func (g *Gateway) push(connID string, data []byte) {
	outbox, ok := g.sessions.Outbox(connID)
	if !ok {
		return
	}
	if err := outbox.Push(data); err != nil {
		g.logger.Warn("frame not queued",
			zap.String("conn_id", connID),
			zap.Int("pending", outbox.Pending()),
			zap.Int64("dropped", outbox.Dropped()),
			zap.Error(err),
		)
	}
}

func (g *Gateway) replyError(connID, requestID string, err error) {
	g.reply(connID, requestID, Event{Type: EvtError, Payload: ErrorPayload{Message: err.Error()}})
}

func (g *Gateway) replyNotFound(req *request, pin string) {
	g.reply(req.connID, req.requestID, Event{
		Type:    EvtRoomNotFound,
		Pin:     pin,
		Payload: NotFoundPayload{Command: req.command},
	})
}

func (g *Gateway) replyRejected(req *request, pin string, phase registry.Phase) {
	g.reply(req.connID, req.requestID, Event{
		Type:    EvtActionRejected,
		Pin:     pin,
		Payload: RejectedPayload{Command: req.command, Phase: phase},
	})
}

// decode unmarshals the payload into dst and checks for a pin when the
// arguments carry one.
func decode(req *request, dst any) error {
	if len(req.payload) == 0 {
		return fmt.Errorf("%s: missing payload: %w", req.command, errBadRequest)
	}
	if err := json.Unmarshal(req.payload, dst); err != nil {
		return fmt.Errorf("%s: %v: %w", req.command, err, errBadRequest)
	}
	return nil
}

func requirePin(req *request, pin string) error {
	if pin == "" {
		return fmt.Errorf("%s: pin is required: %w", req.command, errBadRequest)
	}
	return nil
}

func standings(room registry.Room) []policy.Standing {
	out := make([]policy.Standing, len(room.Players))
	for i, p := range room.Players {
		out[i] = policy.Standing{Name: p.Name, Score: p.Score, HasScore: p.HasScore}
	}
	return out
}
