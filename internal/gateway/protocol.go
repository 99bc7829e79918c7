package gateway

import (
	"encoding/json"

	"github.com/cory-johannsen/quizhub/internal/registry"
)

// Client commands.
const (
	CmdCreateRoom      = "create-room"
	CmdJoinRoom        = "join-room"
	CmdLeaveRoom       = "leave-room"
	CmdUpdateName      = "update-name"
	CmdUpdateMembers   = "update-members"
	CmdAnnounceWinner  = "announce-winner"
	CmdStartGame       = "start-game"
	CmdEndGame         = "end-game"
	CmdSyncEndTime     = "sync-end-time"
	CmdTimerTick       = "timer-tick"
	CmdAdvanceQuestion = "advance-question"
	CmdQueryStartTime  = "query-start-time"
	CmdUpdateScore     = "update-score"
	CmdUpdateScores    = "update-scores"
	CmdWhoAmI          = "whoami"
	CmdPing            = "ping"
)

// Server events.
const (
	EvtConnected        = "connected"
	EvtRoomCreated      = "room-created"
	EvtMembersUpdated   = "members-updated"
	EvtWinnerAnnounced  = "winner-announced"
	EvtRoomDeleted      = "room-deleted"
	EvtGameStarted      = "game-started"
	EvtGameOver         = "game-over"
	EvtEndTimeSync      = "end-time-sync"
	EvtTimerSync        = "timer-sync"
	EvtQuestionAdvanced = "question-advanced"
	EvtStartTime        = "start-time"
	EvtScoresUpdated    = "scores-updated"
	EvtConnectionID     = "connection-id"
	EvtRoomNotFound     = "room-not-found"
	EvtActionRejected   = "action-rejected"
	EvtError            = "error"
	EvtPong             = "pong"
)

// Command is a client → server frame.
type Command struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Event is a server → client frame.
type Event struct {
	Type      string `json:"type"`
	Pin       string `json:"pin,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Command arguments. Pointer fields are required numbers; a nil pointer
// means the field was absent.
type (
	createRoomArgs struct {
		Name string `json:"name"`
	}
	pinArgs struct {
		Pin string `json:"pin"`
	}
	joinRoomArgs struct {
		Pin  string  `json:"pin"`
		Name *string `json:"name"`
	}
	nameArgs struct {
		Pin  string `json:"pin"`
		Name string `json:"name"`
	}
	timerTickArgs struct {
		Pin         string `json:"pin"`
		SecondsLeft *int   `json:"secondsLeft"`
	}
	advanceQuestionArgs struct {
		Pin   string `json:"pin"`
		Index *int   `json:"index"`
	}
	updateScoreArgs struct {
		Pin   string `json:"pin"`
		Score *int   `json:"score"`
	}
)

// Event payloads.
type (
	// ConnectedPayload greets a new connection.
	ConnectedPayload struct {
		ConnID string `json:"connId"`
	}
	// RoomCreatedPayload answers create-room.
	RoomCreatedPayload struct {
		Pin  string        `json:"pin"`
		Room registry.Room `json:"room"`
	}
	// RejectedPayload explains an action-rejected event.
	RejectedPayload struct {
		Command string         `json:"command"`
		Phase   registry.Phase `json:"phase"`
	}
	// NotFoundPayload explains a room-not-found event.
	NotFoundPayload struct {
		Command string `json:"command"`
	}
	// ErrorPayload carries a human-readable failure.
	ErrorPayload struct {
		Message string `json:"message"`
	}
)
