package registry

import "errors"

// ErrRoomNotFound is returned by operations that cannot express absence as a
// boolean result.
var ErrRoomNotFound = errors.New("room not found")

// ErrInvalidTransition is returned when a phase change is not allowed from the
// room's current phase.
var ErrInvalidTransition = errors.New("invalid phase transition")

// ErrInvalidScore is returned for negative scores.
var ErrInvalidScore = errors.New("invalid score")
