// Package registry owns the authoritative room records and exposes the
// operations the gateway uses to read and mutate them.
package registry

import (
	"sort"
	"time"
)

// Phase is the explicit progression state of a room.
type Phase string

const (
	// PhaseLobby is the state of a freshly created room.
	PhaseLobby Phase = "lobby"
	// PhaseInProgress is entered by start-game.
	PhaseInProgress Phase = "in_progress"
	// PhaseEnded is entered by announce-winner or end-game.
	PhaseEnded Phase = "ended"
)

// Valid reports whether p names a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseLobby, PhaseInProgress, PhaseEnded:
		return true
	}
	return false
}

// transitions maps each target phase to the phases it may be entered from.
var transitions = map[Phase][]Phase{
	PhaseInProgress: {PhaseLobby, PhaseEnded},
	PhaseEnded:      {PhaseInProgress, PhaseEnded},
}

// AllowedFrom returns the phases from which to may be entered.
//
// Postcondition: Returns nil when to cannot be entered by a transition.
func AllowedFrom(to Phase) []Phase {
	return transitions[to]
}

// CanTransition reports whether a room in phase from may move to phase to.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[to] {
		if p == from {
			return true
		}
	}
	return false
}

// Player is the canonical per-participant record of a room.
type Player struct {
	ConnID string `json:"connId"`
	Name   string `json:"name"`
	// Score is meaningful only when HasScore is true.
	Score    int       `json:"score"`
	HasScore bool      `json:"hasScore"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Room is one game session.
type Room struct {
	ID                   string    `json:"id"`
	GamePin              string    `json:"gamePin"`
	CreatorConnID        string    `json:"creatorConnId"`
	Players              []Player  `json:"players"`
	Phase                Phase     `json:"phase"`
	Winner               string    `json:"winner,omitempty"`
	CurrentQuestionIndex int       `json:"currentQuestionIndex"`
	TimeLeft             int       `json:"timeLeft"`
	GameStartTime        time.Time `json:"gameStartTime"`
	GameEndTime          time.Time `json:"gameEndTime"`
	LastUpdateTime       time.Time `json:"lastUpdateTime"`
}

// IsCreator reports whether connID created the room.
func (r Room) IsCreator(connID string) bool {
	return connID != "" && r.CreatorConnID == connID
}

// Player returns the participant with the given connection id.
func (r Room) Player(connID string) (Player, bool) {
	for _, p := range r.Players {
		if p.ConnID == connID {
			return p, true
		}
	}
	return Player{}, false
}

// PlayerByName returns the first participant in join order whose name is name.
func (r Room) PlayerByName(name string) (Player, bool) {
	for _, p := range r.Players {
		if p.Name == name {
			return p, true
		}
	}
	return Player{}, false
}

// Members projects the players as connection id → display name.
func (r Room) Members() map[string]string {
	out := make(map[string]string, len(r.Players))
	for _, p := range r.Players {
		out[p.ConnID] = p.Name
	}
	return out
}

// PlayerScores projects the recorded scores as connection id → score.
// Players without a recorded score are omitted.
func (r Room) PlayerScores() map[string]int {
	out := make(map[string]int, len(r.Players))
	for _, p := range r.Players {
		if p.HasScore {
			out[p.ConnID] = p.Score
		}
	}
	return out
}

// Leaderboard projects the players as display name → score, with missing
// scores reported as 0. When two players share a name the higher score wins.
func (r Room) Leaderboard() map[string]int {
	out := make(map[string]int, len(r.Players))
	for _, p := range r.Players {
		score := 0
		if p.HasScore {
			score = p.Score
		}
		if prev, ok := out[p.Name]; ok && prev >= score {
			continue
		}
		out[p.Name] = score
	}
	return out
}

// TopPlayers returns up to n players ordered by score descending. Players
// with equal scores keep their join order.
//
// Postcondition: len(result) <= max(n, 0).
func (r Room) TopPlayers(n int) []Player {
	if n <= 0 {
		return []Player{}
	}
	sorted := make([]Player, len(r.Players))
	copy(sorted, r.Players)
	sort.SliceStable(sorted, func(i, j int) bool {
		return effectiveScore(sorted[i]) > effectiveScore(sorted[j])
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func effectiveScore(p Player) int {
	if !p.HasScore {
		return 0
	}
	return p.Score
}

// Clone returns a deep copy of r.
func (r Room) Clone() Room {
	out := r
	out.Players = make([]Player, len(r.Players))
	copy(out.Players, r.Players)
	return out
}
