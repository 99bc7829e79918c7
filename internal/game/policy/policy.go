// Package policy decides when a game has a winner and who it is.
package policy

// Standing is one participant's position, in join order.
type Standing struct {
	Name     string
	Score    int
	HasScore bool
}

// Policy is a winner rule.
type Policy interface {
	// ID returns the policy identifier used in configuration.
	ID() string
	// Winner decides the winner from standings. final is true when the game is
	// being ended explicitly and a best-effort decision is wanted.
	//
	// Postcondition: When ok is true, name is the Name of one of standings.
	Winner(standings []Standing, final bool) (name string, ok bool)
}

// leader returns the standing with the highest recorded score, preferring
// earlier joiners on ties.
func leader(standings []Standing) (Standing, bool) {
	var (
		best  Standing
		found bool
	)
	for _, s := range standings {
		if !s.HasScore {
			continue
		}
		if !found || s.Score > best.Score {
			best, found = s, true
		}
	}
	return best, found
}

// Threshold awards the game to the leader once their score reaches the
// threshold. On a final decision the leader wins with any positive score.
type Threshold struct {
	id        string
	threshold int
}

// NewThreshold creates a Threshold policy.
//
// Precondition: threshold > 0.
func NewThreshold(id string, threshold int) *Threshold {
	return &Threshold{id: id, threshold: threshold}
}

// ID implements Policy.
func (p *Threshold) ID() string { return p.id }

// Winner implements Policy.
func (p *Threshold) Winner(standings []Standing, final bool) (string, bool) {
	best, ok := leader(standings)
	if !ok {
		return "", false
	}
	if best.Score >= p.threshold || (final && best.Score > 0) {
		return best.Name, true
	}
	return "", false
}

// Highest only decides when the game is ended, awarding it to the leader
// with a positive score.
type Highest struct {
	id string
}

// NewHighest creates a Highest policy.
func NewHighest(id string) *Highest {
	return &Highest{id: id}
}

// ID implements Policy.
func (p *Highest) ID() string { return p.id }

// Winner implements Policy.
func (p *Highest) Winner(standings []Standing, final bool) (string, bool) {
	if !final {
		return "", false
	}
	best, ok := leader(standings)
	if !ok || best.Score <= 0 {
		return "", false
	}
	return best.Name, true
}
