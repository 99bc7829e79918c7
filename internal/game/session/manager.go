package session

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Conn is a snapshot of one live connection.
type Conn struct {
	// ID is the connection identifier, unique per socket.
	ID string
	// Pin is the room group the connection is attached to, or empty.
	Pin string
	// ConnectedAt is when the socket was accepted.
	ConnectedAt time.Time
	// LastSeen is refreshed by Touch on any inbound traffic.
	LastSeen time.Time
	// Outbox queues frames for the connection's write pump.
	Outbox *Outbox
}

// Departure records a connection that dropped while attached to a group
// without leaving it.
type Departure struct {
	ConnID string
	Pin    string
	At     time.Time
}

// Manager tracks all live connections and group membership.
// All methods are safe for concurrent use.
type Manager struct {
	mu         sync.RWMutex
	conns      map[string]*Conn           // connID → connection
	groups     map[string]map[string]bool // pin → set of connIDs
	departed   map[string]Departure       // connID → departure
	outboxSize int
	now        func() time.Time
}

// NewManager creates an empty Manager whose outboxes buffer outboxSize frames.
func NewManager(outboxSize int) *Manager {
	return &Manager{
		conns:      make(map[string]*Conn),
		groups:     make(map[string]map[string]bool),
		departed:   make(map[string]Departure),
		outboxSize: outboxSize,
		now:        time.Now,
	}
}

// Connect registers a new connection.
//
// Precondition: connID must be non-empty.
// Postcondition: Returns the connection's outbox, or an error if connID is
// already registered.
func (m *Manager) Connect(connID string) (*Outbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conns[connID]; exists {
		return nil, fmt.Errorf("connection %q already registered", connID)
	}
	now := m.now()
	outbox := NewOutbox(connID, m.outboxSize)
	m.conns[connID] = &Conn{ID: connID, ConnectedAt: now, LastSeen: now, Outbox: outbox}
	return outbox, nil
}

// Disconnect removes a connection and closes its outbox. A connection still
// attached to a group is recorded as a departure.
//
// Postcondition: Returns the departure and true when one was recorded.
func (m *Manager) Disconnect(connID string) (Departure, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.conns[connID]
	if !exists {
		return Departure{}, false
	}
	c.Outbox.Close()
	delete(m.conns, connID)

	if c.Pin == "" {
		return Departure{}, false
	}
	m.removeFromGroup(c.Pin, connID)
	d := Departure{ConnID: connID, Pin: c.Pin, At: m.now()}
	m.departed[connID] = d
	return d, true
}

// Attach moves a connection into the group for pin, leaving any previous group.
//
// Postcondition: Returns the previous pin (possibly empty), or an error if the
// connection is not registered.
func (m *Manager) Attach(connID, pin string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.conns[connID]
	if !exists {
		return "", fmt.Errorf("connection %q not found", connID)
	}
	prev := c.Pin
	if prev != "" && prev != pin {
		m.removeFromGroup(prev, connID)
	}
	c.Pin = pin
	if m.groups[pin] == nil {
		m.groups[pin] = make(map[string]bool)
	}
	m.groups[pin][connID] = true
	return prev, nil
}

// Detach removes a connection from the group for pin. Detaching a connection
// that is not in the group is a no-op.
func (m *Manager) Detach(connID, pin string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.conns[connID]; ok && c.Pin == pin {
		c.Pin = ""
	}
	m.removeFromGroup(pin, connID)
}

// DissolveGroup detaches every connection from the group for pin and forgets
// departures recorded against it.
//
// Postcondition: Returns the ids that were attached.
func (m *Manager) DissolveGroup(pin string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := sortedKeys(m.groups[pin])
	for _, id := range ids {
		if c, ok := m.conns[id]; ok {
			c.Pin = ""
		}
	}
	delete(m.groups, pin)
	for id, d := range m.departed {
		if d.Pin == pin {
			delete(m.departed, id)
		}
	}
	return ids
}

// removeFromGroup must be called with mu held.
func (m *Manager) removeFromGroup(pin, connID string) {
	if g, ok := m.groups[pin]; ok {
		delete(g, connID)
		if len(g) == 0 {
			delete(m.groups, pin)
		}
	}
}

// ConnIDsInGroup returns the ids of every connection attached to pin, sorted.
//
// Postcondition: Returns a slice of ids (may be empty).
func (m *Manager) ConnIDsInGroup(pin string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.groups[pin])
}

// Outbox returns the outbox for a connection.
func (m *Manager) Outbox(connID string) (*Outbox, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	if !ok {
		return nil, false
	}
	return c.Outbox, true
}

// Get returns a snapshot of a connection.
//
// Postcondition: Returns (conn, true) if found, or (Conn{}, false) otherwise.
func (m *Manager) Get(connID string) (Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	if !ok {
		return Conn{}, false
	}
	return *c, true
}

// Touch refreshes a connection's LastSeen.
func (m *Manager) Touch(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[connID]; ok {
		c.LastSeen = m.now()
	}
}

// DrainDepartures removes and returns departures recorded before cutoff,
// oldest first.
func (m *Manager) DrainDepartures(cutoff time.Time) []Departure {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Departure
	for id, d := range m.departed {
		if d.At.Before(cutoff) {
			out = append(out, d)
			delete(m.departed, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// PendingDepartures returns the number of departures not yet drained.
func (m *Manager) PendingDepartures() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.departed)
}

// ConnCount returns the number of live connections.
func (m *Manager) ConnCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
