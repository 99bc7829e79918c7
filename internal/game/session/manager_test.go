package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestManager_Connect(t *testing.T) {
	m := NewManager(8)
	e, err := m.Connect("c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", e.ConnID())
	assert.Equal(t, 1, m.ConnCount())

	_, err = m.Connect("c1")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestManager_AttachAndGroup(t *testing.T) {
	m := NewManager(8)
	for _, id := range []string{"c1", "c2", "c3"} {
		_, err := m.Connect(id)
		require.NoError(t, err)
	}
	_, err := m.Attach("c1", "PIN001")
	require.NoError(t, err)
	_, err = m.Attach("c2", "PIN001")
	require.NoError(t, err)
	_, err = m.Attach("c3", "PIN002")
	require.NoError(t, err)

	assert.Equal(t, []string{"c1", "c2"}, m.ConnIDsInGroup("PIN001"))
	assert.Equal(t, []string{"c3"}, m.ConnIDsInGroup("PIN002"))
	assert.Empty(t, m.ConnIDsInGroup("NOPE"))

	_, err = m.Attach("ghost", "PIN001")
	assert.Error(t, err)
}

func TestManager_AttachMovesBetweenGroups(t *testing.T) {
	m := NewManager(8)
	_, err := m.Connect("c1")
	require.NoError(t, err)
	_, err = m.Attach("c1", "PIN001")
	require.NoError(t, err)

	prev, err := m.Attach("c1", "PIN002")
	require.NoError(t, err)
	assert.Equal(t, "PIN001", prev)
	assert.Empty(t, m.ConnIDsInGroup("PIN001"))
	assert.Equal(t, []string{"c1"}, m.ConnIDsInGroup("PIN002"))

	c, ok := m.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "PIN002", c.Pin)
}

func TestManager_Detach(t *testing.T) {
	m := NewManager(8)
	_, err := m.Connect("c1")
	require.NoError(t, err)
	_, err = m.Attach("c1", "PIN001")
	require.NoError(t, err)

	m.Detach("c1", "PIN001")
	assert.Empty(t, m.ConnIDsInGroup("PIN001"))
	c, _ := m.Get("c1")
	assert.Empty(t, c.Pin)

	// detaching again is a no-op
	m.Detach("c1", "PIN001")
}

func TestManager_DisconnectRecordsDeparture(t *testing.T) {
	m := NewManager(8)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	e, err := m.Connect("c1")
	require.NoError(t, err)
	_, err = m.Attach("c1", "PIN001")
	require.NoError(t, err)

	d, ok := m.Disconnect("c1")
	require.True(t, ok)
	assert.Equal(t, Departure{ConnID: "c1", Pin: "PIN001", At: now}, d)
	assert.True(t, e.IsClosed())
	assert.Empty(t, m.ConnIDsInGroup("PIN001"))
	assert.Equal(t, 0, m.ConnCount())
	assert.Equal(t, 1, m.PendingDepartures())

	_, ok = m.Disconnect("c1")
	assert.False(t, ok)
}

func TestManager_DisconnectUnattachedRecordsNothing(t *testing.T) {
	m := NewManager(8)
	_, err := m.Connect("c1")
	require.NoError(t, err)
	_, ok := m.Disconnect("c1")
	assert.False(t, ok)
	assert.Equal(t, 0, m.PendingDepartures())
}

func TestManager_DrainDepartures(t *testing.T) {
	m := NewManager(8)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"c1", "c2", "c3"} {
		at := base.Add(time.Duration(i) * 10 * time.Second)
		m.now = func() time.Time { return at }
		_, err := m.Connect(id)
		require.NoError(t, err)
		_, err = m.Attach(id, "PIN001")
		require.NoError(t, err)
		m.Disconnect(id)
	}

	drained := m.DrainDepartures(base.Add(15 * time.Second))
	require.Len(t, drained, 2)
	assert.Equal(t, "c1", drained[0].ConnID)
	assert.Equal(t, "c2", drained[1].ConnID)
	assert.Equal(t, 1, m.PendingDepartures())

	assert.Empty(t, m.DrainDepartures(base.Add(15*time.Second)))
}

func TestManager_DissolveGroup(t *testing.T) {
	m := NewManager(8)
	for _, id := range []string{"c1", "c2", "gone"} {
		_, err := m.Connect(id)
		require.NoError(t, err)
		_, err = m.Attach(id, "PIN001")
		require.NoError(t, err)
	}
	m.Disconnect("gone")

	ids := m.DissolveGroup("PIN001")
	assert.Equal(t, []string{"c1", "c2"}, ids)
	assert.Empty(t, m.ConnIDsInGroup("PIN001"))
	assert.Equal(t, 0, m.PendingDepartures())
	c, _ := m.Get("c1")
	assert.Empty(t, c.Pin)
}

func TestManager_Touch(t *testing.T) {
	m := NewManager(8)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return t0 }
	_, err := m.Connect("c1")
	require.NoError(t, err)

	m.now = func() time.Time { return t0.Add(time.Minute) }
	m.Touch("c1")
	c, _ := m.Get("c1")
	assert.Equal(t, t0, c.ConnectedAt)
	assert.Equal(t, t0.Add(time.Minute), c.LastSeen)

	m.Touch("ghost")
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(8)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			_, err := m.Connect(id)
			assert.NoError(t, err)
			_, err = m.Attach(id, "PIN001")
			assert.NoError(t, err)
			_ = m.ConnIDsInGroup("PIN001")
		}(i)
	}
	wg.Wait()
	assert.Len(t, m.ConnIDsInGroup("PIN001"), 50)
}

// Property: after any sequence of attaches, an attached connection is in
// exactly the group it was last attached to and an unattached one in none.
func TestPropertyConnectionInOneGroup(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewManager(4)
		ids := []string{"a", "b", "c"}
		for _, id := range ids {
			if _, err := m.Connect(id); err != nil {
				t.Fatal(err)
			}
		}
		pins := []string{"P1", "P2", "P3"}
		last := make(map[string]string)
		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(ids).Draw(t, "id")
			pin := rapid.SampledFrom(pins).Draw(t, "pin")
			prev, err := m.Attach(id, pin)
			if err != nil {
				t.Fatal(err)
			}
			if prev != last[id] {
				t.Fatalf("attach %s returned previous pin %q, want %q", id, prev, last[id])
			}
			last[id] = pin
		}
		for _, id := range ids {
			var in []string
			for _, pin := range pins {
				for _, member := range m.ConnIDsInGroup(pin) {
					if member == id {
						in = append(in, pin)
					}
				}
			}
			want, attached := last[id]
			switch {
			case !attached && len(in) != 0:
				t.Fatalf("unattached connection %s is in groups %v", id, in)
			case attached && (len(in) != 1 || in[0] != want):
				t.Fatalf("connection %s is in groups %v, want [%s]", id, in, want)
			}
		}
	})
}
