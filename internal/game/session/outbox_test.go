package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutbox_Push(t *testing.T) {
	o := NewOutbox("c1", 4)
	require.NoError(t, o.Push([]byte("hello")))
	assert.Equal(t, 1, o.Pending())

	assert.Equal(t, []byte("hello"), <-o.Frames())
	assert.Equal(t, "c1", o.ConnID())
	assert.Equal(t, 0, o.Pending())
}

func TestOutbox_PushClosed(t *testing.T) {
	o := NewOutbox("c1", 4)
	o.Close()
	assert.True(t, o.IsClosed())
	assert.ErrorIs(t, o.Push([]byte("late")), ErrOutboxClosed)
	assert.Zero(t, o.Dropped(), "a closed outbox is not a drop")
}

func TestOutbox_FullCountsDrops(t *testing.T) {
	o := NewOutbox("c1", 1)
	require.NoError(t, o.Push([]byte("first")))

	err := o.Push([]byte("second"))
	assert.ErrorIs(t, err, ErrOutboxFull)
	assert.Contains(t, err.Error(), "1 dropped")
	assert.ErrorIs(t, o.Push([]byte("third")), ErrOutboxFull)
	assert.Equal(t, int64(2), o.Dropped())

	<-o.Frames()
	require.NoError(t, o.Push([]byte("fourth")))
	assert.Equal(t, int64(2), o.Dropped(), "draining does not reset the count")
}

func TestOutbox_ConcurrentPushAccounting(t *testing.T) {
	o := NewOutbox("c1", 10)
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = o.Push([]byte("x"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, o.Pending())
	assert.Equal(t, int64(30), o.Dropped())
}

func TestOutbox_CloseKeepsQueuedFrames(t *testing.T) {
	o := NewOutbox("c1", 4)
	require.NoError(t, o.Push([]byte("a")))
	o.Close()
	o.Close()

	frame, ok := <-o.Frames()
	assert.True(t, ok)
	assert.Equal(t, []byte("a"), frame)
	_, ok = <-o.Frames()
	assert.False(t, ok)
}

func TestOutbox_DefaultSize(t *testing.T) {
	o := NewOutbox("c1", 0)
	assert.Equal(t, DefaultOutboxSize, cap(o.frames))
}
