// Package session tracks live connections and the room groups they belong to.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrOutboxClosed is returned when pushing to a closed outbox.
var ErrOutboxClosed = errors.New("outbox closed")

// ErrOutboxFull is returned when an outbox cannot take another frame.
var ErrOutboxFull = errors.New("outbox full")

// DefaultOutboxSize is used when a non-positive outbox size is requested.
const DefaultOutboxSize = 64

// Outbox holds encoded event frames waiting for a connection's write pump.
// Pushes never block: a slow client loses frames rather than stalling the
// broadcaster, and every lost frame is counted.
type Outbox struct {
	connID  string
	frames  chan []byte
	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox for the given connection.
//
// Precondition: connID must be non-empty.
// Postcondition: Returns an open Outbox holding up to size frames.
func NewOutbox(connID string, size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{
		connID: connID,
		frames: make(chan []byte, size),
	}
}

// ConnID returns the connection identifier.
func (o *Outbox) ConnID() string {
	return o.connID
}

// Push enqueues frame.
//
// Postcondition: The frame is queued, or an error wrapping ErrOutboxClosed or
// ErrOutboxFull is returned. A full outbox increments Dropped.
func (o *Outbox) Push(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("connection %s: %w", o.connID, ErrOutboxClosed)
	}
	select {
	case o.frames <- frame:
		return nil
	default:
		n := o.dropped.Add(1)
		return fmt.Errorf("connection %s (%d dropped): %w", o.connID, n, ErrOutboxFull)
	}
}

// Frames is drained by the write pump. It is closed by Close.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// Pending returns the number of queued frames.
func (o *Outbox) Pending() int {
	return len(o.frames)
}

// Dropped returns how many frames were discarded because the outbox was full.
func (o *Outbox) Dropped() int64 {
	return o.dropped.Load()
}

// Close stops accepting frames and closes the Frames channel. Frames already
// queued stay readable. Close is idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.frames)
	}
}

// IsClosed reports whether Close has been called.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
