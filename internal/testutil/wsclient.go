package testutil

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// WSFrame is a decoded server event as seen by a client.
type WSFrame struct {
	Type      string          `json:"type"`
	Pin       string          `json:"pin"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload"`
}

// WSClient is a WebSocket test client for integration testing.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewWSClient dials url (http:// or ws://) and returns a test client.
//
// Precondition: url must point at a listening WebSocket endpoint.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, url string, header http.Header) *WSClient {
	t.Helper()
	start := time.Now()

	url = strings.Replace(url, "http://", "ws://", 1)
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", url, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("websocket client connected to %s [%s]", url, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// Send writes one command frame.
//
// Postcondition: The frame {"type": cmdType, "payload": payload} is written.
func (c *WSClient) Send(cmdType string, payload any) {
	c.t.Helper()
	frame := map[string]any{"type": cmdType}
	if payload != nil {
		frame["payload"] = payload
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteJSON(frame); err != nil {
		c.t.Fatalf("sending %s: %v", cmdType, err)
	}
}

// Read returns the next frame or fails the test on timeout.
func (c *WSClient) Read(timeout time.Duration) WSFrame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	var f WSFrame
	if err := c.conn.ReadJSON(&f); err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	return f
}

// ReadUntil reads frames until one of type typ arrives, discarding the rest.
//
// Postcondition: Returns the matching frame, or fails on timeout.
func (c *WSClient) ReadUntil(typ string, timeout time.Duration) WSFrame {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	var seen []string
	for {
		_ = c.conn.SetReadDeadline(deadline)
		var f WSFrame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.t.Fatalf("reading until %q: saw %v, error: %v", typ, seen, err)
		}
		if f.Type == typ {
			return f
		}
		seen = append(seen, f.Type)
	}
}

// Conn exposes the underlying connection for close and ping tests.
func (c *WSClient) Conn() *websocket.Conn {
	return c.conn
}

// Close closes the underlying connection.
func (c *WSClient) Close() {
	c.conn.Close()
}
