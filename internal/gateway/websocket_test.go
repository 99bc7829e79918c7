package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/quizhub/internal/config"
	"github.com/cory-johannsen/quizhub/internal/testutil"
)

func testWebSocketConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		PingInterval:    50 * time.Millisecond,
		PongWait:        time.Second,
		WriteWait:       time.Second,
		OutboxSize:      16,
		MaxMessageBytes: 4096,
	}
}

func newWSServer(t *testing.T, origins []string) (*harness, *Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := newHarness(t)
	srv := NewServer(h.gw, testWebSocketConfig(), origins, zaptest.NewLogger(t))
	r := gin.New()
	r.GET("/ws", srv.Handler())
	ts := httptest.NewServer(r)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ts.Close()
	})
	return h, srv, ts
}

func TestWebSocketRoundTrip(t *testing.T) {
	_, _, ts := newWSServer(t, []string{"*"})

	host := testutil.NewWSClient(t, ts.URL+"/ws", nil)
	greeting := host.Read(2 * time.Second)
	require.Equal(t, EvtConnected, greeting.Type)

	host.Send(CmdCreateRoom, map[string]any{"name": "Alice"})
	created := host.ReadUntil(EvtRoomCreated, 2*time.Second)
	require.NotEmpty(t, created.Pin)

	player := testutil.NewWSClient(t, ts.URL+"/ws", nil)
	player.Read(2 * time.Second)
	player.Send(CmdJoinRoom, map[string]any{"pin": created.Pin, "name": "Bob"})

	evt := host.ReadUntil(EvtMembersUpdated, 2*time.Second)
	assert.Contains(t, string(evt.Payload), `"Bob"`)
	player.ReadUntil(EvtMembersUpdated, 2*time.Second)

	player.Send(CmdPing, nil)
	player.ReadUntil(EvtPong, 2*time.Second)
}

func TestWebSocketDisconnectRecordsDeparture(t *testing.T) {
	h, srv, ts := newWSServer(t, []string{"*"})

	host := testutil.NewWSClient(t, ts.URL+"/ws", nil)
	host.Read(2 * time.Second)
	host.Send(CmdCreateRoom, map[string]any{"name": "Alice"})
	host.ReadUntil(EvtRoomCreated, 2*time.Second)
	assert.Equal(t, 1, srv.ConnCount())

	host.Close()
	assert.Eventually(t, func() bool {
		return h.gw.Sessions().PendingDepartures() == 1 && h.gw.Sessions().ConnCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWebSocketServerPings(t *testing.T) {
	_, _, ts := newWSServer(t, []string{"*"})

	client := testutil.NewWSClient(t, ts.URL+"/ws", nil)
	pinged := make(chan struct{}, 1)
	client.Conn().SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := client.Conn().ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping from server")
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	_, _, ts := newWSServer(t, []string{"http://quiz.example"})
	url := strings.Replace(ts.URL, "http://", "ws://", 1) + "/ws"

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://quiz.example")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestWebSocketShutdownClosesSockets(t *testing.T) {
	_, srv, ts := newWSServer(t, []string{"*"})

	client := testutil.NewWSClient(t, ts.URL+"/ws", nil)
	client.Read(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Shutdown(ctx)

	assert.Equal(t, 0, srv.ConnCount())
	_ = client.Conn().SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.Conn().ReadMessage()
	assert.Error(t, err)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://a.example"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req), "no origin header is allowed")

	req.Header.Set("Origin", "http://a.example")
	assert.True(t, check(req))
	req.Header.Set("Origin", "http://b.example")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(req))
}
