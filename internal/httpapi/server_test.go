package httpapi

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/quizhub/internal/config"
	"github.com/cory-johannsen/quizhub/internal/gateway"
	"github.com/cory-johannsen/quizhub/internal/testutil"
)

func TestServerStartStop(t *testing.T) {
	f := newFixture(t, nil, []string{"*"})
	var stopped atomic.Bool
	srv := NewServer(config.HTTPConfig{Host: "127.0.0.1", Port: 0, ReadTimeout: time.Second}, f.router,
		func(context.Context) { stopped.Store(true) }, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- srv.Start(context.Background()) }()

	require.Eventually(t, srv.IsRunning, 2*time.Second, 10*time.Millisecond)
	require.NotEmpty(t, srv.Addr())

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Stop(ctx)

	require.NoError(t, <-done)
	assert.False(t, srv.IsRunning())
	assert.True(t, stopped.Load(), "stop hook runs")

	srv.Stop(ctx) // idempotent
}

func TestServerStartBadAddr(t *testing.T) {
	f := newFixture(t, nil, []string{"*"})
	srv := NewServer(config.HTTPConfig{Host: "127.0.0.1", Port: -1}, f.router, nil, zaptest.NewLogger(t))
	assert.Error(t, srv.Start(context.Background()))
	assert.Empty(t, srv.Addr())
}

func TestServerTimeoutsSpareWebSockets(t *testing.T) {
	f := newFixture(t, nil, []string{"*"})
	cfg := config.HTTPConfig{
		Host:         "127.0.0.1",
		Port:         0,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
	}
	srv := NewServer(cfg, f.router, nil, zaptest.NewLogger(t))
	done := make(chan error, 1)
	go func() { done <- srv.Start(context.Background()) }()
	require.Eventually(t, srv.IsRunning, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
		<-done
	})

	srv.mu.Lock()
	assert.Equal(t, cfg.WriteTimeout, srv.srv.WriteTimeout)
	assert.Equal(t, cfg.ReadTimeout, srv.srv.ReadTimeout)
	srv.mu.Unlock()

	client := testutil.NewWSClient(t, "ws://"+srv.Addr()+"/ws", nil)
	greeting := client.Read(2 * time.Second)
	require.Equal(t, gateway.EvtConnected, greeting.Type)

	time.Sleep(3 * cfg.WriteTimeout)
	client.Send(gateway.CmdWhoAmI, nil)
	evt := client.ReadUntil(gateway.EvtConnectionID, 2*time.Second)
	assert.NotEmpty(t, evt.Payload)
}
