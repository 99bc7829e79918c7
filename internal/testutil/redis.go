package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NewRedisClient starts a Redis test container and returns a connected client.
//
// Precondition: Docker must be available.
// Postcondition: Returns a client that answers PING, or fails the test.
func NewRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	host, port := startContainer(t, "redis", testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForLog("Ready to accept connections").
			WithStartupTimeout(30 * time.Second),
	}, "6379")

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%d", host, port)})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("pinging test redis: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}
