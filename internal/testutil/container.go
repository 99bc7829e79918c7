// Package testutil provides container-backed dependencies and clients for
// integration tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
)

// startContainer runs req, registers its termination with t and returns the
// host and mapped port for the container's port.
//
// Precondition: Docker must be available; port must appear in req.ExposedPorts.
func startContainer(t *testing.T, name string, req testcontainers.ContainerRequest, port string) (string, int) {
	t.Helper()
	ctx := context.Background()
	start := time.Now()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("starting %s container: %v [%s]", name, err, time.Since(start))
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("getting %s host: %v", name, err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatalf("getting %s port: %v", name, err)
	}
	t.Logf("%s container started [%s]", name, time.Since(start))
	return host, mapped.Int()
}
