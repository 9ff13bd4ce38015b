package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startContainer runs image and returns host:port of the exposed port with a cleanup function
func startContainer(ctx context.Context, image, port string, waitFor wait.Strategy) (string, func(), error) {
	exposed := nat.Port(port + "/tcp")
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{string(exposed)},
			WaitingFor:   waitFor,
		},
		Started: true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to start %s container: %w", image, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return "", nil, fmt.Errorf("failed to get container host: %w", err)
	}
	mappedPort, err := container.MappedPort(ctx, exposed)
	if err != nil {
		_ = container.Terminate(ctx)
		return "", nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	cleanup := func() {
		_ = container.Terminate(ctx)
	}
	return fmt.Sprintf("%s:%s", host, mappedPort.Port()), cleanup, nil
}

// StartRedis runs a Redis container and returns its address
func StartRedis(ctx context.Context) (string, func(), error) {
	return startContainer(ctx, "redis:7-alpine", "6379",
		wait.ForLog("Ready to accept connections").WithStartupTimeout(30*time.Second))
}

// StartNATS runs a NATS container and returns its nats:// url
func StartNATS(ctx context.Context) (string, func(), error) {
	addr, cleanup, err := startContainer(ctx, "nats:2.10-alpine", "4222",
		wait.ForLog("Server is ready").WithStartupTimeout(30*time.Second))
	if err != nil {
		return "", nil, err
	}
	return "nats://" + addr, cleanup, nil
}
