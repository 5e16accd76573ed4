// Package testinfra starts the broker and database containers used by
// integration tests.
package testinfra

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	startupTimeout     = 60 * time.Second
	terminationTimeout = 10 * time.Second
)

// StopFunc terminates a started container
type StopFunc func() error

// StartRabbitMQ starts a RabbitMQ broker and returns its AMQP URL
func StartRabbitMQ(ctx context.Context) (string, StopFunc, error) {
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-management",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.NewExecStrategy([]string{"rabbitmq-diagnostics", "check_port_connectivity"}).WithStartupTimeout(startupTimeout),
	}
	rabbitmqC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("error creating rabbitmq container: %w", err)
	}

	host, err := rabbitmqC.Host(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("error resolving rabbitmq host: %w", err)
	}
	port, err := rabbitmqC.MappedPort(ctx, "5672/tcp")
	if err != nil {
		return "", nil, fmt.Errorf("error resolving rabbitmq port: %w", err)
	}

	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
	return url, terminator(rabbitmqC), nil
}

// StartMongoDB starts a single node replica set, which change streams
// require, and returns a URI connecting directly to it.
func StartMongoDB(ctx context.Context) (string, StopFunc, error) {
	req := testcontainers.ContainerRequest{
		Image:        "mongo:7",
		Cmd:          []string{"--replSet", "rs0", "--bind_ip_all"},
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.NewExecStrategy([]string{"mongosh", "--quiet", "--eval", "db.runCommand({ping: 1})"}).WithStartupTimeout(startupTimeout),
	}
	mongodbC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("error creating mongodb container: %w", err)
	}
	stop := terminator(mongodbC)

	initiate := []string{"mongosh", "--quiet", "--eval",
		"rs.initiate({_id: 'rs0', members: [{_id: 0, host: 'localhost:27017'}]})"}
	if code, _, err := mongodbC.Exec(ctx, initiate); err != nil || code != 0 {
		stop()
		return "", nil, fmt.Errorf("error initiating replica set (exit code %d): %v", code, err)
	}

	isPrimary := []string{"mongosh", "--quiet", "--eval", "quit(db.hello().isWritablePrimary ? 0 : 1)"}
	deadline := time.Now().Add(startupTimeout)
	for {
		code, _, err := mongodbC.Exec(ctx, isPrimary)
		if err == nil && code == 0 {
			break
		}
		if time.Now().After(deadline) {
			stop()
			return "", nil, fmt.Errorf("replica set did not elect a primary within %s", startupTimeout)
		}
		time.Sleep(250 * time.Millisecond)
	}

	host, err := mongodbC.Host(ctx)
	if err != nil {
		stop()
		return "", nil, fmt.Errorf("error resolving mongodb host: %w", err)
	}
	port, err := mongodbC.MappedPort(ctx, "27017/tcp")
	if err != nil {
		stop()
		return "", nil, fmt.Errorf("error resolving mongodb port: %w", err)
	}

	uri := fmt.Sprintf("mongodb://%s:%s/?directConnection=true", host, port.Port())
	return uri, stop, nil
}

func terminator(c testcontainers.Container) StopFunc {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), terminationTimeout)
		defer cancel()
		return c.Terminate(ctx)
	}
}
