// Package docker runs short-lived tool containers to completion and collects their output.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/astriaorg/astria/system-tests/e2e/internal/logging"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type RunSpec struct {
	Image string
	Cmd   []string
	Env   map[string]string

	// HostNetwork runs the container in the host's network namespace so that it can reach
	// port-forwards bound to 127.0.0.1.
	HostNetwork bool

	// ExitTimeout bounds how long to wait for the container to finish.
	ExitTimeout time.Duration
}

type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner starts one-shot containers.
type Runner struct {
	log    *slog.Logger
	docker *client.Client
}

func NewRunner(log *slog.Logger) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Runner{log: log, docker: cli}, nil
}

func (r *Runner) Close() error {
	return r.docker.Close()
}

// Run starts a container from spec, waits for it to exit and returns its exit code and
// demultiplexed output. A non-zero exit code is not an error.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	exitTimeout := spec.ExitTimeout
	if exitTimeout == 0 {
		exitTimeout = 2 * time.Minute
	}

	req := testcontainers.ContainerRequest{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WaitingFor: wait.ForExit().WithExitTimeout(exitTimeout),
		HostConfigModifier: func(hc *dockercontainer.HostConfig) {
			if spec.HostNetwork {
				hc.NetworkMode = "host"
			}
		},
	}

	r.log.Debug("--> Running container", "image", spec.Image, "cmd", spec.Cmd)
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
		Logger:           logging.NewTestcontainersAdapter(r.log),
	})
	if container != nil {
		defer func() {
			if err := testcontainers.TerminateContainer(container); err != nil {
				r.log.Warn("--> Failed to remove container", "image", spec.Image, "error", err)
			}
		}()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to run container %s: %w", spec.Image, err)
	}

	state, err := container.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container state: %w", err)
	}

	logs, err := r.docker.ContainerLogs(ctx, container.GetContainerID(), dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}

	return &RunResult{ExitCode: state.ExitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}
