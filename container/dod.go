package container

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerRuntime implements Runtime against the Docker Engine API — the
// "docker-on-docker" (dod) backend and the specification's default. The
// client library is the same one the teacher pulls in indirectly through
// testcontainers-go; here it is wired directly rather than only exercised
// through a test harness.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the Docker daemon using the standard
// environment (DOCKER_HOST, etc.).
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("container: connect to docker: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Create implements Runtime, enforcing the isolation guarantees of §4.4:
// networkMode=none, /workspace private, /results read-only, all
// capabilities dropped, no-new-privileges, and the configured PID limit.
func (r *DockerRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	pidLimit := int64(spec.PidLimit)
	name := containerName(spec.WorkerID)

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Env:   env,
		Cmd:   spec.Cmd,
	}, &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyPaths:  []string{spec.ResultsMount},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		PidsLimit:      &pidLimit,
		PortBindings:   nat.PortMap{},
		Binds: []string{
			fmt.Sprintf("%s:/workspace", spec.WorkspaceMount),
			fmt.Sprintf("%s:/results:ro", spec.ResultsMount),
		},
	}, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("container: create %q: %w", name, err)
	}
	return resp.ID, nil
}

// Start implements Runtime.
func (r *DockerRuntime) Start(ctx context.Context, containerID string) error {
	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("container: start %q: %w", containerID, err)
	}
	return nil
}

// Stop implements Runtime.
func (r *DockerRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("container: stop %q: %w", containerID, err)
	}
	return nil
}

// Remove implements Runtime.
func (r *DockerRuntime) Remove(ctx context.Context, containerID string, force bool) error {
	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force}); err != nil {
		return fmt.Errorf("container: remove %q: %w", containerID, err)
	}
	return nil
}

// Inspect implements Runtime.
func (r *DockerRuntime) Inspect(ctx context.Context, containerID string) (Inspection, error) {
	info, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return Inspection{}, fmt.Errorf("container: inspect %q: %w", containerID, err)
	}
	state := StateCreated
	switch {
	case info.State.Running:
		state = StateRunning
	case info.State.Status == "exited":
		state = StateStopped
	}
	started, _ := time.Parse(time.RFC3339Nano, info.State.StartedAt)
	return Inspection{
		ContainerID: info.ID,
		Name:        strings.TrimPrefix(info.Name, "/"),
		State:       state,
		StartedAt:   started,
	}, nil
}

// Logs implements Runtime.
func (r *DockerRuntime) Logs(ctx context.Context, containerID string) (string, error) {
	rc, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("container: logs %q: %w", containerID, err)
	}
	defer rc.Close() //nolint:errcheck

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("container: read logs %q: %w", containerID, err)
	}
	return string(data), nil
}
