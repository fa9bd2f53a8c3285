package shell

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Sandbox runs commands in a throwaway Docker container with networking
// disabled and the workspace bind-mounted at /workspace. Selected by config
// when host execution is too permissive.
type Sandbox struct {
	cli   *client.Client
	image string
}

// NewSandbox connects to the Docker daemon from the environment.
func NewSandbox(image string) (*Sandbox, error) {
	if image == "" {
		image = "alpine:3.20"
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Sandbox{cli: cli, image: image}, nil
}

// Run implements Runner. One container per command; the context deadline
// covers create, run, and log collection.
func (s *Sandbox) Run(ctx context.Context, command, dir string) (string, error) {
	created, err := s.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           s.image,
			Cmd:             []string{"/bin/sh", "-c", command},
			WorkingDir:      "/workspace",
			NetworkDisabled: true,
		},
		&container.HostConfig{
			Binds: []string{dir + ":/workspace"},
			Resources: container.Resources{
				Memory:   512 * 1024 * 1024,
				NanoCPUs: 1_000_000_000,
			},
		},
		nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	id := created.ID
	defer func() {
		// Removal uses a fresh context so a timed-out command still cleans up.
		s.cli.ContainerRemove(context.WithoutCancel(ctx), id, container.RemoveOptions{Force: true})
	}()

	if err := s.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}

	waitCh, errCh := s.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case res := <-waitCh:
		exitCode = res.StatusCode
	case err := <-errCh:
		return "", fmt.Errorf("wait: %w", err)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	logs, err := s.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return "", fmt.Errorf("read logs: %w", err)
	}

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	if exitCode != 0 {
		return output, fmt.Errorf("exit status %d", exitCode)
	}
	return output, nil
}

var _ Runner = (*Sandbox)(nil)
