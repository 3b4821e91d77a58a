package execute

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/mohammad-safakhou/quizzer/config"
	core "github.com/mohammad-safakhou/quizzer/internal/agent/core"
)

// DockerRunner executes the script in a throwaway container with no network
// and hard memory/cpu/pids limits. The workspace is bind-mounted so quiz
// artifacts written by the script land on the host.
type DockerRunner struct {
	cfg config.ExecuteConfig
}

func NewDockerRunner(cfg config.ExecuteConfig) *DockerRunner {
	return &DockerRunner{cfg: cfg}
}

func (r *DockerRunner) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return RunResult{}, core.NewKindError(core.ToolErrUnavailable, fmt.Errorf("docker client: %w", err))
	}
	defer cli.Close()

	pids := r.cfg.PidsLimit
	hostCfg := &container.HostConfig{
		Binds:       []string{spec.Workspace + ":/workspace"},
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:    r.cfg.MemoryMB << 20,
			CPUQuota:  r.cfg.CPUQuota,
			PidsLimit: &pids,
		},
	}
	created, err := cli.ContainerCreate(ctx, &container.Config{
		Image:           r.cfg.Image,
		Cmd:             []string{"python", "/workspace/" + spec.Script},
		WorkingDir:      "/workspace",
		NetworkDisabled: true,
	}, hostCfg, nil, nil, "")
	if err != nil {
		return RunResult{}, core.NewKindError(core.ToolErrUnavailable, fmt.Errorf("container create: %w", err))
	}
	defer func() {
		_ = cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
	}()

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return RunResult{}, fmt.Errorf("container start: %w", err)
	}

	exitCode := 0
	statusCh, errCh := cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case waitErr := <-errCh:
		if ctx.Err() != nil {
			return RunResult{}, ctx.Err()
		}
		return RunResult{}, fmt.Errorf("container wait: %w", waitErr)
	}

	logs, err := cli.ContainerLogs(context.Background(), created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return RunResult{ExitCode: exitCode}, fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil && err != io.EOF {
		return RunResult{ExitCode: exitCode}, fmt.Errorf("read logs: %w", err)
	}
	return RunResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}
