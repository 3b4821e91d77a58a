package execute

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/mohammad-safakhou/quizzer/config"
	core "github.com/mohammad-safakhou/quizzer/internal/agent/core"
)

// LocalRunner executes the script with the configured interpreter command
// (uv run by default) as a subprocess rooted in the workspace.
type LocalRunner struct {
	cfg config.ExecuteConfig
}

func NewLocalRunner(cfg config.ExecuteConfig) *LocalRunner {
	return &LocalRunner{cfg: cfg}
}

func (r *LocalRunner) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	args := append([]string{}, r.cfg.Command[1:]...)
	args = append(args, spec.Script)
	cmd := exec.CommandContext(ctx, r.cfg.Command[0], args...)
	cmd.Dir = spec.Workspace
	cmd.Env = os.Environ()
	// Children inheriting the output pipes must not pin Wait past the kill.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if errors.Is(err, exec.ErrNotFound) {
			return res, core.NewKindError(core.ToolErrUnavailable, err)
		}
		return res, err
	}
	return res, nil
}
