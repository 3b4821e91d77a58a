package execute

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mohammad-safakhou/quizzer/config"
	core "github.com/mohammad-safakhou/quizzer/internal/agent/core"
	"github.com/mohammad-safakhou/quizzer/internal/runtime"
)

const (
	scriptName       = "main.py"
	truncationMarker = "... [TRUNCATED DUE TO SIZE]"
)

// RunSpec describes one sandboxed code execution.
type RunSpec struct {
	Workspace string
	Script    string // file name inside the workspace
}

// RunResult carries the observable outcome of a run. A non-zero exit code
// is a valid result, not an error.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner performs one execution of a prepared script.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (RunResult, error)
}

// Tool writes planner-supplied code into the session workspace and executes
// it under the configured runtime (docker container or local subprocess).
// Files that appear in the workspace during the run are recorded as
// artifacts.
type Tool struct {
	cfg      config.ExecuteConfig
	enforcer *runtime.ExecEnforcer
	runner   Runner
	logger   *log.Logger
}

func New(cfg config.ExecuteConfig, enforcer *runtime.ExecEnforcer, logger *log.Logger) (*Tool, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[EXECUTE] ", log.LstdFlags)
	}
	var runner Runner
	switch cfg.Runtime {
	case "docker":
		runner = NewDockerRunner(cfg)
	case "local":
		if len(cfg.Command) == 0 {
			return nil, fmt.Errorf("tools.execute.command required for local runtime")
		}
		runner = NewLocalRunner(cfg)
	default:
		return nil, fmt.Errorf("unsupported execute runtime: %s", cfg.Runtime)
	}
	return &Tool{cfg: cfg, enforcer: enforcer, runner: runner, logger: logger}, nil
}

func (t *Tool) Name() string { return "execute" }

func (t *Tool) Validate(args map[string]interface{}) error {
	code, _ := args["code"].(string)
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("execute requires a code argument")
	}
	return nil
}

func (t *Tool) Run(ctx context.Context, inv core.Invocation) (core.ToolResult, error) {
	code, _ := inv.Args["code"].(string)

	req := runtime.ExecRequest{Runtime: t.cfg.Runtime, Timeout: t.cfg.Timeout}
	if err := t.enforcer.Validate(ctx, &req); err != nil {
		return core.ToolResult{}, core.NewKindError(core.ToolErrInvalidArguments, err)
	}

	scriptPath := filepath.Join(inv.Workspace, scriptName)
	if err := os.WriteFile(scriptPath, []byte(code), 0o644); err != nil {
		return core.ToolResult{}, core.NewKindError(core.ToolErrIO, fmt.Errorf("write script: %w", err))
	}

	before := snapshotDir(inv.Workspace)
	watcher, err := NewWatcher(inv.Workspace)
	if err != nil {
		return core.ToolResult{}, core.NewKindError(core.ToolErrIO, fmt.Errorf("watch workspace: %w", err))
	}

	start := time.Now()
	res, runErr := t.runner.Run(ctx, RunSpec{Workspace: inv.Workspace, Script: scriptName})
	created := watcher.Stop()
	// The directory diff backstops events still in flight when the watcher
	// closed.
	for name := range snapshotDir(inv.Workspace) {
		if _, ok := before[name]; !ok {
			created = append(created, filepath.Join(inv.Workspace, name))
		}
	}
	if runErr != nil {
		return core.ToolResult{}, runErr
	}

	artifacts := collectArtifacts(created, scriptPath)
	t.logger.Printf("ran session=%s exit=%d stdout=%dB stderr=%dB artifacts=%d elapsed=%s",
		inv.SessionID, res.ExitCode, len(res.Stdout), len(res.Stderr), len(artifacts), time.Since(start).Round(time.Millisecond))

	return core.ToolResult{
		OK: true,
		Payload: map[string]interface{}{
			"stdout":    truncate(res.Stdout, t.cfg.MaxOutput),
			"stderr":    truncate(res.Stderr, t.cfg.MaxOutput),
			"exit_code": res.ExitCode,
		},
		Artifacts: artifacts,
	}, nil
}

// installer droppings are part of the runtime, not quiz artifacts.
var ignoredArtifacts = map[string]struct{}{
	"uv.lock":        {},
	"pyproject.toml": {},
	"__pycache__":    {},
}

func snapshotDir(dir string) map[string]struct{} {
	out := make(map[string]struct{})
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		out[e.Name()] = struct{}{}
	}
	return out
}

func collectArtifacts(paths []string, scriptPath string) []core.Artifact {
	now := time.Now()
	seen := make(map[string]struct{}, len(paths))
	var out []core.Artifact
	for _, p := range paths {
		if p == scriptPath {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		base := filepath.Base(p)
		if strings.HasPrefix(base, ".") {
			continue
		}
		if _, skip := ignoredArtifacts[base]; skip {
			continue
		}
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		out = append(out, core.Artifact{
			Name:         base,
			LocalPath:    p,
			OriginalName: base,
			SourceTool:   "execute",
			Size:         info.Size(),
			CreatedAt:    now,
		})
	}
	return out
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + truncationMarker
}
