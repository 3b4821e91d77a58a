package install

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mohammad-safakhou/quizzer/config"
	core "github.com/mohammad-safakhou/quizzer/internal/agent/core"
	"github.com/mohammad-safakhou/quizzer/internal/runtime"
)

// Tool installs planner-requested dependencies into the session workspace
// with the configured installer (uv add by default). Every name passes the
// safe-name pattern and the allowlist before the installer sees it.
type Tool struct {
	cfg      config.InstallConfig
	enforcer *runtime.ExecEnforcer
	logger   *log.Logger
}

func New(cfg config.InstallConfig, enforcer *runtime.ExecEnforcer, logger *log.Logger) (*Tool, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[INSTALL] ", log.LstdFlags)
	}
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("tools.install.command required")
	}
	return &Tool{cfg: cfg, enforcer: enforcer, logger: logger}, nil
}

func (t *Tool) Name() string { return "install" }

func (t *Tool) Validate(args map[string]interface{}) error {
	pkgs, err := packageList(args)
	if err != nil {
		return err
	}
	if len(pkgs) == 0 {
		return fmt.Errorf("install requires a non-empty packages list")
	}
	return nil
}

func (t *Tool) Run(ctx context.Context, inv core.Invocation) (core.ToolResult, error) {
	pkgs, err := packageList(inv.Args)
	if err != nil {
		return core.ToolResult{}, core.NewKindError(core.ToolErrInvalidArguments, err)
	}
	if err := t.enforcer.ValidatePackages(ctx, pkgs); err != nil {
		return core.ToolResult{}, core.NewKindError(core.ToolErrInvalidArguments, err)
	}

	// One installer run per package so a broken dependency does not sink
	// the whole request.
	results := make(map[string]interface{}, len(pkgs))
	installed := 0
	for _, pkg := range pkgs {
		if err := t.installOne(ctx, inv.Workspace, pkg); err != nil {
			if errors.Is(err, exec.ErrNotFound) {
				return core.ToolResult{}, core.NewKindError(core.ToolErrUnavailable, err)
			}
			if ctx.Err() != nil {
				return core.ToolResult{}, ctx.Err()
			}
			results[pkg] = err.Error()
			continue
		}
		results[pkg] = "ok"
		installed++
	}
	t.logger.Printf("session=%s requested=%d installed=%d", inv.SessionID, len(pkgs), installed)

	return core.ToolResult{
		OK: true,
		Payload: map[string]interface{}{
			"results":   results,
			"installed": installed,
			"requested": len(pkgs),
		},
	}, nil
}

func (t *Tool) installOne(ctx context.Context, workspace, pkg string) error {
	timeout := t.cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{}, t.cfg.Command[1:]...)
	args = append(args, pkg)
	cmd := exec.CommandContext(runCtx, t.cfg.Command[0], args...)
	cmd.Dir = workspace
	cmd.Env = os.Environ()
	cmd.WaitDelay = time.Second

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return err
		}
		detail := strings.TrimSpace(combined.String())
		if len(detail) > 400 {
			detail = detail[:400]
		}
		if detail == "" {
			return fmt.Errorf("install failed: %v", err)
		}
		return fmt.Errorf("install failed: %s", detail)
	}
	return nil
}

// packageList accepts both []string (loop-built requests) and
// []interface{} (planner JSON).
func packageList(args map[string]interface{}) ([]string, error) {
	raw, ok := args["packages"]
	if !ok || raw == nil {
		return nil, fmt.Errorf("install requires a packages argument")
	}
	switch v := raw.(type) {
	case []string:
		return compact(v), nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("packages entries must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return compact(out), nil
	default:
		return nil, fmt.Errorf("packages must be a list of strings, got %T", raw)
	}
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
