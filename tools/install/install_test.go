package install

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/mohammad-safakhou/quizzer/config"
	core "github.com/mohammad-safakhou/quizzer/internal/agent/core"
	"github.com/mohammad-safakhou/quizzer/internal/runtime"
)

func testTool(t *testing.T, command []string, allowlist []string) *Tool {
	t.Helper()
	cfg := config.InstallConfig{Command: command, Timeout: 30 * time.Second, Allowlist: allowlist}
	enforcer := runtime.NewExecEnforcer(&runtime.ExecPolicy{Runtime: "local", Timeout: time.Minute, Allowlist: allowlist})
	tool, err := New(cfg, enforcer, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tool
}

func TestValidatePackagesArg(t *testing.T) {
	tool := testTool(t, []string{"true"}, nil)

	if err := tool.Validate(map[string]interface{}{}); err == nil {
		t.Fatal("expected error for missing packages")
	}
	if err := tool.Validate(map[string]interface{}{"packages": []interface{}{}}); err == nil {
		t.Fatal("expected error for empty packages")
	}
	if err := tool.Validate(map[string]interface{}{"packages": "numpy"}); err == nil {
		t.Fatal("expected error for non-list packages")
	}
	if err := tool.Validate(map[string]interface{}{"packages": []interface{}{"numpy", 7}}); err == nil {
		t.Fatal("expected error for non-string entry")
	}
	if err := tool.Validate(map[string]interface{}{"packages": []interface{}{"numpy"}}); err != nil {
		t.Fatalf("planner-shaped list rejected: %v", err)
	}
	if err := tool.Validate(map[string]interface{}{"packages": []string{"numpy"}}); err != nil {
		t.Fatalf("loop-shaped list rejected: %v", err)
	}
}

func TestRunInstallsEachPackage(t *testing.T) {
	// true exits 0 for any argument, standing in for a real installer.
	tool := testTool(t, []string{"true"}, nil)
	res, err := tool.Run(context.Background(), core.Invocation{
		SessionID: "s1",
		Workspace: t.TempDir(),
		Args:      map[string]interface{}{"packages": []string{"numpy", "pillow==10.2.0"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.OK {
		t.Fatal("expected OK")
	}
	if installed, _ := res.Payload["installed"].(int); installed != 2 {
		t.Fatalf("installed = %v", res.Payload["installed"])
	}
	results, _ := res.Payload["results"].(map[string]interface{})
	if results["numpy"] != "ok" || results["pillow==10.2.0"] != "ok" {
		t.Fatalf("results = %v", results)
	}
}

func TestRunReportsPerPackageFailure(t *testing.T) {
	// false exits 1, so every package fails without erroring the tool.
	tool := testTool(t, []string{"false"}, nil)
	res, err := tool.Run(context.Background(), core.Invocation{
		Workspace: t.TempDir(),
		Args:      map[string]interface{}{"packages": []string{"numpy"}},
	})
	if err != nil {
		t.Fatalf("per-package failure must not error the tool, got %v", err)
	}
	if installed, _ := res.Payload["installed"].(int); installed != 0 {
		t.Fatalf("installed = %v", res.Payload["installed"])
	}
	results, _ := res.Payload["results"].(map[string]interface{})
	if results["numpy"] == "ok" {
		t.Fatal("expected failure recorded for numpy")
	}
}

func TestRunRejectsUnsafeNames(t *testing.T) {
	tool := testTool(t, []string{"true"}, nil)
	_, err := tool.Run(context.Background(), core.Invocation{
		Workspace: t.TempDir(),
		Args:      map[string]interface{}{"packages": []string{"--pre"}},
	})
	var kindErr *core.KindError
	if !errors.As(err, &kindErr) || kindErr.Kind != core.ToolErrInvalidArguments {
		t.Fatalf("expected invalid_arguments kind, got %v", err)
	}
}

func TestRunEnforcesAllowlist(t *testing.T) {
	tool := testTool(t, []string{"true"}, []string{"numpy"})
	if _, err := tool.Run(context.Background(), core.Invocation{
		Workspace: t.TempDir(),
		Args:      map[string]interface{}{"packages": []string{"requests"}},
	}); err == nil {
		t.Fatal("expected allowlist rejection")
	}
	if _, err := tool.Run(context.Background(), core.Invocation{
		Workspace: t.TempDir(),
		Args:      map[string]interface{}{"packages": []string{"numpy"}},
	}); err != nil {
		t.Fatalf("allowlisted package rejected: %v", err)
	}
}

func TestRunMissingInstaller(t *testing.T) {
	tool := testTool(t, []string{"definitely-not-an-installer-xyz"}, nil)
	_, err := tool.Run(context.Background(), core.Invocation{
		Workspace: t.TempDir(),
		Args:      map[string]interface{}{"packages": []string{"numpy"}},
	})
	var kindErr *core.KindError
	if !errors.As(err, &kindErr) || kindErr.Kind != core.ToolErrUnavailable {
		t.Fatalf("expected unavailable kind, got %v", err)
	}
}
