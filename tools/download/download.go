package download

import (
	"context"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/mohammad-safakhou/quizzer/config"
	core "github.com/mohammad-safakhou/quizzer/internal/agent/core"
)

// copyBufSize keeps downloads streaming instead of buffering whole files.
const copyBufSize = 8 * 1024

// Tool streams a remote file into the session workspace and records it as
// an artifact.
type Tool struct {
	cfg    config.DownloadConfig
	policy config.TargetPolicyConfig
	client *http.Client
	logger *log.Logger
}

func New(cfg config.DownloadConfig, policy config.TargetPolicyConfig, logger *log.Logger) *Tool {
	if logger == nil {
		logger = log.New(log.Writer(), "[DOWNLOAD] ", log.LstdFlags)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Tool{
		cfg:    cfg,
		policy: policy.Normalize(),
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (t *Tool) Name() string { return "download" }

func (t *Tool) Validate(args map[string]interface{}) error {
	target, _ := args["url"].(string)
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("download requires a url argument")
	}
	if _, err := url.ParseRequestURI(strings.TrimSpace(target)); err != nil {
		return fmt.Errorf("download url is not parseable: %v", err)
	}
	return t.policy.Permits(target)
}

func (t *Tool) Run(ctx context.Context, inv core.Invocation) (core.ToolResult, error) {
	target, _ := inv.Args["url"].(string)
	target = strings.TrimSpace(target)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return core.ToolResult{}, core.NewKindError(core.ToolErrInvalidArguments, err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return core.ToolResult{}, core.NewKindError(core.ToolErrIO, fmt.Errorf("download %s: %w", target, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return core.ToolResult{}, core.NewKindError(core.ToolErrIO, fmt.Errorf("download %s: status %d", target, resp.StatusCode))
	}

	name := fileName(inv.Args, resp, target)
	dest := filepath.Join(inv.Workspace, name)
	out, err := os.Create(dest)
	if err != nil {
		return core.ToolResult{}, core.NewKindError(core.ToolErrIO, fmt.Errorf("create %s: %w", dest, err))
	}
	defer out.Close()

	written, err := t.copyLimited(out, resp.Body)
	if err != nil {
		os.Remove(dest)
		return core.ToolResult{}, core.NewKindError(core.ToolErrIO, fmt.Errorf("download %s: %w", target, err))
	}

	artifact := core.Artifact{
		Name:         name,
		LocalPath:    dest,
		OriginalName: name,
		SourceTool:   "download",
		Size:         written,
		CreatedAt:    time.Now(),
	}
	t.logger.Printf("saved session=%s url=%s name=%s bytes=%d", inv.SessionID, target, name, written)
	return core.ToolResult{
		OK: true,
		Payload: map[string]interface{}{
			"name":         name,
			"bytes":        written,
			"content_type": resp.Header.Get("Content-Type"),
			"status":       resp.StatusCode,
		},
		Artifacts: []core.Artifact{artifact},
	}, nil
}

// copyLimited streams the body in 8KiB chunks and fails once the configured
// byte cap is crossed.
func (t *Tool) copyLimited(dst io.Writer, src io.Reader) (int64, error) {
	limit := t.cfg.MaxBytes
	if limit <= 0 {
		limit = 100 << 20
	}
	buf := make([]byte, copyBufSize)
	written, err := io.CopyBuffer(dst, io.LimitReader(src, limit+1), buf)
	if err != nil {
		return written, err
	}
	if written > limit {
		return written, fmt.Errorf("size exceeds max_bytes %d", limit)
	}
	return written, nil
}

// fileName picks the artifact name: explicit filename arg, then the
// Content-Disposition header, then the URL path, never anything that can
// escape the workspace.
func fileName(args map[string]interface{}, resp *http.Response, target string) string {
	if v, ok := args["filename"].(string); ok && strings.TrimSpace(v) != "" {
		return sanitize(v)
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if v := params["filename"]; v != "" {
				return sanitize(v)
			}
		}
	}
	if u, err := url.Parse(target); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return sanitize(base)
		}
	}
	return "download"
}

func sanitize(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.Trim(name, ". ")
	if name == "" || name == "/" || name == "\\" {
		return "download"
	}
	return name
}
