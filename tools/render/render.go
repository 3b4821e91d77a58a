package render

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/quizzer/config"
	core "github.com/mohammad-safakhou/quizzer/internal/agent/core"
	"github.com/mohammad-safakhou/quizzer/models"
	"github.com/mohammad-safakhou/quizzer/repository"
	chromedp_fetcher "github.com/mohammad-safakhou/quizzer/tools/render/chromedp"
)

const truncationMarker = "... [TRUNCATED DUE TO SIZE]"

// Fetcher loads a page in a browser and returns the extracted snapshot.
type Fetcher interface {
	Exec(ctx context.Context, url string) (models.CachedPage, error)
}

// Tool renders a quiz page headlessly and hands its text to the planner.
// Renders are cached by URL so repeated inspections of the same target do
// not pay the browser cost twice.
type Tool struct {
	cfg     config.RenderConfig
	policy  config.TargetPolicyConfig
	fetcher Fetcher
	cache   repository.PageCache
	logger  *log.Logger
}

// New builds the render tool. cache may be nil, which disables caching.
func New(cfg config.RenderConfig, policy config.TargetPolicyConfig, cache repository.PageCache, logger *log.Logger) *Tool {
	if logger == nil {
		logger = log.New(log.Writer(), "[RENDER] ", log.LstdFlags)
	}
	return &Tool{
		cfg:     cfg,
		policy:  policy.Normalize(),
		fetcher: chromedp_fetcher.Fetch{Timeout: cfg.Timeout, Headless: cfg.Headless},
		cache:   cache,
		logger:  logger,
	}
}

func (t *Tool) Name() string { return "render" }

func (t *Tool) Validate(args map[string]interface{}) error {
	target, _ := args["url"].(string)
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("render requires a url argument")
	}
	return t.policy.Permits(target)
}

func (t *Tool) Run(ctx context.Context, inv core.Invocation) (core.ToolResult, error) {
	target, _ := inv.Args["url"].(string)
	target = strings.TrimSpace(target)

	if t.cache != nil {
		if page, err := t.cache.GetPage(ctx, target); err == nil {
			t.logger.Printf("cache hit session=%s url=%s", inv.SessionID, target)
			return t.result(page, true), nil
		}
	}

	page, err := t.fetcher.Exec(ctx, target)
	if err != nil {
		return core.ToolResult{}, core.NewKindError(core.ToolErrIO, fmt.Errorf("render %s: %w", target, err))
	}

	if t.cache != nil && t.cfg.CacheTTL > 0 {
		if err := t.cache.SavePage(ctx, page, t.cfg.CacheTTL); err != nil {
			t.logger.Printf("cache save failed url=%s err=%v", target, err)
		}
	}
	return t.result(page, false), nil
}

func (t *Tool) result(page models.CachedPage, cached bool) core.ToolResult {
	text := truncate(page.Text, t.cfg.MaxChars)
	html := truncate(page.HTML, t.cfg.MaxChars)
	return core.ToolResult{
		OK: true,
		Payload: map[string]interface{}{
			"url":       page.URL,
			"title":     page.Title,
			"text":      text,
			"html":      html,
			"images":    page.Images,
			"status":    page.Status,
			"render_ms": page.RenderMS,
			"cached":    cached,
		},
	}
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + truncationMarker
}
