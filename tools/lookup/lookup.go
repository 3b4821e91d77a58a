package lookup

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/quizzer/config"
	core "github.com/mohammad-safakhou/quizzer/internal/agent/core"
	"github.com/mohammad-safakhou/quizzer/models"
	"github.com/mohammad-safakhou/quizzer/tools/lookup/brave"
	"github.com/mohammad-safakhou/quizzer/tools/lookup/serper"
)

// Searcher is a web search backend.
type Searcher interface {
	Find(ctx context.Context, query string, limit int) ([]models.SearchResult, error)
}

type Provider string

const (
	ProviderBrave  Provider = "brave"
	ProviderSerper Provider = "serper"
)

// NewSearcher picks the backend for the configured provider.
func NewSearcher(cfg config.LookupConfig) (Searcher, error) {
	switch Provider(cfg.Provider) {
	case ProviderBrave:
		return brave.Search{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL}, nil
	case ProviderSerper:
		return serper.Search{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL}, nil
	default:
		return nil, fmt.Errorf("unsupported lookup provider %q", cfg.Provider)
	}
}

// Tool exposes web search to the planner, for tasks whose answers reference
// facts that are not on the quiz page itself.
type Tool struct {
	cfg      config.LookupConfig
	searcher Searcher
	logger   *log.Logger
}

// New builds the lookup tool over the configured provider.
func New(cfg config.LookupConfig, logger *log.Logger) (*Tool, error) {
	searcher, err := NewSearcher(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[LOOKUP] ", log.LstdFlags)
	}
	return &Tool{cfg: cfg, searcher: searcher, logger: logger}, nil
}

func (t *Tool) Name() string { return "lookup" }

func (t *Tool) Validate(args map[string]interface{}) error {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("lookup requires a query argument")
	}
	return nil
}

func (t *Tool) Run(ctx context.Context, inv core.Invocation) (core.ToolResult, error) {
	query, _ := inv.Args["query"].(string)
	query = strings.TrimSpace(query)

	limit := t.cfg.MaxResults
	if limit <= 0 {
		limit = 5
	}

	results, err := t.searcher.Find(ctx, query, limit)
	if err != nil {
		return core.ToolResult{}, core.NewKindError(core.ToolErrIO, fmt.Errorf("lookup %q: %w", query, err))
	}

	t.logger.Printf("session=%s query=%q results=%d", inv.SessionID, query, len(results))
	return core.ToolResult{
		OK: true,
		Payload: map[string]interface{}{
			"query":   query,
			"results": results,
			"count":   len(results),
		},
	}, nil
}
