package render

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/quizzer/config"
	core "github.com/mohammad-safakhou/quizzer/internal/agent/core"
	"github.com/mohammad-safakhou/quizzer/models"
)

type scriptedFetcher struct {
	page  models.CachedPage
	err   error
	calls int
}

func (f *scriptedFetcher) Exec(ctx context.Context, url string) (models.CachedPage, error) {
	f.calls++
	if f.err != nil {
		return models.CachedPage{}, f.err
	}
	return f.page, nil
}

type memCache struct {
	pages map[string]models.CachedPage
}

func newMemCache() *memCache { return &memCache{pages: map[string]models.CachedPage{}} }

func (m *memCache) SavePage(ctx context.Context, page models.CachedPage, ttl time.Duration) error {
	m.pages[page.URL] = page
	return nil
}

func (m *memCache) GetPage(ctx context.Context, url string) (models.CachedPage, error) {
	page, ok := m.pages[url]
	if !ok {
		return models.CachedPage{}, models.ErrPageNotFound
	}
	return page, nil
}

func (m *memCache) DeletePage(ctx context.Context, url string) error {
	delete(m.pages, url)
	return nil
}

func testTool(fetcher Fetcher, cache *memCache, maxChars int) *Tool {
	t := New(config.RenderConfig{MaxChars: maxChars, CacheTTL: time.Minute}, config.TargetPolicyConfig{}, nil, log.New(io.Discard, "", 0))
	t.fetcher = fetcher
	if cache != nil {
		t.cache = cache
	}
	return t
}

func TestValidateRequiresURL(t *testing.T) {
	tool := testTool(&scriptedFetcher{}, nil, 0)
	if err := tool.Validate(map[string]interface{}{}); err == nil {
		t.Fatal("expected error for missing url")
	}
	if err := tool.Validate(map[string]interface{}{"url": "  "}); err == nil {
		t.Fatal("expected error for blank url")
	}
	if err := tool.Validate(map[string]interface{}{"url": "https://quiz.example.com"}); err != nil {
		t.Fatalf("valid url rejected: %v", err)
	}
}

func TestValidateEnforcesTargetPolicy(t *testing.T) {
	policy := config.TargetPolicyConfig{Allow: []string{"quiz.example.com"}}
	tool := New(config.RenderConfig{}, policy, nil, log.New(io.Discard, "", 0))
	if err := tool.Validate(map[string]interface{}{"url": "https://quiz.example.com/t/1"}); err != nil {
		t.Fatalf("allowed host rejected: %v", err)
	}
	if err := tool.Validate(map[string]interface{}{"url": "https://elsewhere.org/t/1"}); err == nil {
		t.Fatal("expected policy rejection for unlisted host")
	}
}

func TestRunReturnsPayload(t *testing.T) {
	fetcher := &scriptedFetcher{page: models.CachedPage{
		URL:    "https://quiz.example.com/t1",
		Title:  "Task",
		Text:   "What is 2+2?",
		HTML:   "<html><body>What is 2+2?</body></html>",
		Images: []string{"https://quiz.example.com/a.png"},
		Status: 200,
	}}
	tool := testTool(fetcher, nil, 0)

	res, err := tool.Run(context.Background(), core.Invocation{SessionID: "s1", Args: map[string]interface{}{"url": "https://quiz.example.com/t1"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.OK {
		t.Fatal("expected OK result")
	}
	if got, _ := res.Payload["text"].(string); got != "What is 2+2?" {
		t.Fatalf("text = %q", got)
	}
	if cached, _ := res.Payload["cached"].(bool); cached {
		t.Fatal("fresh render should not be marked cached")
	}
	if imgs, ok := res.Payload["images"].([]string); !ok || len(imgs) != 1 {
		t.Fatalf("images = %v", res.Payload["images"])
	}
}

func TestRunUsesCache(t *testing.T) {
	cache := newMemCache()
	cache.pages["https://quiz.example.com/t1"] = models.CachedPage{
		URL:  "https://quiz.example.com/t1",
		Text: "cached text",
	}
	fetcher := &scriptedFetcher{}
	tool := testTool(fetcher, cache, 0)

	res, err := tool.Run(context.Background(), core.Invocation{Args: map[string]interface{}{"url": "https://quiz.example.com/t1"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fetcher.calls != 0 {
		t.Fatalf("fetcher called %d times for cached page", fetcher.calls)
	}
	if cached, _ := res.Payload["cached"].(bool); !cached {
		t.Fatal("expected cached=true")
	}
	if got, _ := res.Payload["text"].(string); got != "cached text" {
		t.Fatalf("text = %q", got)
	}
}

func TestRunSavesToCache(t *testing.T) {
	cache := newMemCache()
	fetcher := &scriptedFetcher{page: models.CachedPage{URL: "https://quiz.example.com/t2", Text: "fresh"}}
	tool := testTool(fetcher, cache, 0)

	if _, err := tool.Run(context.Background(), core.Invocation{Args: map[string]interface{}{"url": "https://quiz.example.com/t2"}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := cache.pages["https://quiz.example.com/t2"]; !ok {
		t.Fatal("render was not cached")
	}
}

func TestRunTruncatesLongContent(t *testing.T) {
	long := strings.Repeat("x", 100)
	fetcher := &scriptedFetcher{page: models.CachedPage{URL: "u", Text: long, HTML: long}}
	tool := testTool(fetcher, nil, 10)

	res, err := tool.Run(context.Background(), core.Invocation{Args: map[string]interface{}{"url": "u"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	text, _ := res.Payload["text"].(string)
	if !strings.HasSuffix(text, truncationMarker) {
		t.Fatalf("expected truncation marker, got %q", text)
	}
	if len(text) != 10+len(truncationMarker) {
		t.Fatalf("text length = %d", len(text))
	}
}

func TestRunFetchErrorIsIOKind(t *testing.T) {
	fetcher := &scriptedFetcher{err: errors.New("net::ERR_CONNECTION_REFUSED")}
	tool := testTool(fetcher, nil, 0)

	_, err := tool.Run(context.Background(), core.Invocation{Args: map[string]interface{}{"url": "https://down.example.com"}})
	if err == nil {
		t.Fatal("expected error")
	}
	var kindErr *core.KindError
	if !errors.As(err, &kindErr) || kindErr.Kind != core.ToolErrIO {
		t.Fatalf("expected io_error kind, got %v", err)
	}
}
