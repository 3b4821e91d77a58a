package chromedp

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
	"github.com/mohammad-safakhou/quizzer/models"
)

type Fetch struct {
	Timeout  time.Duration // Overall navigation budget
	Headless bool
}

func (f Fetch) Exec(ctx context.Context, target string) (models.CachedPage, error) {
	if strings.TrimSpace(target) == "" {
		return models.CachedPage{}, errors.New("invalid url")
	}

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	t0 := time.Now()

	// Headless browsing
	html, images, err := fetchHTML(ctx, target, f.Headless)
	if err != nil {
		return models.CachedPage{}, err
	}

	// Extract content using readability; on failure keep the raw HTML so
	// the caller can still inspect the page.
	var title, text string
	if article, err := readability.FromReader(strings.NewReader(html), mustParseURL(target)); err == nil {
		title = strings.TrimSpace(article.Title)
		text = strings.TrimSpace(article.TextContent)
	}

	return models.CachedPage{
		URL:       target,
		Title:     title,
		HTML:      html,
		Text:      text,
		Images:    images,
		Status:    200,
		RenderMS:  int(time.Since(t0) / time.Millisecond),
		FetchedAt: time.Now(),
	}, nil
}

func fetchHTML(ctx context.Context, target string, headless bool) (string, []string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.UserAgent("QuizzerAgent/1.0 (+contact@example.com)"),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	var images []string
	err := chromedp.Run(bctx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Evaluate(`Array.from(document.images).map(i => i.src)`, &images),
	)
	return html, images, err
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
