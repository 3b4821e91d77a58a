package serper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mohammad-safakhou/quizzer/models"
)

const defaultBaseURL = "https://google.serper.dev"

// Search queries the Serper Google-search API.
// https://serper.dev/ docs
type Search struct {
	APIKey  string
	BaseURL string       // defaults to the public endpoint
	Client  *http.Client // defaults to http.DefaultClient
}

func (s Search) Find(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	base := strings.TrimRight(s.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	body, err := json.Marshal(map[string]interface{}{"q": query, "num": limit})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("serper search status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	var out []models.SearchResult
	for i, r := range raw.Organic {
		if i >= limit {
			break
		}
		out = append(out, models.SearchResult{Title: r.Title, URL: r.Link, Snippet: r.Snippet})
	}
	return out, nil
}

func (s Search) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}
