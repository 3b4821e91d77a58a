package models

import (
	"errors"
	"time"
)

// ErrPageNotFound is returned when no cached render exists for a URL
var ErrPageNotFound = errors.New("page not found")

// CachedPage is a rendered page snapshot stored by the page cache.
type CachedPage struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	HTML      string    `json:"html"`
	Text      string    `json:"text"`
	Images    []string  `json:"images"`
	Status    int       `json:"status"`
	RenderMS  int       `json:"render_ms"`
	FetchedAt time.Time `json:"fetched_at"`
}

// SearchResult is one hit returned by a lookup backend.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}
