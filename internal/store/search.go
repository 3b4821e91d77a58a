package store

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve"

	core "github.com/mohammad-safakhou/quizzer/internal/agent/core"
)

// TranscriptDoc is the searchable projection of an archived session.
type TranscriptDoc struct {
	SessionID  string    `json:"session_id"`
	Email      string    `json:"email"`
	Status     string    `json:"status"`
	Targets    string    `json:"targets"`
	Text       string    `json:"text"`
	FinishedAt time.Time `json:"finished_at"`
}

// SearchHit is one transcript search result.
type SearchHit struct {
	SessionID string  `json:"session_id"`
	Email     string  `json:"email"`
	Status    string  `json:"status"`
	Snippet   string  `json:"snippet"`
	Score     float64 `json:"score"`
	Rank      int     `json:"rank"`
}

// TranscriptIndex is a BM25 index over archived session transcripts.
// An empty path keeps the index in memory only.
type TranscriptIndex struct {
	mu    sync.Mutex
	index bleve.Index
}

func NewTranscriptIndex(path string) (*TranscriptIndex, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
		if err != nil {
			return nil, err
		}
		return &TranscriptIndex{index: idx}, nil
	}
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, err
	}
	return &TranscriptIndex{index: idx}, nil
}

// IndexSession adds a finished session's transcript to the index. Reindexing
// the same session replaces the previous document.
func (ti *TranscriptIndex) IndexSession(sess *core.Session) error {
	if sess == nil {
		return fmt.Errorf("session required")
	}
	doc := transcriptDoc(sess)
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.index.Index(doc.SessionID, doc)
}

// Search runs a query-string search and returns ranked hits with snippets.
func (ti *TranscriptIndex) Search(q string, limit int) ([]SearchHit, error) {
	if strings.TrimSpace(q) == "" {
		return nil, fmt.Errorf("query required")
	}
	if limit <= 0 {
		limit = 10
	}
	query := bleve.NewQueryStringQuery(q)
	searchReq := bleve.NewSearchRequestOptions(query, limit, 0, false)
	searchReq.Highlight = bleve.NewHighlightWithStyle("html")
	searchReq.Fields = []string{"email", "status", "text"}
	res, err := ti.index.Search(searchReq)
	if err != nil {
		return nil, err
	}
	var out []SearchHit
	for i, hit := range res.Hits {
		h := SearchHit{SessionID: hit.ID, Score: hit.Score, Rank: i + 1}
		if v, ok := hit.Fields["email"].(string); ok {
			h.Email = v
		}
		if v, ok := hit.Fields["status"].(string); ok {
			h.Status = v
		}
		if frags, ok := hit.Fragments["text"]; ok && len(frags) > 0 {
			h.Snippet = frags[0]
		} else if v, ok := hit.Fields["text"].(string); ok {
			h.Snippet = snippet(v)
		}
		out = append(out, h)
	}
	return out, nil
}

func (ti *TranscriptIndex) Close() error {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.index.Close()
}

// transcriptDoc flattens the turn history into one searchable text blob plus
// the targets the session visited.
func transcriptDoc(sess *core.Session) TranscriptDoc {
	sum := sess.Summary()

	var text strings.Builder
	var targets []string
	seen := map[string]struct{}{}
	addTarget := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		targets = append(targets, u)
	}

	for _, t := range sess.TurnHistory() {
		switch t.Action.Type {
		case core.ActionInvokeTool:
			fmt.Fprintf(&text, "tool %s", t.Action.Tool)
			if u, ok := t.Action.Args["url"].(string); ok {
				fmt.Fprintf(&text, " %s", u)
			}
			text.WriteByte('\n')
		case core.ActionSubmitAnswer:
			fmt.Fprintf(&text, "answer %v\n", t.Action.Answer)
		case core.ActionRequestDependency:
			fmt.Fprintf(&text, "install %s\n", strings.Join(t.Action.Packages, " "))
		case core.ActionStop:
			fmt.Fprintf(&text, "stop %s\n", t.Action.Reason)
		}
		if t.Result.Summary != "" {
			text.WriteString(t.Result.Summary)
			text.WriteByte('\n')
		}
		if t.Result.Error != "" {
			text.WriteString(t.Result.Error)
			text.WriteByte('\n')
		}
		if t.Result.Submission != nil {
			if t.Result.Submission.Reason != "" {
				text.WriteString(t.Result.Submission.Reason)
				text.WriteByte('\n')
			}
			addTarget(t.Result.Submission.NextTarget)
		}
	}
	addTarget(sum.CurrentTarget)

	return TranscriptDoc{
		SessionID:  sum.ID,
		Email:      sum.Email,
		Status:     string(sum.Status),
		Targets:    strings.Join(targets, " "),
		Text:       text.String(),
		FinishedAt: sum.FinishedAt,
	}
}

func snippet(s string) string {
	if len(s) <= 300 {
		return s
	}
	return s[:300] + "..."
}
