package server

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	core "github.com/mohammad-safakhou/quizzer/internal/agent/core"
	"github.com/mohammad-safakhou/quizzer/internal/store"
)

const (
	defaultListLimit   = 50
	defaultSearchLimit = 20
)

// SessionsHandler serves the operator view over live and archived sessions.
type SessionsHandler struct {
	Supervisor *core.Supervisor
	Store      *store.Store
	Index      *store.TranscriptIndex
}

func (h *SessionsHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.GET("/search", h.search)
	g.GET("/:id", h.get)
	g.GET("/:id/turns", h.turns)
	g.DELETE("/:id", h.cancel)
}

// ListSessions
//
//	@Summary		List sessions
//	@Description	Merged view of live sessions and the archive, newest first
//	@Tags			sessions
//	@Produce		json
//	@Param			limit	query		int	false	"max sessions returned"
//	@Success		200		{object}	SessionListResponse
//	@Failure		500		{object}	HTTPError
//	@Router			/api/sessions [get]
func (h *SessionsHandler) list(c echo.Context) error {
	limit := queryInt(c, "limit", defaultListLimit)

	out := make([]SessionResponse, 0, limit)
	seen := make(map[string]struct{})
	for _, sum := range h.Supervisor.List() {
		out = append(out, fromSummary(sum))
		seen[sum.ID] = struct{}{}
	}
	if h.Store != nil {
		records, err := h.Store.ListSessions(c.Request().Context(), limit)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		for _, rec := range records {
			if _, ok := seen[rec.ID]; ok {
				continue
			}
			out = append(out, fromRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return c.JSON(http.StatusOK, SessionListResponse{Sessions: out})
}

// GetSession
//
//	@Summary	Session status
//	@Tags		sessions
//	@Produce	json
//	@Param		id	path		string	true	"session id"
//	@Success	200	{object}	SessionResponse
//	@Failure	404	{object}	HTTPError
//	@Failure	500	{object}	HTTPError
//	@Router		/api/sessions/{id} [get]
func (h *SessionsHandler) get(c echo.Context) error {
	id := c.Param("id")
	if sum, err := h.Supervisor.Status(id); err == nil {
		return c.JSON(http.StatusOK, fromSummary(sum))
	}
	if h.Store != nil {
		rec, found, err := h.Store.GetSession(c.Request().Context(), id)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if found {
			return c.JSON(http.StatusOK, fromRecord(rec))
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "session not found")
}

// ListTurns
//
//	@Summary	Session transcript
//	@Tags		sessions
//	@Produce	json
//	@Param		id	path		string	true	"session id"
//	@Success	200	{object}	TurnListResponse
//	@Failure	404	{object}	HTTPError
//	@Failure	500	{object}	HTTPError
//	@Router		/api/sessions/{id}/turns [get]
func (h *SessionsHandler) turns(c echo.Context) error {
	id := c.Param("id")
	if sess, ok := h.Supervisor.Session(id); ok {
		history := sess.TurnHistory()
		out := make([]TurnResponse, 0, len(history))
		for _, t := range history {
			out = append(out, TurnResponse{
				Index:     t.Index,
				Action:    t.Action,
				Result:    t.Result,
				Timestamp: t.Timestamp,
			})
		}
		return c.JSON(http.StatusOK, TurnListResponse{SessionID: id, Turns: out})
	}
	if h.Store != nil {
		rec, found, err := h.Store.GetSession(c.Request().Context(), id)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if found {
			records, err := h.Store.ListTurns(c.Request().Context(), rec.ID)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}
			out := make([]TurnResponse, 0, len(records))
			for _, t := range records {
				out = append(out, TurnResponse{
					Index:     t.Index,
					Action:    t.Action,
					Result:    t.Result,
					Timestamp: t.CreatedAt,
				})
			}
			return c.JSON(http.StatusOK, TurnListResponse{SessionID: id, Turns: out})
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "session not found")
}

// CancelSession
//
//	@Summary		Cancel a session
//	@Description	Cancels the session context; the loop unwinds to aborted
//	@Tags			sessions
//	@Produce		json
//	@Param			id	path		string	true	"session id"
//	@Success		202	{object}	CancelResponse
//	@Failure		404	{object}	HTTPError
//	@Router			/api/sessions/{id} [delete]
func (h *SessionsHandler) cancel(c echo.Context) error {
	id := c.Param("id")
	if err := h.Supervisor.Cancel(id); err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, CancelResponse{Status: "cancelling"})
}

// SearchSessions
//
//	@Summary		Search transcripts
//	@Description	Full-text search over archived session transcripts
//	@Tags			sessions
//	@Produce		json
//	@Param			q		query		string	true	"query string"
//	@Param			limit	query		int		false	"max hits returned"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	HTTPError
//	@Failure		500		{object}	HTTPError
//	@Router			/api/sessions/search [get]
func (h *SessionsHandler) search(c echo.Context) error {
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	if h.Index == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "search index not configured")
	}
	limit := queryInt(c, "limit", defaultSearchLimit)
	hits, err := h.Index.Search(q, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, SearchResponse{Query: q, Hits: hits})
}

func fromSummary(sum core.SessionSummary) SessionResponse {
	resp := SessionResponse{
		ID:            sum.ID,
		Email:         sum.Email,
		Status:        string(sum.Status),
		CurrentTarget: sum.CurrentTarget,
		Turns:         sum.Turns,
		Artifacts:     sum.Artifacts,
		Error:         sum.Error,
		Live:          true,
		CreatedAt:     sum.CreatedAt,
	}
	if !sum.FinishedAt.IsZero() {
		t := sum.FinishedAt
		resp.FinishedAt = &t
	}
	return resp
}

func fromRecord(rec store.SessionRecord) SessionResponse {
	return SessionResponse{
		ID:            rec.ID,
		Email:         rec.Email,
		Status:        rec.Status,
		CurrentTarget: rec.CurrentTarget,
		Turns:         rec.Turns,
		Artifacts:     rec.Artifacts,
		Error:         rec.Error,
		Live:          false,
		CreatedAt:     rec.CreatedAt,
		FinishedAt:    rec.FinishedAt,
	}
}

func queryInt(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
