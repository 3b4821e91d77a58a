package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	core "github.com/mohammad-safakhou/quizzer/internal/agent/core"
	"github.com/mohammad-safakhou/quizzer/internal/store"
)

var sessionColumns = []string{"id", "email", "status", "current_target", "turns", "artifacts", "error", "created_at", "finished_at"}

func newArchive(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &store.Store{DB: db}, mock
}

func TestListSessionsMergesLiveAndArchive(t *testing.T) {
	e := echo.New()
	cfg := testConfig(t)
	sup := newTestSupervisor(t, cfg)
	st, mock := newArchive(t)
	handler := &SessionsHandler{Supervisor: sup, Store: st}

	liveID, err := sup.Start(core.Identity{Email: "live@example.com", Secret: "s"}, "https://quiz.example.com/task/1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	finished := time.Now().Add(-time.Hour)
	mock.ExpectQuery(`SELECT id, email, status, COALESCE\(current_target,''\), turns, artifacts, COALESCE\(error,''\), created_at, finished_at`).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows(sessionColumns).
			// The live session also shows up in the archive scan; the live
			// view wins.
			AddRow(liveID, "live@example.com", "running", "https://quiz.example.com/task/1", 0, 0, "", time.Now(), nil).
			AddRow("archived-1", "done@example.com", "succeeded", "", 9, 2, "", finished.Add(-time.Minute), finished))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	if err := handler.list(e.NewContext(req, rec)); err != nil {
		t.Fatalf("list: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	var resp SessionListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d: %+v", len(resp.Sessions), resp.Sessions)
	}
	if resp.Sessions[0].ID != liveID || !resp.Sessions[0].Live {
		t.Fatalf("expected live session first, got %+v", resp.Sessions[0])
	}
	if resp.Sessions[1].ID != "archived-1" || resp.Sessions[1].Live {
		t.Fatalf("expected archived session second, got %+v", resp.Sessions[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetSessionFallsBackToArchive(t *testing.T) {
	e := echo.New()
	cfg := testConfig(t)
	sup := newTestSupervisor(t, cfg)
	st, mock := newArchive(t)
	handler := &SessionsHandler{Supervisor: sup, Store: st}

	finished := time.Now().Add(-time.Hour)
	mock.ExpectQuery(`SELECT id, email, status, COALESCE\(current_target,''\), turns, artifacts, COALESCE\(error,''\), created_at, finished_at`).
		WithArgs("archived-1").
		WillReturnRows(sqlmock.NewRows(sessionColumns).
			AddRow("archived-1", "done@example.com", "succeeded", "", 9, 2, "", finished.Add(-time.Minute), finished))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/archived-1", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("archived-1")

	if err := handler.get(ctx); err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp SessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "archived-1" || resp.Status != "succeeded" || resp.Live {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.FinishedAt == nil {
		t.Fatal("expected finished_at")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	e := echo.New()
	cfg := testConfig(t)
	sup := newTestSupervisor(t, cfg)
	st, mock := newArchive(t)
	handler := &SessionsHandler{Supervisor: sup, Store: st}

	mock.ExpectQuery(`SELECT id, email, status`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(sessionColumns))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/nope", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("nope")

	err := handler.get(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 error, got %#v", err)
	}
}

func TestListTurnsFromLiveSession(t *testing.T) {
	e := echo.New()
	cfg := testConfig(t)
	sup := newTestSupervisor(t, cfg)
	handler := &SessionsHandler{Supervisor: sup}

	id, err := sup.Start(core.Identity{Email: "live@example.com", Secret: "s"}, "https://quiz.example.com/task/1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	sess, ok := sup.Session(id)
	if !ok {
		t.Fatal("session not registered")
	}
	if _, err := sess.AppendTurn(
		core.Action{Type: core.ActionInvokeTool, Tool: "render", Args: map[string]interface{}{"url": "https://quiz.example.com/task/1"}},
		core.TurnResult{Tool: &core.ToolResult{OK: true}},
	); err != nil {
		t.Fatalf("append turn: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+id+"/turns", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues(id)

	if err := handler.turns(ctx); err != nil {
		t.Fatalf("turns: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp TurnListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID != id || len(resp.Turns) != 1 || resp.Turns[0].Index != 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestListTurnsFromArchive(t *testing.T) {
	e := echo.New()
	cfg := testConfig(t)
	sup := newTestSupervisor(t, cfg)
	st, mock := newArchive(t)
	handler := &SessionsHandler{Supervisor: sup, Store: st}

	finished := time.Now().Add(-time.Hour)
	mock.ExpectQuery(`SELECT id, email, status`).
		WithArgs("archived-1").
		WillReturnRows(sqlmock.NewRows(sessionColumns).
			AddRow("archived-1", "done@example.com", "succeeded", "", 1, 0, "", finished.Add(-time.Minute), finished))
	mock.ExpectQuery(`SELECT session_id, turn_index, action, result, created_at`).
		WithArgs("archived-1").
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "turn_index", "action", "result", "created_at"}).
			AddRow("archived-1", 0, []byte(`{"type":"submit_answer","answer":"4"}`), []byte(`{"submission":{"kind":"accepted"}}`), finished))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/archived-1/turns", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("archived-1")

	if err := handler.turns(ctx); err != nil {
		t.Fatalf("turns: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp TurnListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Turns) != 1 {
		t.Fatalf("expected 1 turn, got %+v", resp)
	}
	action, ok := resp.Turns[0].Action.(map[string]interface{})
	if !ok || action["type"] != "submit_answer" {
		t.Fatalf("archived action not passed through: %+v", resp.Turns[0].Action)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCancelSession(t *testing.T) {
	e := echo.New()
	cfg := testConfig(t)
	sup := newTestSupervisor(t, cfg)
	handler := &SessionsHandler{Supervisor: sup}

	id, err := sup.Start(core.Identity{Email: "live@example.com", Secret: "s"}, "https://quiz.example.com/task/1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/"+id, nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues(id)

	if err := handler.cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202 got %d", rec.Code)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		sum, err := sup.Status(id)
		if err == nil && sum.Status == core.StatusAborted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never aborted: %+v err=%v", sum, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCancelUnknownSession(t *testing.T) {
	e := echo.New()
	cfg := testConfig(t)
	handler := &SessionsHandler{Supervisor: newTestSupervisor(t, cfg)}

	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/nope", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("nope")

	err := handler.cancel(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 error, got %#v", err)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	e := echo.New()
	cfg := testConfig(t)
	handler := &SessionsHandler{Supervisor: newTestSupervisor(t, cfg)}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/search", nil)
	rec := httptest.NewRecorder()

	err := handler.search(e.NewContext(req, rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 error, got %#v", err)
	}
}

func TestSearchReturnsIndexedTranscript(t *testing.T) {
	e := echo.New()
	cfg := testConfig(t)
	idx, err := store.NewTranscriptIndex("")
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	defer idx.Close()
	handler := &SessionsHandler{Supervisor: newTestSupervisor(t, cfg), Index: idx}

	sess := core.NewSession("sess-1", core.Identity{Email: "done@example.com"}, "https://quiz.example.com/task/1", "")
	if _, err := sess.AppendTurn(
		core.Action{Type: core.ActionSubmitAnswer, Answer: "the capital of iceland is reykjavik"},
		core.TurnResult{},
	); err != nil {
		t.Fatalf("append turn: %v", err)
	}
	sess.SetStatus(core.StatusSucceeded, "")
	if err := idx.IndexSession(sess); err != nil {
		t.Fatalf("index session: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/search?q=reykjavik", nil)
	rec := httptest.NewRecorder()
	if err := handler.search(e.NewContext(req, rec)); err != nil {
		t.Fatalf("search: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	var resp struct {
		Query string            `json:"query"`
		Hits  []store.SearchHit `json:"hits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Query != "reykjavik" || len(resp.Hits) != 1 || resp.Hits[0].SessionID != "sess-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

// Guard against the echo router shadowing /search with the :id route.
func TestSearchRouteNotShadowed(t *testing.T) {
	e := echo.New()
	cfg := testConfig(t)
	idx, err := store.NewTranscriptIndex("")
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	defer idx.Close()
	handler := &SessionsHandler{Supervisor: newTestSupervisor(t, cfg), Index: idx}
	handler.Register(e.Group("/api/sessions"))

	srv := httptest.NewServer(e)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/sessions/search?q=anything")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from search route, got %d", resp.StatusCode)
	}
}
