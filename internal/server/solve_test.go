package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/mohammad-safakhou/quizzer/config"
	core "github.com/mohammad-safakhou/quizzer/internal/agent/core"
	"github.com/mohammad-safakhou/quizzer/session"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			Address:   ":0",
			Secret:    "letmein",
			JWTSecret: "test-jwt-secret",
		},
		Agent: config.AgentConfig{
			MaxTurns:              10,
			SessionBudget:         time.Minute,
			MaxConcurrentSessions: 4,
			TargetTimeBudget:      30 * time.Second,
			MaxAnswerAttempts:     2,
			HistoryWindow:         5,
			// Keep finished sessions visible so status polls in tests
			// resolve after cleanup.
			StatusLinger: time.Minute,
		},
		Submission: config.SubmissionConfig{
			MaxAttempts: 1,
			BaseBackoff: time.Millisecond,
			Multiplier:  2,
			MaxBackoff:  10 * time.Millisecond,
			MaxElapsed:  50 * time.Millisecond,
			Timeout:     time.Second,
		},
		Workspace: config.WorkspaceConfig{Root: t.TempDir()},
	}
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// blockingPlanner parks every session until its context is cancelled, which
// keeps the capacity slot occupied for the whole test.
type blockingPlanner struct{}

func (blockingPlanner) Decide(ctx context.Context, _ core.Snapshot) (core.Action, error) {
	<-ctx.Done()
	return core.Action{}, ctx.Err()
}

func newTestSupervisor(t *testing.T, cfg *config.Config) *core.Supervisor {
	t.Helper()
	loop := core.NewLoop(cfg, blockingPlanner{}, core.NewGateway(testLogger()), nil, nil)
	sup := core.NewSupervisor(cfg, loop, session.NewRegistry(session.InMemoryStore), nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return sup
}

func newSolveContext(e *echo.Echo, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/solve", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestSolveRejectsMalformedJSON(t *testing.T) {
	e := echo.New()
	cfg := testConfig(t)
	handler := &SolveHandler{Cfg: cfg, Supervisor: newTestSupervisor(t, cfg), StartedAt: time.Now(), Logger: testLogger()}

	ctx, _ := newSolveContext(e, `{not json`)
	err := handler.solve(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 error, got %#v", err)
	}
}

func TestSolveRejectsMissingFields(t *testing.T) {
	e := echo.New()
	cfg := testConfig(t)
	handler := &SolveHandler{Cfg: cfg, Supervisor: newTestSupervisor(t, cfg), StartedAt: time.Now(), Logger: testLogger()}

	cases := []string{
		`{}`,
		`{"email":"a@b.c","secret":"letmein"}`,
		`{"email":"a@b.c","url":"https://quiz.example.com/task/1"}`,
		`{"secret":"letmein","url":"https://quiz.example.com/task/1"}`,
		`{"email":" ","secret":"letmein","url":"https://quiz.example.com/task/1"}`,
	}
	for _, body := range cases {
		ctx, _ := newSolveContext(e, body)
		err := handler.solve(ctx)
		httpErr, ok := err.(*echo.HTTPError)
		if !ok || httpErr.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400 error, got %#v", body, err)
		}
	}
}

func TestSolveRejectsNonHTTPURL(t *testing.T) {
	e := echo.New()
	cfg := testConfig(t)
	handler := &SolveHandler{Cfg: cfg, Supervisor: newTestSupervisor(t, cfg), StartedAt: time.Now(), Logger: testLogger()}

	for _, target := range []string{"not a url", "ftp://quiz.example.com/task", "/relative/path"} {
		ctx, _ := newSolveContext(e, `{"email":"a@b.c","secret":"letmein","url":"`+target+`"}`)
		err := handler.solve(ctx)
		httpErr, ok := err.(*echo.HTTPError)
		if !ok || httpErr.Code != http.StatusBadRequest {
			t.Fatalf("url %q: expected 400 error, got %#v", target, err)
		}
	}
}

func TestSolveRejectsWrongSecret(t *testing.T) {
	e := echo.New()
	cfg := testConfig(t)
	handler := &SolveHandler{Cfg: cfg, Supervisor: newTestSupervisor(t, cfg), StartedAt: time.Now(), Logger: testLogger()}

	ctx, _ := newSolveContext(e, `{"email":"a@b.c","secret":"wrong","url":"https://quiz.example.com/task/1"}`)
	err := handler.solve(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 error, got %#v", err)
	}
}

func TestSolveHonorsBcryptSecretHash(t *testing.T) {
	e := echo.New()
	cfg := testConfig(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	cfg.Server.SecretHash = string(hash)
	handler := &SolveHandler{Cfg: cfg, Supervisor: newTestSupervisor(t, cfg), StartedAt: time.Now(), Logger: testLogger()}

	// The plain secret is ignored once a hash is configured.
	ctx, _ := newSolveContext(e, `{"email":"a@b.c","secret":"letmein","url":"https://quiz.example.com/task/1"}`)
	solveErr := handler.solve(ctx)
	httpErr, ok := solveErr.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for plain secret, got %#v", solveErr)
	}

	ctx, rec := newSolveContext(e, `{"email":"a@b.c","secret":"hashed-secret","url":"https://quiz.example.com/task/1"}`)
	if err := handler.solve(ctx); err != nil {
		t.Fatalf("solve with hashed secret: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
}

func TestSolveAcceptsAndStartsSession(t *testing.T) {
	e := echo.New()
	cfg := testConfig(t)
	sup := newTestSupervisor(t, cfg)
	handler := &SolveHandler{Cfg: cfg, Supervisor: sup, StartedAt: time.Now(), Logger: testLogger()}

	ctx, rec := newSolveContext(e, `{"email":"a@b.c","secret":"letmein","url":"https://quiz.example.com/task/1"}`)
	if err := handler.solve(ctx); err != nil {
		t.Fatalf("solve: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	var resp SolveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" || resp.SessionID == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	sum, err := sup.Status(resp.SessionID)
	if err != nil {
		t.Fatalf("session not registered: %v", err)
	}
	if sum.Email != "a@b.c" || sum.CurrentTarget != "https://quiz.example.com/task/1" {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestSolveCapacityExceeded(t *testing.T) {
	e := echo.New()
	cfg := testConfig(t)
	cfg.Agent.MaxConcurrentSessions = 1
	handler := &SolveHandler{Cfg: cfg, Supervisor: newTestSupervisor(t, cfg), StartedAt: time.Now(), Logger: testLogger()}

	ctx, rec := newSolveContext(e, `{"email":"a@b.c","secret":"letmein","url":"https://quiz.example.com/task/1"}`)
	if err := handler.solve(ctx); err != nil {
		t.Fatalf("first solve: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("first solve: expected 200 got %d", rec.Code)
	}

	ctx, _ = newSolveContext(e, `{"email":"x@y.z","secret":"letmein","url":"https://quiz.example.com/task/2"}`)
	err := handler.solve(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 error, got %#v", err)
	}
}

func TestHealthReportsUptime(t *testing.T) {
	e := echo.New()
	cfg := testConfig(t)
	handler := &SolveHandler{Cfg: cfg, StartedAt: time.Now().Add(-3 * time.Second), Logger: testLogger()}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	if err := handler.health(e.NewContext(req, rec)); err != nil {
		t.Fatalf("health: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" || resp.UptimeSeconds < 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
