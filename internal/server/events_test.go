package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"

	core "github.com/mohammad-safakhou/quizzer/internal/agent/core"
	"github.com/mohammad-safakhou/quizzer/internal/queue/streams"
	"github.com/mohammad-safakhou/quizzer/session"
)

// eventsFixture wires a supervisor around an explicit registry so tests can
// plant sessions without running the loop.
type eventsFixture struct {
	registry session.Registry
	sup      *core.Supervisor
	bus      *streams.Bus
	srv      *httptest.Server
}

func newEventsFixture(t *testing.T) *eventsFixture {
	t.Helper()
	cfg := testConfig(t)
	registry := session.NewRegistry(session.InMemoryStore)
	loop := core.NewLoop(cfg, blockingPlanner{}, core.NewGateway(testLogger()), nil, nil)
	sup := core.NewSupervisor(cfg, loop, registry, nil, nil)
	bus := streams.NewBus(nil, testLogger())

	e := echo.New()
	handler := &EventsHandler{Supervisor: sup, Bus: bus, Logger: testLogger()}
	e.GET("/api/sessions/:id/events", handler.stream)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return &eventsFixture{registry: registry, sup: sup, bus: bus, srv: srv}
}

func (f *eventsFixture) dial(t *testing.T, ctx context.Context, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/sessions/" + id + "/events"
	ws, resp, err := websocket.Dial(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "test done") })
	return ws
}

func readFrame(t *testing.T, ctx context.Context, ws *websocket.Conn) eventMessage {
	t.Helper()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg eventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return msg
}

func TestEventStreamDeliversSnapshotThenEvents(t *testing.T) {
	f := newEventsFixture(t)
	sess := core.NewSession("sess-1", core.Identity{Email: "a@b.c"}, "https://quiz.example.com/task/1", "")
	f.registry.Put(sess)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ws := f.dial(t, ctx, "sess-1")

	snap := readFrame(t, ctx, ws)
	if snap.Type != "snapshot" || snap.Session == nil || snap.Session.ID != "sess-1" {
		t.Fatalf("unexpected first frame: %+v", snap)
	}
	if !snap.Session.Live || snap.Session.Status != string(core.StatusRunning) {
		t.Fatalf("unexpected snapshot session: %+v", snap.Session)
	}

	// An event for another session must never reach this stream.
	if err := f.bus.Publish(ctx, core.Event{SessionID: "other", Type: core.EventTurnCompleted, At: time.Now()}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := f.bus.Publish(ctx, core.Event{SessionID: "sess-1", Type: core.EventTurnCompleted, At: time.Now()}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	frame := readFrame(t, ctx, ws)
	if frame.Type != "event" || frame.Event == nil {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if frame.Event.SessionID != "sess-1" || frame.Event.Type != core.EventTurnCompleted {
		t.Fatalf("unexpected event: %+v", frame.Event)
	}
}

func TestEventStreamClosesAfterSessionFinished(t *testing.T) {
	f := newEventsFixture(t)
	sess := core.NewSession("sess-1", core.Identity{Email: "a@b.c"}, "https://quiz.example.com/task/1", "")
	f.registry.Put(sess)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ws := f.dial(t, ctx, "sess-1")

	if snap := readFrame(t, ctx, ws); snap.Type != "snapshot" {
		t.Fatalf("unexpected first frame: %+v", snap)
	}

	if err := f.bus.Publish(ctx, core.Event{SessionID: "sess-1", Type: core.EventSessionFinished, Status: core.StatusSucceeded, At: time.Now()}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	frame := readFrame(t, ctx, ws)
	if frame.Type != "event" || frame.Event == nil || frame.Event.Type != core.EventSessionFinished {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	if _, _, err := ws.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure, got %v", err)
	}
}

func TestEventStreamTerminalSessionGetsSnapshotOnly(t *testing.T) {
	f := newEventsFixture(t)
	sess := core.NewSession("sess-1", core.Identity{Email: "a@b.c"}, "https://quiz.example.com/task/1", "")
	sess.SetStatus(core.StatusSucceeded, "")
	f.registry.Put(sess)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ws := f.dial(t, ctx, "sess-1")

	snap := readFrame(t, ctx, ws)
	if snap.Type != "snapshot" || snap.Session == nil || snap.Session.Status != string(core.StatusSucceeded) {
		t.Fatalf("unexpected first frame: %+v", snap)
	}
	if _, _, err := ws.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure, got %v", err)
	}
}

func TestEventStreamUnknownSession(t *testing.T) {
	f := newEventsFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/sessions/nope/events"
	_, resp, err := websocket.Dial(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err == nil {
		t.Fatal("expected dial to fail for unknown session")
	}
	if resp != nil && resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 handshake response, got %d", resp.StatusCode)
	}
}
