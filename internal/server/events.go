package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"

	core "github.com/mohammad-safakhou/quizzer/internal/agent/core"
	"github.com/mohammad-safakhou/quizzer/internal/queue/streams"
	"github.com/mohammad-safakhou/quizzer/internal/store"
)

const eventWriteTimeout = 10 * time.Second

// EventsHandler streams session lifecycle events to operators over a
// websocket. Every stream opens with a snapshot of the session so a client
// joining mid-run sees current state before incremental events.
type EventsHandler struct {
	Supervisor *core.Supervisor
	Store      *store.Store
	Bus        *streams.Bus
	Logger     *log.Logger
}

// eventMessage is the websocket wire format: a snapshot frame first, then
// one event frame per bus event.
type eventMessage struct {
	Type    string           `json:"type"`
	Session *SessionResponse `json:"session,omitempty"`
	Event   *core.Event      `json:"event,omitempty"`
}

// StreamEvents
//
//	@Summary		Stream session events
//	@Description	Websocket: snapshot frame followed by live lifecycle events
//	@Tags			sessions
//	@Param			id	path	string	true	"session id"
//	@Success		101
//	@Failure		404	{object}	HTTPError
//	@Router			/api/sessions/{id}/events [get]
func (h *EventsHandler) stream(c echo.Context) error {
	id := c.Param("id")

	snapshot, found, err := h.snapshot(c, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}

	ws, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.Logger.Printf("websocket accept failed for session %s: %v", id, err)
		return nil
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "stream ended") }()

	// Operators only listen on this socket; CloseRead surfaces a peer
	// disconnect as context cancellation.
	ctx := ws.CloseRead(c.Request().Context())

	// Subscribe before sending the snapshot so no event can fall into the
	// gap between the two.
	events, cancel := h.Bus.Subscribe()
	defer cancel()

	if err := h.write(ctx, ws, eventMessage{Type: "snapshot", Session: &snapshot}); err != nil {
		return nil
	}
	if core.Status(snapshot.Status).Terminal() {
		// Nothing more will ever arrive for this session.
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.SessionID != id {
				continue
			}
			if err := h.write(ctx, ws, eventMessage{Type: "event", Event: &ev}); err != nil {
				return nil
			}
			if ev.Type == core.EventSessionFinished {
				return nil
			}
		}
	}
}

func (h *EventsHandler) snapshot(c echo.Context, id string) (SessionResponse, bool, error) {
	if sum, err := h.Supervisor.Status(id); err == nil {
		return fromSummary(sum), true, nil
	}
	if h.Store != nil {
		rec, found, err := h.Store.GetSession(c.Request().Context(), id)
		if err != nil {
			return SessionResponse{}, false, err
		}
		if found {
			return fromRecord(rec), true, nil
		}
	}
	return SessionResponse{}, false, nil
}

func (h *EventsHandler) write(ctx context.Context, ws *websocket.Conn, msg eventMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	if err := ws.Write(wctx, websocket.MessageText, data); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			h.Logger.Printf("websocket write error: %v", err)
		}
		return err
	}
	return nil
}
