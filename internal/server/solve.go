package server

import (
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/quizzer/config"
	core "github.com/mohammad-safakhou/quizzer/internal/agent/core"
)

// SolveHandler owns the public endpoints: session intake and liveness.
type SolveHandler struct {
	Cfg        *config.Config
	Supervisor *core.Supervisor
	StartedAt  time.Time
	Logger     *log.Logger
}

func (h *SolveHandler) Register(e *echo.Echo) {
	e.POST("/solve", h.solve)
	e.GET("/healthz", h.health)
}

// Solve
//
//	@Summary		Start a solving session
//	@Description	Accepts a quiz chain entry point and solves it in the background
//	@Tags			solve
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		SolveRequest	true	"Solve payload"
//	@Success		200		{object}	SolveResponse
//	@Failure		400		{object}	HTTPError
//	@Failure		403		{object}	HTTPError
//	@Failure		429		{object}	HTTPError
//	@Router			/solve [post]
func (h *SolveHandler) solve(c echo.Context) error {
	var req SolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON")
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.Secret) == "" || strings.TrimSpace(req.URL) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email, secret and url are required")
	}
	if u, err := url.Parse(req.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url must be absolute http(s)")
	}
	if !verifySecret(h.Cfg.Server, req.Secret) {
		return echo.NewHTTPError(http.StatusForbidden, "invalid secret")
	}

	id, err := h.Supervisor.Start(core.Identity{Email: req.Email, Secret: req.Secret}, req.URL)
	if err != nil {
		if errors.Is(err, core.ErrCapacityExceeded) {
			return echo.NewHTTPError(http.StatusTooManyRequests, "session capacity exceeded")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.Logger.Printf("accepted session %s for %s (%s)", id, req.Email, req.URL)
	// The caller gets an immediate ack; the session runs to completion on
	// its own goroutine and is inspectable via the operator API.
	return c.JSON(http.StatusOK, SolveResponse{Status: "ok", SessionID: id})
}

// Health
//
//	@Summary	Liveness probe
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	HealthResponse
//	@Router		/healthz [get]
func (h *SolveHandler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.StartedAt).Seconds()),
	})
}
