package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/quizzer/config"
	core "github.com/mohammad-safakhou/quizzer/internal/agent/core"
	"github.com/mohammad-safakhou/quizzer/internal/janitor"
	"github.com/mohammad-safakhou/quizzer/internal/queue/streams"
	"github.com/mohammad-safakhou/quizzer/internal/runtime"
	"github.com/mohammad-safakhou/quizzer/internal/store"
	"github.com/mohammad-safakhou/quizzer/repository"
	"github.com/mohammad-safakhou/quizzer/repository/redis_repository"
	"github.com/mohammad-safakhou/quizzer/session"
	"github.com/mohammad-safakhou/quizzer/tools/download"
	"github.com/mohammad-safakhou/quizzer/tools/execute"
	"github.com/mohammad-safakhou/quizzer/tools/install"
	"github.com/mohammad-safakhou/quizzer/tools/lookup"
	"github.com/mohammad-safakhou/quizzer/tools/render"
)

const shutdownGrace = 30 * time.Second

// Run wires every component and serves HTTP until SIGINT/SIGTERM. Sessions
// in flight get shutdownGrace to unwind before the process exits.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	registerDocs(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tele, _, _, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName: "quizzer",
		MetricsPort: cfg.Telemetry.MetricsPort,
	})
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() { _ = tele.Shutdown(context.Background()) }()

	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: %w", err)
	}

	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return fmt.Errorf("postgres store: %w", err)
	}
	defer func() { _ = st.Close() }()

	idx, err := store.NewTranscriptIndex(cfg.Search.Path)
	if err != nil {
		return fmt.Errorf("transcript index: %w", err)
	}
	defer func() { _ = idx.Close() }()

	rdb, err := redis_repository.Conn(ctx, cfg.Storage.Redis.Host, cfg.Storage.Redis.Port,
		cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, cfg.Storage.Redis.Timeout)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer func() { _ = rdb.Close() }()

	// Separate connection for the page cache keeps stream traffic isolated.
	pageCache, err := repository.NewPageCache(ctx, repository.RepoTypeRedis, cfg.Storage.Redis)
	if err != nil {
		return fmt.Errorf("page cache: %w", err)
	}

	bus := streams.NewBus(streams.NewPublisher(rdb), nil)

	policy, err := runtime.LoadExecPolicy(cfg)
	if err != nil {
		return fmt.Errorf("exec policy: %w", err)
	}
	enforcer := runtime.NewExecEnforcer(policy)

	gateway := core.NewGateway(nil)
	gateway.Register(render.New(cfg.Tools.Render, cfg.Agent.TargetPolicy, pageCache, nil))
	gateway.Register(download.New(cfg.Tools.Download, cfg.Agent.TargetPolicy, nil))
	executeTool, err := execute.New(cfg.Tools.Execute, enforcer, nil)
	if err != nil {
		return fmt.Errorf("execute tool: %w", err)
	}
	gateway.Register(executeTool)
	installTool, err := install.New(cfg.Tools.Install, enforcer, nil)
	if err != nil {
		return fmt.Errorf("install tool: %w", err)
	}
	gateway.Register(installTool)
	if cfg.Tools.Lookup.APIKey != "" {
		lookupTool, err := lookup.New(cfg.Tools.Lookup, nil)
		if err != nil {
			return fmt.Errorf("lookup tool: %w", err)
		}
		gateway.Register(lookupTool)
	}

	planner, err := core.NewPlanner(cfg.Planner)
	if err != nil {
		return fmt.Errorf("planner: %w", err)
	}

	submitter := core.NewSubmitClient(cfg.Submission, nil)
	loop := core.NewLoop(cfg, planner, gateway, submitter, bus)
	registry := session.NewRegistry(session.InMemoryStore)
	supervisor := core.NewSupervisor(cfg, loop, registry, st, idx)

	jan := janitor.New(cfg, supervisor, st, nil)
	if cfg.Janitor.Enabled {
		if err := jan.Start(); err != nil {
			return fmt.Errorf("janitor: %w", err)
		}
		defer jan.Stop()
	}

	jwtSecret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	sh := &SolveHandler{Cfg: cfg, Supervisor: supervisor, StartedAt: time.Now(), Logger: baseLogger}
	sh.Register(e)

	api := e.Group("/api")
	ah := &AuthHandler{Cfg: cfg.Server, Secret: jwtSecret}
	ah.Register(api.Group("/auth"))

	sessions := api.Group("/sessions")
	sessions.Use(runtime.EchoAuthMiddleware(jwtSecret), runtime.RequireScopes(runtime.ScopeOperator))
	sessionsHandler := &SessionsHandler{Supervisor: supervisor, Store: st, Index: idx}
	sessionsHandler.Register(sessions)
	eventsHandler := &EventsHandler{Supervisor: supervisor, Store: st, Bus: bus, Logger: baseLogger}
	sessions.GET("/:id/events", eventsHandler.stream)

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		errCh <- e.Start(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("shutting down, draining sessions (grace %s)", shutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		baseLogger.Printf("http shutdown: %v", err)
	}
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		baseLogger.Printf("supervisor shutdown: %v", err)
	}
	return nil
}
