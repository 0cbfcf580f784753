// Package api wires the HTTP surface: run lifecycle endpoints (C6/C7),
// assistant/thread/store CRUD, cron management (C8), and the MCP/A2A
// protocol adapters (C9), all behind the auth middleware (C1). Grounded on
// the teacher's pkg/api/server.go Echo v5 Server struct and Set*-method
// wiring convention.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/agentgraph/runtime/pkg/assistants"
	"github.com/agentgraph/runtime/pkg/auth"
	"github.com/agentgraph/runtime/pkg/config"
	"github.com/agentgraph/runtime/pkg/cron"
	"github.com/agentgraph/runtime/pkg/database"
	"github.com/agentgraph/runtime/pkg/graph"
	"github.com/agentgraph/runtime/pkg/scheduler"
	"github.com/agentgraph/runtime/pkg/store"
	"github.com/agentgraph/runtime/pkg/threads"
	"github.com/agentgraph/runtime/pkg/version"
)

// Server is the HTTP API server (C6/C7 ingress, plus the thin CRUD and
// protocol-adapter surfaces).
type Server struct {
	echo *echo.Echo

	httpServer *http.Server
	cfg        *config.Config
	dbClient   *database.Client

	assistants assistants.AssistantStore
	threads    threads.ThreadStore
	store      store.ItemStore

	scheduler     *scheduler.Scheduler
	cronStore     cron.CronStore
	cronScheduler *cron.Scheduler // nil until SetCronScheduler; health-only
	registry      *graph.Registry
}

// NewServer creates a new API server with Echo v5 and registers every
// route. verifier selects the auth.Middleware implementation — HS256 when
// SUPABASE_JWT_SECRET is set, header-passthrough otherwise. dbClient is nil
// when the process is running in the memory-fallback degraded mode (spec.md
// §4.2); the stores passed alongside it are then the Mem* implementations.
func NewServer(
	cfg *config.Config,
	dbClient *database.Client,
	assistantStore assistants.AssistantStore,
	threadStore threads.ThreadStore,
	storeStore store.ItemStore,
	sched *scheduler.Scheduler,
	cronStore cron.CronStore,
	registry *graph.Registry,
	verifier auth.Verifier,
) *Server {
	e := echo.New()

	s := &Server{
		echo:       e,
		cfg:        cfg,
		dbClient:   dbClient,
		assistants: assistantStore,
		threads:    threadStore,
		store:      storeStore,
		scheduler:  sched,
		cronStore:  cronStore,
		registry:   registry,
	}

	e.Use(middleware.BodyLimit(2 * 1024 * 1024))
	s.setupRoutes(verifier)
	return s
}

// SetCronScheduler wires the cron background scheduler so the health
// endpoint can report whether it is running. The cron scheduler's own
// Start/Stop lifecycle is driven by cmd/agentrtd, not by this server.
func (s *Server) SetCronScheduler(cs *cron.Scheduler) {
	s.cronScheduler = cs
}

// setupRoutes registers every route. Health is unauthenticated; everything
// else sits behind the auth middleware, mirroring the teacher's
// health-then-v1-group layout.
func (s *Server) setupRoutes(verifier auth.Verifier) {
	s.echo.GET("/health", s.healthHandler)

	api := s.echo.Group("")
	api.Use(auth.Middleware(verifier))

	// Stateful run endpoints.
	api.POST("/threads/:tid/runs", s.createBackgroundRunHandler)
	api.POST("/threads/:tid/runs/stream", s.createStreamRunHandler)
	api.POST("/threads/:tid/runs/wait", s.createWaitRunHandler)
	api.GET("/threads/:tid/runs/:rid/stream", s.joinStreamHandler)
	api.POST("/threads/:tid/runs/:rid/cancel", s.cancelRunHandler)
	api.GET("/threads/:tid/runs/:rid", s.getRunHandler)
	api.GET("/threads/:tid/runs", s.listRunsHandler)

	// Stateless variants.
	api.POST("/runs", s.createBackgroundRunHandler)
	api.POST("/runs/stream", s.createStreamRunHandler)
	api.POST("/runs/wait", s.createWaitRunHandler)

	// Cron management.
	api.POST("/runs/crons", s.createCronHandler)
	api.DELETE("/runs/crons/:cid", s.deleteCronHandler)
	api.GET("/runs/crons", s.listCronsHandler)

	// Assistants.
	api.POST("/assistants", s.createAssistantHandler)
	api.GET("/assistants/:aid", s.getAssistantHandler)
	api.PATCH("/assistants/:aid", s.updateAssistantHandler)
	api.DELETE("/assistants/:aid", s.deleteAssistantHandler)
	api.GET("/assistants", s.listAssistantsHandler)

	// Threads.
	api.POST("/threads", s.createThreadHandler)
	api.GET("/threads/:tid", s.getThreadHandler)
	api.DELETE("/threads/:tid", s.deleteThreadHandler)
	api.GET("/threads", s.listThreadsHandler)
	api.GET("/threads/:tid/state", s.getThreadStateHandler)
	api.GET("/threads/:tid/history", s.getThreadHistoryHandler)

	// Store items.
	api.PUT("/store/items", s.putStoreItemHandler)
	api.GET("/store/items", s.getStoreItemHandler)
	api.DELETE("/store/items", s.deleteStoreItemHandler)
	api.POST("/store/items/search", s.searchStoreItemsHandler)

	// Protocol adapters (C9).
	api.POST("/mcp", s.mcpHandler)
	api.POST("/a2a", s.a2aHandler)
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener. Used
// by cmd/agentrtd, which binds the listener itself before serving.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	var dbHealth *database.HealthStatus
	status := "healthy"
	if s.dbClient == nil {
		status = "degraded"
		dbHealth = &database.HealthStatus{Status: "degraded"}
	} else if h, err := database.Health(reqCtx, s.dbClient.DB()); err != nil {
		status = "unhealthy"
		dbHealth = h
	} else {
		dbHealth = h
	}

	resp := &HealthResponse{
		Status:    status,
		Version:   version.Full(),
		Database:  dbHealth,
		Config:    s.cfg.Stats(s.registry.Count()),
		CronTicks: s.cronScheduler != nil,
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}
