package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echoSwagger "github.com/swaggo/echo-swagger"

	"github.com/johnquangdev/meeting-session/pkg/config"
)

// Router holds all handlers
type Router struct {
	cfg            *config.Config
	sessionHandler *Session
	ingestHandler  *Ingest
	auth           echo.MiddlewareFunc
	startedAt      time.Time
}

// NewRouter creates a new router with all handlers. auth may be nil when
// token checks are disabled.
func NewRouter(cfg *config.Config, sessionHandler *Session, ingestHandler *Ingest, auth echo.MiddlewareFunc) *Router {
	return &Router{
		cfg:            cfg,
		sessionHandler: sessionHandler,
		ingestHandler:  ingestHandler,
		auth:           auth,
		startedAt:      time.Now(),
	}
}

// Setup configures all application routes
func (rt *Router) Setup(e *echo.Echo) {
	// Health check endpoint
	e.GET("/health", rt.healthCheck)
	e.GET("/swagger/*", echoSwagger.WrapHandler)

	// API v1 group
	v1 := e.Group("/v1")

	v1.GET("/backends/health", rt.sessionHandler.BackendsHealth)
	rt.setupSessionRoutes(v1)
}

// setupSessionRoutes configures the per-session routes
func (rt *Router) setupSessionRoutes(g *echo.Group) {
	var mws []echo.MiddlewareFunc
	if rt.auth != nil {
		mws = append(mws, rt.auth)
	}
	sessions := g.Group("/sessions/:id", mws...)

	sessions.POST("/config", rt.sessionHandler.Configure)
	sessions.POST("/bindings", rt.sessionHandler.SetBinding)
	sessions.POST("/enroll", rt.sessionHandler.Enroll)
	sessions.GET("/state", rt.sessionHandler.State)
	sessions.POST("/resolve", rt.sessionHandler.Resolve)
	sessions.POST("/finalize", rt.sessionHandler.Finalize)
	sessions.GET("/utterances", rt.sessionHandler.Utterances)
	sessions.GET("/events", rt.sessionHandler.Events)
	sessions.GET("/result", rt.sessionHandler.Result)

	if rt.ingestHandler != nil {
		sessions.GET("/ingest/:stream_role", rt.ingestHandler.Stream)
	} else {
		sessions.GET("/ingest/:stream_role", rt.notImplemented)
	}
}

// notImplemented returns 501 Not Implemented response
func (rt *Router) notImplemented(c echo.Context) error {
	return c.JSON(http.StatusNotImplemented, map[string]interface{}{
		"error":  "This endpoint is not yet implemented",
		"path":   c.Request().URL.Path,
		"method": c.Request().Method,
	})
}

// healthCheck returns health status
func (rt *Router) healthCheck(c echo.Context) error {
	env := ""
	if rt.cfg != nil {
		env = rt.cfg.Server.Environment
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"environment": env,
		"uptime":      time.Since(rt.startedAt).Round(time.Second).String(),
	})
}
