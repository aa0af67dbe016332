// Package api exposes the task core over HTTP: task CRUD, checkpoint
// resolution, the SSE event stream with REST catchup, the plugin catalogue,
// and health/version endpoints. Errors map onto the taxonomy's status codes
// and render as {"error": {kind, message, details?}}.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/taskweave/taskweave/pkg/events"
	"github.com/taskweave/taskweave/pkg/orchestrator"
	"github.com/taskweave/taskweave/pkg/plugin"
	"github.com/taskweave/taskweave/pkg/providers"
	"github.com/taskweave/taskweave/pkg/services"
	"github.com/taskweave/taskweave/pkg/store"
)

// Pinger reports backend connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolReporter exposes worker pool health.
type PoolReporter interface {
	Health() orchestrator.PoolHealth
}

// Options carries the server's collaborators. Tasks, Checkpoints, Store,
// Bus, and Auth are required; the rest may be nil and their endpoints
// degrade gracefully.
type Options struct {
	Tasks       *services.TaskService
	Checkpoints *services.CheckpointService
	Store       store.Store
	Bus         *events.Bus
	Registry    *plugin.Registry
	Auth        providers.AuthProvider

	DB    Pinger
	Cache Pinger
	Pool  PoolReporter

	CORSOrigins []string
	Log         *slog.Logger
}

// Server is the HTTP surface.
type Server struct {
	engine      *gin.Engine
	tasks       *services.TaskService
	checkpoints *services.CheckpointService
	store       store.Store
	bus         *events.Bus
	registry    *plugin.Registry
	auth        providers.AuthProvider
	db          Pinger
	cache       Pinger
	pool        PoolReporter
	log         *slog.Logger
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(opts.Log))

	corsConfig := cors.DefaultConfig()
	if len(opts.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = opts.CORSOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "Last-Event-ID"}
	engine.Use(cors.New(corsConfig))

	s := &Server{
		engine:      engine,
		tasks:       opts.Tasks,
		checkpoints: opts.Checkpoints,
		store:       opts.Store,
		bus:         opts.Bus,
		registry:    opts.Registry,
		auth:        opts.Auth,
		db:          opts.DB,
		cache:       opts.Cache,
		pool:        opts.Pool,
		log:         opts.Log,
	}
	s.routes()
	return s
}

// Handler returns the http.Handler for serving and tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/version", s.handleVersion)

	authed := s.engine.Group("/", authMiddleware(s.auth))

	authed.POST("/tasks", s.handleCreateTask)
	authed.GET("/tasks", s.handleListTasks)
	authed.GET("/tasks/:id", s.handleGetTask)
	authed.POST("/tasks/:id/start", s.handleStartTask)
	authed.POST("/tasks/:id/cancel", s.handleCancelTask)

	authed.GET("/tasks/:id/checkpoints/pending", s.handleListPendingCheckpoints)
	authed.POST("/tasks/:id/steps/:step_id/checkpoint/resolve", s.handleResolveCheckpoint)

	authed.GET("/tasks/:id/events", s.handleTaskEventStream)
	authed.GET("/tasks/:id/events/history", s.handleTaskEventHistory)

	authed.GET("/capabilities/plugins", s.handleListPlugins)
	authed.POST("/capabilities/plugins", s.handleRegisterPlugin)
}

// ListenAndServe runs the server until ctx is done, then drains with the
// given timeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, drainTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
