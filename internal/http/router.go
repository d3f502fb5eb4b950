package http

import (
	"github.com/gin-gonic/gin"

	"github.com/deeployd/forge/internal/http/handlers"
	"github.com/deeployd/forge/internal/http/middleware"
	"github.com/deeployd/forge/internal/logger"
	"github.com/deeployd/forge/internal/metrics"
)

// RouterConfig bundles every collaborator NewRouter needs to wire the
// route table: one field per handler, nil-guarded registration so a
// partial deployment (e.g. no Postgres DSN configured, so no
// BuildHandler) still serves the routes it can.
type RouterConfig struct {
	Address string
	APIKey  string
	Log     *logger.Logger

	Generate   *handlers.GenerateHandler
	Status     *handlers.StatusHandler
	Queue      *handlers.QueueHandler
	Images     *handlers.ImageHandler
	Workers    *handlers.WorkerHandler
	Resources  *handlers.ResourceHandler
	Health     *handlers.HealthHandler
	Builds     *handlers.BuildHandler
	Containers *handlers.ContainerHandler
	WS         *handlers.WSHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestContext())
	r.Use(middleware.CORS())
	r.Use(middleware.Metrics())
	if cfg.Log != nil {
		r.Use(middleware.RequestLogger(cfg.Log))
	}

	if cfg.Health != nil {
		r.GET("/health", cfg.Health.HealthCheck)
	}
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	if cfg.WS != nil {
		r.GET("/ws/:prompt_id", cfg.WS.Serve)
	}

	api := r.Group("/api")
	api.Use(middleware.RequireAPIKey(cfg.APIKey))

	if cfg.Generate != nil {
		api.POST("/generate", cfg.Generate.Generate)
	}
	if cfg.Status != nil {
		api.GET("/status/:prompt_id", cfg.Status.GetStatus)
		api.POST("/cancel/:prompt_id", cfg.Status.Cancel)
	}
	if cfg.Images != nil {
		api.GET("/images/:filename", cfg.Images.GetImage)
	}
	if cfg.Queue != nil {
		api.GET("/queue/status", cfg.Queue.Status)
		api.POST("/queue/recover", cfg.Queue.RecoverDeadLetter)
		api.POST("/queue/cleanup", cfg.Queue.Cleanup)
		api.GET("/queue/:task_id", cfg.Queue.GetJob)
	}
	if cfg.Workers != nil {
		api.GET("/workers/status", cfg.Workers.Status)
		api.POST("/workers/pause", cfg.Workers.Pause)
		api.POST("/workers/resume", cfg.Workers.Resume)
		api.POST("/workers/scale", cfg.Workers.Scale)
	}
	if cfg.Resources != nil {
		api.GET("/resources/status", cfg.Resources.Status)
	}
	if cfg.Builds != nil {
		api.POST("/builds", cfg.Builds.Create)
		api.GET("/builds/:id", cfg.Builds.Get)
		api.GET("/builds/:id/logs", cfg.Builds.Logs)
	}
	if cfg.Containers != nil {
		api.POST("/containers/:workflow_id/restart", cfg.Containers.Restart)
		api.GET("/containers/:workflow_id/logs", cfg.Containers.Logs)
	}

	return r
}
