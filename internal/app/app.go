// Package app wires every component of the scheduling plane into one
// process: a single New that loads config and builds each collaborator in
// dependency order, and a Run that drives the HTTP server until its
// context is canceled, then tears down in reverse.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/deeployd/forge/internal/bus"
	"github.com/deeployd/forge/internal/config"
	"github.com/deeployd/forge/internal/container"
	"github.com/deeployd/forge/internal/domain"
	"github.com/deeployd/forge/internal/executor"
	forgehttp "github.com/deeployd/forge/internal/http"
	"github.com/deeployd/forge/internal/http/handlers"
	"github.com/deeployd/forge/internal/inference"
	"github.com/deeployd/forge/internal/logger"
	"github.com/deeployd/forge/internal/queue"
	"github.com/deeployd/forge/internal/resource"
	"github.com/deeployd/forge/internal/store"
	"github.com/deeployd/forge/internal/workerpool"
)

// App holds every long-lived component so Run/Close can sequence
// startup and teardown.
type App struct {
	Log    *logger.Logger
	Config config.Config

	queue      *queue.Queue
	hub        *bus.Hub
	sensor     *resource.Sensor
	supervisor *container.Supervisor
	infer      *inference.Client
	exec       *executor.Executor
	pool       *workerpool.Pool
	db         *store.Store
	server     *forgehttp.Server
}

// staticResolver reports no image and no definition for any workflow. It
// is used when no Postgres DSN is configured so a container-managed workflow
// still fails cleanly with BuildRequired instead of a nil-pointer panic.
type staticResolver struct{}

func (staticResolver) LatestImage(ctx context.Context, workflowID string) (string, bool, error) {
	return "", false, nil
}

func (staticResolver) WorkflowDefinition(ctx context.Context, workflowID string) (map[string]any, error) {
	return nil, nil
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	sensor := resource.New(log, cfg.OutputDir)

	q, err := queue.Open(queue.Options{Path: cfg.QueuePath, MaxQueueSize: cfg.MaxQueueSize}, log)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	var backplane bus.Backplane
	if cfg.RedisAddr != "" {
		backplane, err = bus.NewRedisBus(log, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			return nil, fmt.Errorf("connect redis backplane: %w", err)
		}
	}
	hub := bus.NewHub(log, cfg.MaxWSConnections, backplane)

	var db *store.Store
	var workflows handlers.WorkflowResolver
	var images container.ImageResolver
	if cfg.PostgresDSN != "" {
		db, err = store.Open(cfg.PostgresDSN, log)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		workflows = db
		images = db
	} else {
		images = staticResolver{}
		workflows = staticResolver{}
	}

	// With COMFYUI_URL pointing at an externally managed runtime there is
	// nothing for the supervisor to manage, and containerd need not be
	// reachable at all.
	var supervisor *container.Supervisor
	if cfg.ComfyUIURL == "" {
		supervisor, err = container.New(cfg.ContainerdSocket, images, log, cfg.GPUEnabled)
		if err != nil {
			return nil, fmt.Errorf("init container supervisor: %w", err)
		}
	}

	infer := inference.New(inference.Options{
		BaseURL:   cfg.ComfyUIURL,
		OutputDir: cfg.OutputDir,
		Timeout:   cfg.TaskTimeout.Duration(),
	}, log)

	var recorder executor.ExecutionRecorder
	if db != nil {
		recorder = db
	}
	execCfg := executor.Config{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		DefaultTimeout:    cfg.TaskTimeout.Duration(),
		CPUMax:            cfg.CPUMax,
		MemMax:            cfg.MemMax,
		DiskMax:           cfg.DiskMax,
		RuntimeURL:        cfg.ComfyUIURL,
	}
	var sup executor.Supervisor
	if supervisor != nil {
		sup = supervisor
	}
	exec := executor.New(execCfg, q, sensor, sup, infer, hub, recorder, log)

	pool := workerpool.New(domain.PoolConfig{
		MinWorkers:     cfg.MinWorkers,
		MaxWorkers:     cfg.MaxWorkers,
		ScaleThreshold: cfg.ScaleThreshold,
	}, q, exec, sensor, log)

	routerCfg := forgehttp.RouterConfig{
		Address: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		APIKey:  cfg.APIKey,
		Log:     log,

		Generate:   handlers.NewGenerateHandler(q, workflows, cfg.OutputDir, cfg.TaskTimeout.Duration(), log),
		Status:     handlers.NewStatusHandler(q),
		Queue:      handlers.NewQueueHandler(q),
		Images:     handlers.NewImageHandler(cfg.OutputDir),
		Workers:    handlers.NewWorkerHandler(pool),
		Resources: handlers.NewResourceHandler(sensor, handlers.Limits{CPUMax: cfg.CPUMax, MemMax: cfg.MemMax, DiskMax: cfg.DiskMax}),
		Health:    handlers.NewHealthHandler(),
		WS:        handlers.NewWSHandler(hub),
	}
	if supervisor != nil {
		routerCfg.Containers = handlers.NewContainerHandler(supervisor)
	}
	if db != nil {
		routerCfg.Builds = handlers.NewBuildHandler(db)
	}

	return &App{
		Log:        log,
		Config:     cfg,
		queue:      q,
		hub:        hub,
		sensor:     sensor,
		supervisor: supervisor,
		infer:      infer,
		exec:       exec,
		pool:       pool,
		db:         db,
		server:     forgehttp.NewServer(routerCfg),
	}, nil
}

// Run starts the worker pool and blocks on the HTTP server until ctx is
// canceled, then tears every component down in reverse dependency order.
func (a *App) Run(ctx context.Context) error {
	poolCtx, cancelPool := context.WithCancel(ctx)
	defer cancelPool()
	a.pool.Start(poolCtx)
	go a.sensor.RunCleanupLoop(poolCtx, 10*time.Minute, a.Config.CleanupOutputsAfter.Duration())

	err := a.server.Run(ctx)

	a.pool.Stop()
	if a.supervisor != nil {
		if cerr := a.supervisor.Close(); cerr != nil {
			a.Log.Warn("close container supervisor", "error", cerr)
		}
	}
	a.hub.Close()
	if cerr := a.queue.Close(); cerr != nil {
		a.Log.Warn("close queue", "error", cerr)
	}
	a.Log.Sync()

	return err
}
