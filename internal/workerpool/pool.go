// Package workerpool implements the Worker Pool: a dynamic set of
// cooperative loops pulling from the Durable Queue and autoscaling on
// queue depth and resource pressure. Each worker is a ticker-driven poll
// loop with panic recovery around the unit of work.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deeployd/forge/internal/domain"
	"github.com/deeployd/forge/internal/logger"
	"github.com/deeployd/forge/internal/metrics"
	"github.com/deeployd/forge/internal/queue"
	"github.com/deeployd/forge/internal/resource"
)

// Executor is the subset of internal/executor.Executor the pool needs.
// Narrowed to an interface so the pool never references the Queue
// through the executor; workers call executor methods only.
type Executor interface {
	CanAccept() bool
	Execute(ctx context.Context, job *domain.Job, estimate domain.WorkloadEstimate) error
	ActiveCount() int
}

const (
	defaultPollInterval  = 500 * time.Millisecond
	defaultScaleInterval = 10 * time.Second
	removeGracePeriod    = 10 * time.Second
	stopGracePeriod      = 2 * time.Second
	scaleUpCPUMax        = 80.0
	scaleUpMemMax        = 70.0
)

type workerHandle struct {
	mu      sync.Mutex
	record  domain.Worker
	paused  bool
	stop    chan struct{}
	stopped chan struct{}
}

func (h *workerHandle) snapshot() domain.Worker {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record
}

func (h *workerHandle) setState(s domain.WorkerState) {
	h.mu.Lock()
	h.record.State = s
	h.mu.Unlock()
}

func (h *workerHandle) isPaused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

// Pool owns every Worker record; other components refer to workers by id
// and consult the pool.
type Pool struct {
	mu      sync.Mutex
	workers map[string]*workerHandle
	cfg     domain.PoolConfig

	q    *queue.Queue
	exec Executor
	sens *resource.Sensor
	log  *logger.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	scalerDone chan struct{}
	running    bool
}

func New(cfg domain.PoolConfig, q *queue.Queue, exec Executor, sens *resource.Sensor, log *logger.Logger) *Pool {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.ScaleThreshold <= 0 {
		cfg.ScaleThreshold = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ScaleInterval <= 0 {
		cfg.ScaleInterval = defaultScaleInterval
	}
	return &Pool{
		workers: make(map[string]*workerHandle),
		cfg:     cfg,
		q:       q,
		exec:    exec,
		sens:    sens,
		log:     log.With("component", "WorkerPool"),
	}
}

// Start launches min_workers workers and the background scaler.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawnLocked("")
	}
	p.scalerDone = make(chan struct{})
	go p.scaleLoop()
}

// spawnLocked must be called with p.mu held.
func (p *Pool) spawnLocked(workerID string) *workerHandle {
	if workerID == "" {
		workerID = uuid.NewString()
	}
	h := &workerHandle{
		record:  domain.Worker{WorkerID: workerID, State: domain.WorkerIdle, CreatedAt: time.Now()},
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	p.workers[workerID] = h
	go p.runLoop(h)
	return h
}

// Add launches one additional worker, refusing at max_workers.
func (p *Pool) Add(workerID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) >= p.cfg.MaxWorkers {
		return "", fmt.Errorf("worker pool already at max_workers (%d)", p.cfg.MaxWorkers)
	}
	h := p.spawnLocked(workerID)
	return h.record.WorkerID, nil
}

// Remove signals workerID to stop and waits up to 10s for it to drain.
// On timeout it logs a warning and returns; the in-flight job is not
// cancelled, and the worker exits once that job finishes. Refuses at
// min_workers.
func (p *Pool) Remove(workerID string) error {
	p.mu.Lock()
	if len(p.workers) <= p.cfg.MinWorkers {
		p.mu.Unlock()
		return fmt.Errorf("worker pool already at min_workers (%d)", p.cfg.MinWorkers)
	}
	h, ok := p.workers[workerID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown worker %s", workerID)
	}
	delete(p.workers, workerID)
	p.mu.Unlock()

	h.setState(domain.WorkerStopping)
	close(h.stop)
	select {
	case <-h.stopped:
	case <-time.After(removeGracePeriod):
		p.log.Warn("worker did not stop within grace period", "worker_id", workerID)
	}
	h.setState(domain.WorkerStopped)
	return nil
}

// pickIdle returns the worker id of an IDLE worker, if any, for the
// scaler's scale-down path.
func (p *Pool) pickIdle() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, h := range p.workers {
		if h.snapshot().State == domain.WorkerIdle {
			return id, true
		}
	}
	return "", false
}

// PauseAll sets the paused flag on every worker; ResumeAll clears it.
func (p *Pool) PauseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.workers {
		h.mu.Lock()
		h.paused = true
		h.mu.Unlock()
	}
}

func (p *Pool) ResumeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.workers {
		h.mu.Lock()
		h.paused = false
		h.mu.Unlock()
	}
}

// Stop signals every worker to stop, waits up to 2s for graceful
// shutdown, then force-cancels the rest via context cancellation.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	handles := make([]*workerHandle, 0, len(p.workers))
	for _, h := range p.workers {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		h.setState(domain.WorkerStopping)
		select {
		case <-h.stop:
		default:
			close(h.stop)
		}
	}

	deadline := time.After(stopGracePeriod)
	for _, h := range handles {
		select {
		case <-h.stopped:
		case <-deadline:
		}
	}

	if p.cancel != nil {
		p.cancel()
	}
	if p.scalerDone != nil {
		<-p.scalerDone
	}
}

// runLoop is the per-worker cooperative loop: skip while paused or the
// executor is saturated, otherwise claim and run one job per iteration.
func (p *Pool) runLoop(h *workerHandle) {
	defer close(h.stopped)
	for {
		select {
		case <-h.stop:
			return
		case <-p.ctx.Done():
			return
		default:
		}

		if h.isPaused() {
			h.setState(domain.WorkerPaused)
			sleepOrStop(p.ctx, h.stop, p.cfg.PollInterval)
			continue
		}

		if !p.exec.CanAccept() {
			h.setState(domain.WorkerIdle)
			sleepOrStop(p.ctx, h.stop, p.cfg.PollInterval)
			continue
		}

		job, err := p.q.Dequeue()
		if err != nil {
			p.log.Warn("dequeue failed", "worker_id", h.record.WorkerID, "error", err)
			h.setState(domain.WorkerError)
			sleepOrStop(p.ctx, h.stop, p.cfg.PollInterval)
			continue
		}
		if job == nil {
			h.setState(domain.WorkerIdle)
			sleepOrStop(p.ctx, h.stop, p.cfg.PollInterval)
			continue
		}

		p.runJob(h, job)
	}
}

func (p *Pool) runJob(h *workerHandle, job *domain.Job) {
	h.mu.Lock()
	h.record.State = domain.WorkerProcessing
	h.record.JobID = job.JobID
	h.mu.Unlock()

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("job execution panic", "worker_id", h.record.WorkerID, "job_id", job.JobID, "panic", r)
				execErr = fmt.Errorf("panic: %v", r)
			}
		}()
		execErr = p.exec.Execute(p.ctx, job, job.EstimateWorkload())
	}()

	h.mu.Lock()
	h.record.JobID = ""
	h.record.State = domain.WorkerIdle
	if execErr != nil {
		h.record.Failed++
	} else {
		h.record.Completed++
	}
	h.mu.Unlock()
}

func sleepOrStop(ctx context.Context, stop <-chan struct{}, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-stop:
	case <-time.After(d):
	}
}

// scaleLoop drives the autoscaler on a fixed cadence. No hysteresis is
// applied; bursty loads can flap the worker count.
func (p *Pool) scaleLoop() {
	defer close(p.scalerDone)
	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.tickScaler()
		}
	}
}

func (p *Pool) tickScaler() {
	stats, err := p.q.Stats()
	if err != nil {
		p.log.Warn("scaler: queue stats failed", "error", err)
		return
	}
	depth := stats.High + stats.Normal + stats.Low
	metrics.ObserveQueueStats(stats)

	p.mu.Lock()
	live := len(p.workers)
	p.mu.Unlock()
	if live == 0 {
		return
	}

	snap := p.sens.Sample()
	metrics.ObserveResources(snap)

	if depth > p.cfg.ScaleThreshold*live && live < p.cfg.MaxWorkers &&
		snap.CPUPercent < scaleUpCPUMax && snap.MemPercent < scaleUpMemMax {
		if _, err := p.Add(""); err != nil {
			p.log.Warn("scale up failed", "error", err)
		} else {
			p.log.Info("scaled up", "queue_depth", depth, "live_workers", live+1)
		}
		return
	}

	if depth < live && live > p.cfg.MinWorkers {
		if id, ok := p.pickIdle(); ok {
			if err := p.Remove(id); err != nil {
				p.log.Warn("scale down failed", "error", err)
			} else {
				p.log.Info("scaled down", "queue_depth", depth, "live_workers", live-1)
			}
		}
	}
}

// Snapshot returns every worker's current record, for GET /api/workers/status.
func (p *Pool) Snapshot() []domain.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Worker, 0, len(p.workers))
	for _, h := range p.workers {
		out = append(out, h.snapshot())
	}
	metrics.ObserveWorkers(out)
	return out
}

// LiveCount reports the current number of pool workers (any state).
func (p *Pool) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Scale adjusts the live worker count to target, adding or removing
// workers one at a time. Used by POST /api/workers/scale.
func (p *Pool) Scale(target int) (previous, current int, err error) {
	previous = p.LiveCount()
	if target < p.cfg.MinWorkers || target > p.cfg.MaxWorkers {
		return previous, previous, fmt.Errorf("target_workers must be between %d and %d", p.cfg.MinWorkers, p.cfg.MaxWorkers)
	}
	for p.LiveCount() < target {
		if _, addErr := p.Add(""); addErr != nil {
			break
		}
	}
	for p.LiveCount() > target {
		id, ok := p.pickIdle()
		if !ok {
			break
		}
		if remErr := p.Remove(id); remErr != nil {
			break
		}
	}
	return previous, p.LiveCount(), nil
}
