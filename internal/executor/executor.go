// Package executor implements the Job Executor: per-job orchestration
// spanning admission, container readiness, submission, resource
// monitoring, timeout enforcement, and result recording. Each job runs
// under a context-scoped deadline with a done-channel-guarded monitor
// goroutine alongside it.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/deeployd/forge/internal/bus"
	"github.com/deeployd/forge/internal/domain"
	"github.com/deeployd/forge/internal/forgeerrors"
	"github.com/deeployd/forge/internal/inference"
	"github.com/deeployd/forge/internal/logger"
	"github.com/deeployd/forge/internal/metrics"
	"github.com/deeployd/forge/internal/queue"
	"github.com/deeployd/forge/internal/resource"
)

// Supervisor is the subset of the Container Supervisor the executor
// needs, kept narrow so tests can fake it.
type Supervisor interface {
	Ensure(ctx context.Context, workflowID string) (string, error)
}

// ExecutionRecorder persists the execution row to the relational store.
// Satisfied by internal/store.Store; nil when no Postgres DSN is
// configured, in which case the executor simply skips persistence.
type ExecutionRecorder interface {
	RecordExecution(ctx context.Context, job *domain.Job) error
}

type activeJob struct {
	job       *domain.Job
	estimate  domain.CostEstimate
	startedAt time.Time
	cancel    context.CancelFunc
}

type Config struct {
	MaxConcurrentJobs int
	CheckInterval     time.Duration
	DefaultTimeout    time.Duration
	CPUMax            float64
	MemMax            float64
	DiskMax           float64

	// RuntimeURL, when set, routes every job to one externally managed
	// inference runtime instead of supervisor-managed containers.
	RuntimeURL string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 2
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 300 * time.Second
	}
	if c.CPUMax <= 0 {
		c.CPUMax = 90
	}
	if c.MemMax <= 0 {
		c.MemMax = 85
	}
	if c.DiskMax <= 0 {
		c.DiskMax = 95
	}
	return c
}

type Executor struct {
	mu         sync.Mutex
	active     map[string]*activeJob
	cfg        Config
	q          *queue.Queue
	sensor     *resource.Sensor
	supervisor Supervisor
	infer      *inference.Client
	hub        *bus.Hub
	recorder   ExecutionRecorder
	log        *logger.Logger
}

func New(cfg Config, q *queue.Queue, sensor *resource.Sensor, supervisor Supervisor, infer *inference.Client, hub *bus.Hub, recorder ExecutionRecorder, log *logger.Logger) *Executor {
	return &Executor{
		active:     make(map[string]*activeJob),
		cfg:        cfg.withDefaults(),
		q:          q,
		sensor:     sensor,
		supervisor: supervisor,
		infer:      infer,
		hub:        hub,
		recorder:   recorder,
		log:        log.With("component", "JobExecutor"),
	}
}

// recordExecution best-effort persists the job's current state; a
// recording failure is logged, never surfaced to the job's own outcome.
func (e *Executor) recordExecution(job *domain.Job) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordExecution(context.Background(), job); err != nil {
		e.log.Warn("record execution failed", "job_id", job.JobID, "error", err)
	}
}

// CanAccept reports whether the executor has headroom for another job:
// under the concurrency cap and within the configured resource limits.
func (e *Executor) CanAccept() bool {
	e.mu.Lock()
	count := len(e.active)
	e.mu.Unlock()
	if count >= e.cfg.MaxConcurrentJobs {
		return false
	}
	snap := e.sensor.Sample()
	return resource.WithinLimits(snap, e.cfg.CPUMax, e.cfg.MemMax, e.cfg.DiskMax)
}

// Execute runs the full per-job lifecycle: admission, registration,
// execution under deadline, result recording, cleanup.
// It never panics the caller: all failures route through queue.Fail and
// an execution_complete{failed} event. The returned error reports the
// job's outcome so the Worker Pool can keep its per-worker counters.
func (e *Executor) Execute(ctx context.Context, job *domain.Job, estimate domain.WorkloadEstimate) error {
	cost := resource.Estimate(estimate)
	if job.PromptID == "" {
		job.PromptID = job.JobID
	}

	ok, reason := e.admit(job, cost)
	if !ok {
		e.failJob(job, reason, false)
		return forgeerrors.New(forgeerrors.Capacity, reason)
	}

	jobCtx, cancel := context.WithTimeout(ctx, e.cfg.DefaultTimeout)
	defer cancel()

	e.register(job, cost, cancel)
	defer e.unregister(job.JobID)

	e.recordExecution(job)
	e.hub.BroadcastPrompt(job.PromptID, bus.Message{Type: bus.EventExecutionStarted, PromptID: job.PromptID})

	monitorDone := make(chan struct{})
	go e.monitorResources(jobCtx, job, monitorDone)
	defer close(monitorDone)

	started := time.Now()
	result, err := e.runOnce(jobCtx, job, cost, started)
	if err != nil {
		e.handleFailure(job, err)
		return err
	}

	if err := e.q.Complete(job.JobID, result); err != nil {
		e.log.Warn("queue.complete failed", "job_id", job.JobID, "error", err)
	}
	metrics.ObserveJobOutcome(domain.JobCompleted)
	if completed, err := e.q.Get(job.JobID); err == nil {
		e.recordExecution(completed)
	}
	e.hub.BroadcastPrompt(job.PromptID, bus.Message{
		Type: bus.EventExecutionComplete, PromptID: job.PromptID,
		Data: map[string]any{
			"status":     "completed",
			"images":     result["images"],
			"total_time": time.Since(started).Seconds(),
		},
	})
	e.broadcastQueueUpdate()
	return nil
}

// broadcastQueueUpdate pushes the current segment depths to the "queue"
// room after every terminal transition, so monitoring clients see depth
// changes without polling GET /api/queue/status.
func (e *Executor) broadcastQueueUpdate() {
	stats, err := e.q.Stats()
	if err != nil {
		return
	}
	e.hub.BroadcastRoom("queue", bus.Message{Type: bus.EventQueueUpdate, Data: stats})
}

func (e *Executor) admit(job *domain.Job, cost domain.CostEstimate) (bool, string) {
	if !e.CanAccept() {
		return false, "executor at capacity"
	}
	ok, reason := e.sensor.Admit(cost.MemMB, cost.DiskMB)
	if !ok {
		return false, reason
	}
	return true, ""
}

func (e *Executor) register(job *domain.Job, cost domain.CostEstimate, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[job.JobID] = &activeJob{job: job, estimate: cost, startedAt: time.Now(), cancel: cancel}
	metrics.ActiveJobs.Set(float64(len(e.active)))
}

func (e *Executor) unregister(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, jobID)
	metrics.ActiveJobs.Set(float64(len(e.active)))
}

func (e *Executor) monitorResources(ctx context.Context, job *domain.Job, done <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			snap := e.sensor.Sample()
			e.hub.BroadcastPrompt(job.PromptID, bus.Message{
				Type: bus.EventResourceUpdate, PromptID: job.PromptID, Data: snap,
			})
		}
	}
}

func (e *Executor) runOnce(ctx context.Context, job *domain.Job, cost domain.CostEstimate, started time.Time) (map[string]any, error) {
	baseURL := e.cfg.RuntimeURL
	if baseURL == "" {
		if e.supervisor == nil {
			return nil, forgeerrors.New(forgeerrors.RuntimeUnavailable, "no container supervisor and no runtime URL configured")
		}
		var err error
		baseURL, err = e.supervisor.Ensure(ctx, job.WorkflowID)
		if err != nil {
			return nil, err
		}
	}

	workflow, err := inference.InjectParameters(job.Workflow, job.Parameters, e.log)
	if err != nil {
		return nil, forgeerrors.Wrap(forgeerrors.Internal, "inject parameters", err)
	}

	client := e.infer.WithBaseURL(baseURL)

	// runtimePromptID is the id the inference runtime knows the
	// submission by. Subscribers and the status endpoint keep using the
	// placeholder job.PromptID they were handed at enqueue, so every
	// broadcast below stays addressed to that.
	runtimePromptID, err := client.Submit(ctx, workflow, job.ClientID)
	if err != nil {
		return nil, err
	}

	completion, err := client.WaitForCompletion(ctx, runtimePromptID, e.cfg.DefaultTimeout, func(st inference.StatusResult) {
		e.broadcastProgress(job, cost, started, st)
	})
	if err != nil {
		return nil, err
	}
	if completion.Status == inference.StatusFailed {
		return nil, forgeerrors.New(forgeerrors.Internal, completion.Error)
	}

	return map[string]any{"images": completion.Images}, nil
}

// broadcastProgress derives a coarse progress_update from the poll loop:
// the runtime's queue/history endpoints don't expose per-step counters,
// so percentage and eta come from elapsed time against the cost model's
// predicted duration.
func (e *Executor) broadcastProgress(job *domain.Job, cost domain.CostEstimate, started time.Time, st inference.StatusResult) {
	elapsed := time.Since(started).Seconds()
	pct := 0.0
	eta := 0.0
	if cost.Seconds > 0 {
		pct = elapsed / cost.Seconds * 100
		if pct > 99 {
			pct = 99
		}
		if remaining := cost.Seconds - elapsed; remaining > 0 {
			eta = remaining
		}
	}
	data := map[string]any{
		"state":      st.Status,
		"percentage": pct,
	}
	if eta > 0 {
		data["eta_seconds"] = eta
	}
	if st.QueuePosition > 0 {
		data["queue_position"] = st.QueuePosition
	}
	e.hub.BroadcastPrompt(job.PromptID, bus.Message{
		Type: bus.EventProgressUpdate, PromptID: job.PromptID, Data: data,
	})
}

// handleFailure routes a job's error through queue.Fail: transient
// failures (runtime unreachable, internal surprises) are retried until
// the cap, deterministic ones (validation, missing build, unknown ids)
// are not. Deadline breaches take the timed-out variant of the same path.
func (e *Executor) handleFailure(job *domain.Job, err error) {
	if forgeerrors.KindOf(err) == forgeerrors.Timeout || errors.Is(err, context.DeadlineExceeded) {
		e.failTimedOut(job, err.Error())
		return
	}
	switch forgeerrors.KindOf(err) {
	case forgeerrors.Validation, forgeerrors.BuildRequired, forgeerrors.NotFound:
		e.failJob(job, err.Error(), false)
	default:
		e.failJob(job, err.Error(), true)
	}
}

func (e *Executor) failTimedOut(job *domain.Job, reason string) {
	if err := e.q.FailTimedOut(job.JobID, reason, true); err != nil {
		e.log.Warn("queue.fail failed", "job_id", job.JobID, "error", err)
	}
	e.finishFailed(job, reason)
}

func (e *Executor) failJob(job *domain.Job, reason string, retry bool) {
	if err := e.q.Fail(job.JobID, reason, retry); err != nil {
		e.log.Warn("queue.fail failed", "job_id", job.JobID, "error", err)
	}
	e.finishFailed(job, reason)
}

func (e *Executor) finishFailed(job *domain.Job, reason string) {
	if failed, err := e.q.Get(job.JobID); err == nil {
		e.recordExecution(failed)
		if failed.State.Terminal() {
			metrics.ObserveJobOutcome(failed.State)
		}
	} else {
		e.recordExecution(job)
	}
	e.hub.BroadcastPrompt(job.PromptID, bus.Message{
		Type: bus.EventExecutionComplete, PromptID: job.PromptID,
		Data: map[string]any{"status": "failed", "error": reason},
	})
	e.broadcastQueueUpdate()
}

// ActiveCount reports the number of jobs currently executing.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}
