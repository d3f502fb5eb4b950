package workerpool

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deeployd/forge/internal/domain"
	"github.com/deeployd/forge/internal/logger"
	"github.com/deeployd/forge/internal/queue"
	"github.com/deeployd/forge/internal/resource"
)

type fakeExecutor struct {
	mu        sync.Mutex
	accepting bool
	executed  int32
}

func (f *fakeExecutor) CanAccept() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepting
}

func (f *fakeExecutor) Execute(ctx context.Context, job *domain.Job, estimate domain.WorkloadEstimate) error {
	atomic.AddInt32(&f.executed, 1)
	return nil
}

func (f *fakeExecutor) ActiveCount() int { return 0 }

func newTestPool(t *testing.T, exec Executor, cfg domain.PoolConfig) (*Pool, *queue.Queue) {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	q, err := queue.Open(queue.Options{Path: filepath.Join(t.TempDir(), "queue.db"), MaxQueueSize: 100}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	sens := resource.New(log, t.TempDir())
	return New(cfg, q, exec, sens, log), q
}

func TestPool_DequeuesAndExecutesJob(t *testing.T) {
	exec := &fakeExecutor{accepting: true}
	p, q := newTestPool(t, exec, domain.PoolConfig{MinWorkers: 1, MaxWorkers: 2, PollInterval: 10 * time.Millisecond})
	require.NoError(t, q.Enqueue(&domain.Job{JobID: "job-1", Priority: domain.PriorityNormal}))

	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&exec.executed) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPool_AddRefusesAtMaxWorkers(t *testing.T) {
	exec := &fakeExecutor{accepting: false}
	p, _ := newTestPool(t, exec, domain.PoolConfig{MinWorkers: 1, MaxWorkers: 1, PollInterval: 10 * time.Millisecond})
	p.Start(context.Background())
	defer p.Stop()

	_, err := p.Add("")
	assert.Error(t, err)
}

func TestPool_RemoveRefusesAtMinWorkers(t *testing.T) {
	exec := &fakeExecutor{accepting: false}
	p, _ := newTestPool(t, exec, domain.PoolConfig{MinWorkers: 1, MaxWorkers: 2, PollInterval: 10 * time.Millisecond})
	p.Start(context.Background())
	defer p.Stop()

	workers := p.Snapshot()
	require.Len(t, workers, 1)
	err := p.Remove(workers[0].WorkerID)
	assert.Error(t, err)
}

func TestPool_PauseAllStopsDequeuing(t *testing.T) {
	exec := &fakeExecutor{accepting: true}
	p, q := newTestPool(t, exec, domain.PoolConfig{MinWorkers: 1, MaxWorkers: 1, PollInterval: 10 * time.Millisecond})
	p.Start(context.Background())
	defer p.Stop()

	p.PauseAll()
	require.NoError(t, q.Enqueue(&domain.Job{JobID: "job-1", Priority: domain.PriorityNormal}))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&exec.executed))

	p.ResumeAll()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&exec.executed) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPool_ScaleAdjustsWorkerCount(t *testing.T) {
	exec := &fakeExecutor{accepting: false}
	p, _ := newTestPool(t, exec, domain.PoolConfig{MinWorkers: 1, MaxWorkers: 4, PollInterval: 10 * time.Millisecond})
	p.Start(context.Background())
	defer p.Stop()

	prev, cur, err := p.Scale(3)
	require.NoError(t, err)
	assert.Equal(t, 1, prev)
	assert.Equal(t, 3, cur)

	prev, cur, err = p.Scale(1)
	require.NoError(t, err)
	assert.Equal(t, 3, prev)
	assert.Equal(t, 1, cur)
}

func TestPool_ScaleRejectsOutOfBounds(t *testing.T) {
	exec := &fakeExecutor{accepting: false}
	p, _ := newTestPool(t, exec, domain.PoolConfig{MinWorkers: 1, MaxWorkers: 2, PollInterval: 10 * time.Millisecond})
	p.Start(context.Background())
	defer p.Stop()

	_, _, err := p.Scale(10)
	assert.Error(t, err)
}
