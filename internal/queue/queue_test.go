package queue

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deeployd/forge/internal/domain"
	"github.com/deeployd/forge/internal/logger"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	q, err := Open(Options{Path: filepath.Join(t.TempDir(), "queue.db"), MaxQueueSize: 10}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueDequeue_PriorityFIFO(t *testing.T) {
	q := newTestQueue(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(&domain.Job{JobID: "low-" + string(rune('a'+i)), Priority: domain.PriorityLow}))
	}
	require.NoError(t, q.Enqueue(&domain.Job{JobID: "high-1", Priority: domain.PriorityHigh}))

	job, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "high-1", job.JobID, "HIGH must be dequeued before LOW")
	assert.Equal(t, domain.JobProcessing, job.State)

	job, err = q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, "low-a", job.JobID, "within a segment, FIFO order holds")
}

func TestEnqueue_CapacityFull(t *testing.T) {
	q := newTestQueue(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(&domain.Job{Priority: domain.PriorityNormal}))
	}
	err := q.Enqueue(&domain.Job{Priority: domain.PriorityNormal})
	assert.Error(t, err)
}

func TestFail_RetriesThenDeadLetters(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(&domain.Job{JobID: "job-1", Priority: domain.PriorityNormal, MaxRetries: 2}))

	job, err := q.Dequeue()
	require.NoError(t, err)
	require.NoError(t, q.Fail(job.JobID, "transient", true))

	got, err := q.Get(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, domain.JobRetrying, got.State)

	job, err = q.Dequeue()
	require.NoError(t, err)
	require.NoError(t, q.Fail(job.JobID, "transient", true))

	job, err = q.Dequeue()
	require.NoError(t, err)
	require.NoError(t, q.Fail(job.JobID, "final", true))

	got, err = q.Get(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.State)

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLetter)
}

func TestFailTimedOut_DeadLettersAsTimedOut(t *testing.T) {
	q := newTestQueue(t)
	// Retry budget already spent, so the timeout goes straight to dead-letter.
	require.NoError(t, q.Enqueue(&domain.Job{JobID: "job-1", Priority: domain.PriorityNormal, MaxRetries: 1, RetryCount: 1}))

	job, err := q.Dequeue()
	require.NoError(t, err)
	require.NoError(t, q.FailTimedOut(job.JobID, "deadline exceeded", true))

	got, err := q.Get(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobTimedOut, got.State)
	assert.True(t, got.State.Terminal())

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLetter)
}

func TestRecoverDeadLetter_PreservesOriginalPriority(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(&domain.Job{JobID: "job-1", Priority: domain.PriorityHigh, MaxRetries: 1, RetryCount: 1}))
	job, err := q.Dequeue()
	require.NoError(t, err)
	require.NoError(t, q.Fail(job.JobID, "permanent", true))

	recovered, err := q.RecoverDeadLetter(10)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, domain.PriorityHigh, recovered[0].Priority)
	assert.Equal(t, 0, recovered[0].RetryCount)

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.High)
	assert.Equal(t, 0, stats.DeadLetter)
}

func TestOpen_RedeliversProcessingJobs(t *testing.T) {
	log, err := logger.New("development")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "queue.db")

	q, err := Open(Options{Path: path, MaxQueueSize: 10}, log)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(&domain.Job{JobID: "job-1", Priority: domain.PriorityNormal}))

	job, err := q.Dequeue()
	require.NoError(t, err)
	require.Equal(t, domain.JobProcessing, job.State)

	// Simulated crash: close without complete/fail, then reopen.
	require.NoError(t, q.Close())
	q, err = Open(Options{Path: path, MaxQueueSize: 10}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	job, err = q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, job, "in-flight job must be re-dequeued after restart")
	assert.Equal(t, "job-1", job.JobID)
}

func TestEnqueue_SetsPromptIDPlaceholder(t *testing.T) {
	q := newTestQueue(t)
	job := &domain.Job{Priority: domain.PriorityNormal}
	require.NoError(t, q.Enqueue(job))
	assert.Equal(t, job.JobID, job.PromptID)
}

func TestCancel_OnlyBeforeProcessing(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(&domain.Job{JobID: "job-1", Priority: domain.PriorityNormal}))
	require.NoError(t, q.Cancel("job-1"))

	got, err := q.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, got.State)

	require.NoError(t, q.Enqueue(&domain.Job{JobID: "job-2", Priority: domain.PriorityNormal}))
	job, err := q.Dequeue()
	require.NoError(t, err)
	require.Equal(t, "job-2", job.JobID)
	assert.Error(t, q.Cancel("job-2"))
}

func TestPosition(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(&domain.Job{JobID: "n1", Priority: domain.PriorityNormal}))
	require.NoError(t, q.Enqueue(&domain.Job{JobID: "n2", Priority: domain.PriorityNormal}))
	require.NoError(t, q.Enqueue(&domain.Job{JobID: "h1", Priority: domain.PriorityHigh}))

	pos, err := q.Position("n2")
	require.NoError(t, err)
	assert.Equal(t, 3, pos) // 1 high ahead + position 2 within normal

	pos, err = q.Position("missing")
	require.NoError(t, err)
	assert.Equal(t, -1, pos)
}
