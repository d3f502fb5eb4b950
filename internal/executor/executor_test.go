package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deeployd/forge/internal/bus"
	"github.com/deeployd/forge/internal/domain"
	"github.com/deeployd/forge/internal/forgeerrors"
	"github.com/deeployd/forge/internal/inference"
	"github.com/deeployd/forge/internal/logger"
	"github.com/deeployd/forge/internal/queue"
	"github.com/deeployd/forge/internal/resource"
)

type fakeSupervisor struct {
	baseURL string
	err     error
}

func (f *fakeSupervisor) Ensure(ctx context.Context, workflowID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.baseURL, nil
}

type fakeRecorder struct {
	calls []domain.JobState
}

func (f *fakeRecorder) RecordExecution(ctx context.Context, job *domain.Job) error {
	f.calls = append(f.calls, job.State)
	return nil
}

func newTestExecutor(t *testing.T, baseURL string, sup Supervisor, rec ExecutionRecorder) (*Executor, *queue.Queue) {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	q, err := queue.Open(queue.Options{Path: filepath.Join(t.TempDir(), "queue.db"), MaxQueueSize: 100}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	sens := resource.NewStub(log, domain.ResourceSnapshot{CPUPercent: 10, MemPercent: 10, DiskPercent: 10, MemAvailMB: 8192, DiskAvailMB: 16384})
	infer := inference.New(inference.Options{BaseURL: baseURL, OutputDir: t.TempDir(), MaxRetries: 1}, log)
	hub := bus.NewHub(log, 10, nil)
	exec := New(Config{MaxConcurrentJobs: 2, DefaultTimeout: 2 * time.Second}, q, sens, sup, infer, hub, rec, log)
	return exec, q
}

func comfyUIStub() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/prompt":
			_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": "prompt-1"})
		case r.URL.Path == "/queue":
			_ = json.NewEncoder(w).Encode(map[string]any{"queue_running": [][]any{}, "queue_pending": [][]any{}})
		case r.URL.Path == "/history/prompt-1":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"prompt-1": map[string]any{
					"status":  map[string]any{"completed": true, "status_str": "success"},
					"outputs": map[string]any{"9": map[string]any{"images": []map[string]any{{"filename": "out.png"}}}},
				},
			})
		case r.URL.Path == "/view":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("fake-png"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestExecute_CompletesSuccessfully(t *testing.T) {
	srv := comfyUIStub()
	defer srv.Close()

	rec := &fakeRecorder{}
	exec, q := newTestExecutor(t, srv.URL, &fakeSupervisor{baseURL: srv.URL}, rec)

	job := &domain.Job{JobID: "job-1", WorkflowID: "wf-1", Workflow: map[string]any{"1": map[string]any{"class_type": "KSampler", "inputs": map[string]any{}}}}
	require.NoError(t, q.Enqueue(job))

	require.NoError(t, exec.Execute(context.Background(), job, domain.WorkloadEstimate{Nodes: 1, Width: 512, Height: 512, BatchSize: 1, Steps: 1}))

	current, err := q.Get(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, current.State)
	assert.NotEmpty(t, current.Result["images"])
	assert.Contains(t, rec.calls, domain.JobCompleted)
}

func TestExecute_BuildRequiredFailsWithoutRetry(t *testing.T) {
	rec := &fakeRecorder{}
	exec, q := newTestExecutor(t, "http://unused", &fakeSupervisor{err: forgeerrors.New(forgeerrors.BuildRequired, "no image built")}, rec)

	job := &domain.Job{JobID: "job-2", WorkflowID: "wf-2", Workflow: map[string]any{}, MaxRetries: 3}
	require.NoError(t, q.Enqueue(job))

	assert.Error(t, exec.Execute(context.Background(), job, domain.WorkloadEstimate{}))

	current, err := q.Get(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, current.State)
	assert.Equal(t, 0, current.RetryCount)
}

func TestExecute_AdmissionRejectsAtCapacity(t *testing.T) {
	rec := &fakeRecorder{}
	exec, q := newTestExecutor(t, "http://unused", &fakeSupervisor{baseURL: "http://unused"}, rec)
	exec.cfg.MaxConcurrentJobs = 1
	exec.active["busy"] = &activeJob{job: &domain.Job{JobID: "busy"}}

	job := &domain.Job{JobID: "job-3", WorkflowID: "wf-3", Workflow: map[string]any{}, MaxRetries: 3}
	require.NoError(t, q.Enqueue(job))

	assert.Error(t, exec.Execute(context.Background(), job, domain.WorkloadEstimate{}))

	current, err := q.Get(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, current.State)
}

func TestCanAccept_FalseWhenAtMaxConcurrentJobs(t *testing.T) {
	exec, _ := newTestExecutor(t, "http://unused", &fakeSupervisor{baseURL: "http://unused"}, nil)
	exec.cfg.MaxConcurrentJobs = 1
	exec.active["busy"] = &activeJob{job: &domain.Job{JobID: "busy"}}
	assert.False(t, exec.CanAccept())
}
