package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deeployd/forge/internal/domain"
	"github.com/deeployd/forge/internal/logger"
	"github.com/deeployd/forge/internal/pkg/dbctx"
)

var errMissingDSN = errors.New("missing TEST_POSTGRES_DSN")

var (
	once   sync.Once
	shared *Store
	setErr error
)

// testStore opens a real Postgres connection, skipping the test when
// TEST_POSTGRES_DSN is unset. These are integration tests gated on a
// real database rather than a mocked gorm.
func testStore(t *testing.T) *Store {
	t.Helper()
	once.Do(func() {
		dsn := os.Getenv("TEST_POSTGRES_DSN")
		if dsn == "" {
			setErr = errMissingDSN
			return
		}
		log, err := logger.New("test")
		if err != nil {
			setErr = err
			return
		}
		shared, setErr = Open(dsn, log)
	})
	if errors.Is(setErr, errMissingDSN) {
		t.Skip("set TEST_POSTGRES_DSN to run store integration tests")
	}
	require.NoError(t, setErr)
	return shared
}

func TestLatestImage_ReturnsNewestSuccessfulBuild(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	workflowID := uuid.NewString()

	older := &Build{ID: uuid.NewString(), WorkflowID: workflowID, Image: "forge/old:1", Status: BuildSuccess}
	_, err := s.CreateBuild(dbctx.Context{Ctx: ctx}, older)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	newer := &Build{ID: uuid.NewString(), WorkflowID: workflowID, Image: "forge/new:2", Status: BuildSuccess}
	_, err = s.CreateBuild(dbctx.Context{Ctx: ctx}, newer)
	require.NoError(t, err)

	image, ok, err := s.LatestImage(ctx, workflowID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "forge/new:2", image)
}

func TestLatestImage_UnknownWorkflowReturnsNotFound(t *testing.T) {
	s := testStore(t)
	_, ok, err := s.LatestImage(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordExecution_UpsertsOnReplay(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	job := &domain.Job{
		JobID:      uuid.NewString(),
		PromptID:   "prompt-1",
		WorkflowID: uuid.NewString(),
		State:      domain.JobProcessing,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, s.RecordExecution(ctx, job))

	job.State = domain.JobCompleted
	now := time.Now()
	job.CompletedAt = &now
	job.Result = map[string]any{"images": []string{"http://x/1.png"}}
	require.NoError(t, s.RecordExecution(ctx, job))

	var exec Execution
	require.NoError(t, s.DB().WithContext(ctx).Where("job_id = ?", job.JobID).First(&exec).Error)
	assert.Equal(t, string(domain.JobCompleted), exec.Status)
	assert.NotNil(t, exec.CompletedAt)
}

func TestBuildLogs_PagesBySequence(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	build := &Build{ID: uuid.NewString(), WorkflowID: uuid.NewString(), Status: BuildRunning}
	_, err := s.CreateBuild(dbctx.Context{Ctx: ctx}, build)
	require.NoError(t, err)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, s.AppendBuildLog(ctx, build.ID, i, "line"))
	}

	logs, next, err := s.GetBuildLogs(ctx, build.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, int64(3), next)
}
