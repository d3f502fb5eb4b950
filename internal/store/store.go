package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/deeployd/forge/internal/domain"
	"github.com/deeployd/forge/internal/logger"
	"github.com/deeployd/forge/internal/pkg/dbctx"
)

// Store is the core's single handle onto the relational store. It
// satisfies container.ImageResolver. Besides this package, only
// internal/pkg/dbctx imports gorm (for the transaction handle).
type Store struct {
	db  *gorm.DB
	log *logger.Logger
}

// Open connects to Postgres and auto-migrates all four tables this
// package maps (workflows, builds, build_logs, executions), so a fresh
// database in development or tests has every table it reads or writes.
func Open(dsn string, log *logger.Logger) (*Store, error) {
	gormLog := gormLogger.New(
		newStdLogAdapter(),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := db.AutoMigrate(&Workflow{}, &Build{}, &BuildLog{}, &Execution{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	return &Store{db: db, log: log.With("component", "Store")}, nil
}

func newStdLogAdapter() gormLogger.Writer {
	return stdWriter{}
}

type stdWriter struct{}

func (stdWriter) Printf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
}

// LatestImage satisfies container.ImageResolver: the most recent
// BuildSuccess row's image for a workflow.
func (s *Store) LatestImage(ctx context.Context, workflowID string) (string, bool, error) {
	var b Build
	err := s.db.WithContext(ctx).
		Where("workflow_id = ? AND status = ?", workflowID, BuildSuccess).
		Order("created_at DESC").
		Limit(1).
		Find(&b).Error
	if err != nil {
		return "", false, err
	}
	if b.ID == "" {
		return "", false, nil
	}
	return b.Image, true, nil
}

// WorkflowDefinition reads the node graph the Job Executor hands to
// inference.InjectParameters.
func (s *Store) WorkflowDefinition(ctx context.Context, workflowID string) (map[string]any, error) {
	var w Workflow
	err := s.db.WithContext(ctx).Where("id = ?", workflowID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return w.Graph, nil
}

// CreateBuild inserts a new build row for POST /api/builds. The build
// subsystem is responsible for actually running the build and appending
// logs; this only persists the record and exposes it back over HTTP.
func (s *Store) CreateBuild(dbc dbctx.Context, b *Build) (*Build, error) {
	tx := s.tx(dbc)
	if b.Status == "" {
		b.Status = BuildPending
	}
	now := time.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	if err := tx.WithContext(dbc.Ctx).Create(b).Error; err != nil {
		return nil, err
	}
	return b, nil
}

// GetBuild returns a single build record by id.
func (s *Store) GetBuild(ctx context.Context, buildID string) (*Build, error) {
	var b Build
	err := s.db.WithContext(ctx).Where("id = ?", buildID).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// AppendBuildLog records one line of build output at the next
// sequence number for buildID.
func (s *Store) AppendBuildLog(ctx context.Context, buildID string, seq int64, line string) error {
	return s.db.WithContext(ctx).Create(&BuildLog{
		BuildID: buildID, Seq: seq, Line: line, CreatedAt: time.Now(),
	}).Error
}

// GetBuildLogs pages build output for GET /api/builds/{id}/logs with the
// ?since=seq&limit=N contract.
func (s *Store) GetBuildLogs(ctx context.Context, buildID string, since int64, limit int) ([]BuildLog, int64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var logs []BuildLog
	err := s.db.WithContext(ctx).
		Where("build_id = ? AND seq > ?", buildID, since).
		Order("seq ASC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, since, err
	}
	next := since
	if len(logs) > 0 {
		next = logs[len(logs)-1].Seq
	}
	return logs, next, nil
}

// RecordExecution upserts the core's own execution row from a domain
// Job snapshot, called by the Job Executor on every state transition
// worth persisting (started, completed, failed).
func (s *Store) RecordExecution(ctx context.Context, job *domain.Job) error {
	exec := Execution{
		ID:          job.JobID,
		JobID:       job.JobID,
		PromptID:    job.PromptID,
		WorkflowID:  job.WorkflowID,
		Status:      string(job.State),
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		RetryCount:  job.RetryCount,
		Error:       job.Error,
		ImageURLs:   job.ImageURLs(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&exec).Error
}

func (s *Store) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return s.db
}

// DB exposes the underlying gorm handle for callers (e.g. tests) that
// need to seed or inspect rows directly.
func (s *Store) DB() *gorm.DB { return s.db }
