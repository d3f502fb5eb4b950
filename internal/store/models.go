// Package store is the gorm/postgres-backed persistence adapter: the
// scheduling plane reads workflow definitions and build records, and
// writes execution records and pending build records, through this
// package only.
package store

import (
	"time"
)

// Workflow is the upstream-authored node graph the core looks up by id
// before handing it to the Container Supervisor and Inference Client.
// Owned by the out-of-scope workflow-parsing subsystem; the core only
// reads it.
type Workflow struct {
	ID        string         `gorm:"column:id;primaryKey" json:"id"`
	Name      string         `gorm:"column:name" json:"name"`
	Graph     map[string]any `gorm:"column:graph;serializer:json" json:"graph"`
	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (Workflow) TableName() string { return "workflows" }

// BuildStatus mirrors the out-of-scope container-build subsystem's
// lifecycle for one workflow's image.
type BuildStatus string

const (
	BuildPending BuildStatus = "pending"
	BuildRunning BuildStatus = "running"
	BuildSuccess BuildStatus = "success"
	BuildFailed  BuildStatus = "failed"
)

// Build is one container-image build attempt for a workflow. The core
// inserts pending rows for POST /api/builds and reads the latest
// BuildSuccess row's Image per workflow; it never performs a build itself.
type Build struct {
	ID         string      `gorm:"column:id;primaryKey" json:"id"`
	WorkflowID string      `gorm:"column:workflow_id;index" json:"workflow_id"`
	Image      string      `gorm:"column:image" json:"image"`
	Status     BuildStatus `gorm:"column:status" json:"status"`
	CreatedAt  time.Time   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt  time.Time   `gorm:"column:updated_at" json:"updated_at"`
}

func (Build) TableName() string { return "builds" }

// BuildLog is one line of a build's streamed output, ordered by a
// per-build monotonic sequence number so GET /api/builds/{id}/logs can
// page with ?since=seq.
type BuildLog struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	BuildID   string    `gorm:"column:build_id;index" json:"-"`
	Seq       int64     `gorm:"column:seq" json:"seq"`
	Line      string    `gorm:"column:line" json:"line"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

func (BuildLog) TableName() string { return "build_logs" }

// Execution is the core's own write-side record: one row per job,
// recording the lifecycle the Durable Queue and Job Executor observe.
// This is the one table the core owns end to end.
type Execution struct {
	ID          string     `gorm:"column:id;primaryKey" json:"id"`
	JobID       string     `gorm:"column:job_id;index" json:"job_id"`
	PromptID    string     `gorm:"column:prompt_id;index" json:"prompt_id"`
	WorkflowID  string     `gorm:"column:workflow_id;index" json:"workflow_id"`
	Status      string     `gorm:"column:status" json:"status"`
	CreatedAt   time.Time  `gorm:"column:created_at" json:"created_at"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	RetryCount  int        `gorm:"column:retry_count" json:"retry_count"`
	Error       string     `gorm:"column:error" json:"error,omitempty"`
	ImageURLs   []string   `gorm:"column:image_urls;serializer:json" json:"image_urls,omitempty"`
}

func (Execution) TableName() string { return "executions" }
