package domain

import "time"

// WorkerState is the lifecycle state of one pool worker.
type WorkerState string

const (
	WorkerIdle       WorkerState = "idle"
	WorkerProcessing WorkerState = "processing"
	WorkerPaused     WorkerState = "paused"
	WorkerStopping   WorkerState = "stopping"
	WorkerStopped    WorkerState = "stopped"
	WorkerError      WorkerState = "error"
)

// Worker is the pool's view of a single cooperative loop.
type Worker struct {
	WorkerID  string      `json:"worker_id"`
	State     WorkerState `json:"state"`
	JobID     string      `json:"job_id,omitempty"`
	Completed uint64      `json:"completed"`
	Failed    uint64      `json:"failed"`
	CreatedAt time.Time   `json:"created_at"`
}

// PoolConfig bounds the Worker Pool's autoscaling behavior.
type PoolConfig struct {
	MinWorkers     int
	MaxWorkers     int
	ScaleThreshold int
	PollInterval   time.Duration
	ScaleInterval  time.Duration
}
