// Package domain holds the core data model shared by every component of
// the scheduling and execution plane: jobs, workers, runtime containers,
// subscriptions, and resource snapshots.
package domain

import "time"

// Priority orders jobs across the three queue segments. Higher numeric
// value never means higher priority; ordering is by segment, not value.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ParsePriority normalizes a client-supplied priority string, defaulting to
// normal on anything unrecognized.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityHigh:
		return PriorityHigh
	case PriorityLow:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// JobState is a node in the job lifecycle state machine.
type JobState string

const (
	JobPending    JobState = "pending"
	JobQueued     JobState = "queued"
	JobProcessing JobState = "processing"
	JobRetrying   JobState = "retrying"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
	JobTimedOut   JobState = "timed_out"
)

// Terminal reports whether the queue will never re-dispatch from this
// state. TIMED_OUT counts: it is a deadline breach treated as a failure,
// recoverable only through explicit dead-letter recovery.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobTimedOut:
		return true
	default:
		return false
	}
}

// Job is the atomic unit of scheduling.
type Job struct {
	JobID    string `json:"job_id"`
	PromptID string `json:"prompt_id"`

	WorkflowID string         `json:"workflow_id"`
	Workflow   map[string]any `json:"workflow"`
	Parameters map[string]any `json:"parameters"`

	Priority Priority `json:"priority"`
	State    JobState `json:"state"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`

	ClientID string `json:"client_id,omitempty"`
}

// Clone returns a deep-enough copy safe to hand across goroutine
// boundaries (queue internals never leak the original pointer out).
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Workflow = cloneMap(j.Workflow)
	cp.Parameters = cloneMap(j.Parameters)
	cp.Result = cloneMap(j.Result)
	return &cp
}

// ImageURLs extracts the result's image URL list. A job read back from
// the queue has been through a JSON round trip, so the slice may be
// []any rather than the []string the executor stored.
func (j *Job) ImageURLs() []string {
	if j == nil || j.Result == nil {
		return nil
	}
	switch v := j.Result["images"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// WorkloadEstimate is the cost model input for resource admission.
type WorkloadEstimate struct {
	Nodes     int
	Width     int
	Height    int
	BatchSize int
	Steps     int
}

// EstimateWorkload derives the Resource Sensor's cost-model input from the
// job's node count and its injected parameters, defaulting any parameter
// the client omitted to the same defaults validate.Normalize applies.
func (j *Job) EstimateWorkload() WorkloadEstimate {
	w := WorkloadEstimate{Nodes: len(j.Workflow), Width: 512, Height: 512, BatchSize: 1, Steps: 20}
	if v, ok := intParam(j.Parameters, "width"); ok {
		w.Width = v
	}
	if v, ok := intParam(j.Parameters, "height"); ok {
		w.Height = v
	}
	if v, ok := intParam(j.Parameters, "batch_size"); ok {
		w.BatchSize = v
	}
	if v, ok := intParam(j.Parameters, "steps"); ok {
		w.Steps = v
	}
	return w
}

func intParam(params map[string]any, key string) (int, bool) {
	raw, ok := params[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
