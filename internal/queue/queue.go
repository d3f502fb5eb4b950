// Package queue implements the Durable Queue: three priority-ordered
// FIFO segments plus a dead-letter segment, backed by a single bbolt
// database file. bbolt's Update/View transactions commit with an fsync,
// so a crash loses at most an uncommitted call.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/deeployd/forge/internal/domain"
	"github.com/deeployd/forge/internal/forgeerrors"
	"github.com/deeployd/forge/internal/logger"
)

var (
	bucketJobs       = []byte("jobs")
	bucketHigh       = []byte("segment_high")
	bucketNormal     = []byte("segment_normal")
	bucketLow        = []byte("segment_low")
	bucketDeadLetter = []byte("dead_letter")
	bucketStats      = []byte("stats")
)

const (
	statEnqueued  = "total_enqueued"
	statProcessed = "total_processed"
	statFailed    = "total_failed"
	statRetried   = "total_retried"
)

type Queue struct {
	db           *bolt.DB
	log          *logger.Logger
	maxQueueSize int
}

type Options struct {
	Path         string
	MaxQueueSize int
}

func Open(opts Options, log *logger.Logger) (*Queue, error) {
	db, err := bolt.Open(opts.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt queue at %s: %w", opts.Path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketJobs, bucketHigh, bucketNormal, bucketLow, bucketDeadLetter, bucketStats} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init queue buckets: %w", err)
	}

	maxQueueSize := opts.MaxQueueSize
	if maxQueueSize <= 0 {
		maxQueueSize = 1000
	}

	q := &Queue{db: db, log: log.With("component", "DurableQueue"), maxQueueSize: maxQueueSize}
	if err := q.recoverInFlight(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recover in-flight jobs: %w", err)
	}
	return q, nil
}

// recoverInFlight re-enqueues jobs that were PROCESSING when the
// previous process died. Dequeue removes a job's segment entry before
// the worker runs it, so a crash between dequeue and complete/fail
// leaves the row stranded in PROCESSING with no segment entry; putting
// it back at the tail of its own segment gives at-least-once redelivery.
// Consumers are idempotent on prompt_id.
func (q *Queue) recoverInFlight() error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job domain.Job
			if err := json.Unmarshal(v, &job); err != nil {
				continue
			}
			if job.State != domain.JobProcessing {
				continue
			}
			job.State = domain.JobQueued
			job.StartedAt = nil
			if err := putJob(tx, &job); err != nil {
				return err
			}
			if err := appendToSegment(tx, segmentBucketFor(job.Priority), job.JobID); err != nil {
				return err
			}
			q.log.Warn("recovered in-flight job after restart", "job_id", job.JobID)
		}
		return nil
	})
}

func (q *Queue) Close() error {
	return q.db.Close()
}

func segmentBucketFor(p domain.Priority) []byte {
	switch p {
	case domain.PriorityHigh:
		return bucketHigh
	case domain.PriorityLow:
		return bucketLow
	default:
		return bucketNormal
	}
}

// Enqueue atomically appends job to the segment for job.Priority, sets its
// state to QUEUED, and bumps the enqueued counter. Returns a Capacity
// error when total depth across segments would exceed MaxQueueSize.
func (q *Queue) Enqueue(job *domain.Job) error {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = 3
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.PromptID == "" {
		// Placeholder until the inference runtime assigns a real one;
		// clients poll and subscribe with this value.
		job.PromptID = job.JobID
	}
	job.State = domain.JobQueued

	return q.db.Update(func(tx *bolt.Tx) error {
		if depth := totalDepth(tx); depth >= q.maxQueueSize {
			return forgeerrors.New(forgeerrors.Capacity, "queue full")
		}
		if err := putJob(tx, job); err != nil {
			return err
		}
		if err := appendToSegment(tx, segmentBucketFor(job.Priority), job.JobID); err != nil {
			return err
		}
		incrStat(tx, statEnqueued)
		return nil
	})
}

// Dequeue selects the highest-priority non-empty segment (HIGH, then
// NORMAL, then LOW), pops its oldest entry, and marks it PROCESSING.
// Returns (nil, nil) when every segment is empty.
func (q *Queue) Dequeue() (*domain.Job, error) {
	var result *domain.Job
	err := q.db.Update(func(tx *bolt.Tx) error {
		for _, seg := range [][]byte{bucketHigh, bucketNormal, bucketLow} {
			jobID, ok := popFirst(tx, seg)
			if !ok {
				continue
			}
			job, err := getJob(tx, jobID)
			if err != nil {
				return err
			}
			now := time.Now()
			job.State = domain.JobProcessing
			job.StartedAt = &now
			if err := putJob(tx, job); err != nil {
				return err
			}
			result = job
			return nil
		}
		return nil
	})
	return result, err
}

// Complete marks jobID COMPLETED, stamps CompletedAt, and stores result.
func (q *Queue) Complete(jobID string, result map[string]any) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, jobID)
		if err != nil {
			return err
		}
		now := time.Now()
		job.State = domain.JobCompleted
		job.CompletedAt = &now
		job.Result = result
		if err := putJob(tx, job); err != nil {
			return err
		}
		incrStat(tx, statProcessed)
		return nil
	})
}

// Fail marks jobID failed. If retry is true and RetryCount < MaxRetries,
// it re-enqueues into the same priority segment with RetryCount
// incremented and StartedAt cleared (no backoff sleep inside the queue;
// the caller is free to delay re-dispatch by 2^retry_count seconds).
// Otherwise the job moves to the dead-letter segment.
func (q *Queue) Fail(jobID string, errMsg string, retry bool) error {
	return q.fail(jobID, errMsg, retry, domain.JobFailed)
}

// FailTimedOut is Fail for a job that breached its execution deadline:
// same retry and dead-letter path, but a job that exhausts its budget
// lands in TIMED_OUT instead of FAILED so status readers can tell the
// two apart.
func (q *Queue) FailTimedOut(jobID string, errMsg string, retry bool) error {
	return q.fail(jobID, errMsg, retry, domain.JobTimedOut)
}

func (q *Queue) fail(jobID string, errMsg string, retry bool, terminal domain.JobState) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, jobID)
		if err != nil {
			return err
		}
		job.Error = errMsg

		if retry && job.RetryCount < job.MaxRetries {
			job.RetryCount++
			job.State = domain.JobRetrying
			job.StartedAt = nil
			if err := putJob(tx, job); err != nil {
				return err
			}
			if err := appendToSegment(tx, segmentBucketFor(job.Priority), job.JobID); err != nil {
				return err
			}
			incrStat(tx, statRetried)
			// The job row stays in JobRetrying until the next dequeue
			// flips it to PROCESSING; it is not reset to QUEUED so a
			// status read can tell "about to retry" from "never run".
			return nil
		}

		now := time.Now()
		job.State = terminal
		job.CompletedAt = &now
		if err := putJob(tx, job); err != nil {
			return err
		}
		if err := appendToSegment(tx, bucketDeadLetter, job.JobID); err != nil {
			return err
		}
		incrStat(tx, statFailed)
		return nil
	})
}

// Cancel is allowed only in PENDING or QUEUED; it removes the job from its
// segment and marks it CANCELLED.
func (q *Queue) Cancel(jobID string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, jobID)
		if err != nil {
			return err
		}
		if job.State != domain.JobPending && job.State != domain.JobQueued {
			return forgeerrors.New(forgeerrors.Validation, "job is not cancellable in its current state")
		}
		removeFromSegment(tx, segmentBucketFor(job.Priority), job.JobID)
		job.State = domain.JobCancelled
		return putJob(tx, job)
	})
}

// Position returns 0 if PROCESSING, a 1-based index within the job's
// segment summed with all higher-priority segment depths, or -1 if
// unknown.
func (q *Queue) Position(jobID string) (int, error) {
	pos := -1
	err := q.db.View(func(tx *bolt.Tx) error {
		job, err := getJob(tx, jobID)
		if err != nil {
			if forgeerrors.KindOf(err) == forgeerrors.NotFound {
				return nil
			}
			return err
		}
		if job.State == domain.JobProcessing {
			pos = 0
			return nil
		}

		ahead := 0
		segments := segmentsAheadOf(job.Priority)
		for _, seg := range segments {
			ahead += bucketLen(tx, seg)
		}
		idx, found := indexInSegment(tx, segmentBucketFor(job.Priority), jobID)
		if !found {
			return nil
		}
		pos = ahead + idx + 1
		return nil
	})
	return pos, err
}

func segmentsAheadOf(p domain.Priority) [][]byte {
	switch p {
	case domain.PriorityHigh:
		return nil
	case domain.PriorityNormal:
		return [][]byte{bucketHigh}
	default:
		return [][]byte{bucketHigh, bucketNormal}
	}
}

// RecoverDeadLetter moves up to n entries from the dead-letter segment
// back into their own original priority segment with RetryCount reset to
// zero. Recovered jobs keep their own priority, not forced to NORMAL.
func (q *Queue) RecoverDeadLetter(n int) ([]*domain.Job, error) {
	var recovered []*domain.Job
	err := q.db.Update(func(tx *bolt.Tx) error {
		for i := 0; i < n; i++ {
			jobID, ok := popFirst(tx, bucketDeadLetter)
			if !ok {
				break
			}
			job, err := getJob(tx, jobID)
			if err != nil {
				continue
			}
			job.RetryCount = 0
			job.State = domain.JobQueued
			job.Error = ""
			if err := putJob(tx, job); err != nil {
				return err
			}
			if err := appendToSegment(tx, segmentBucketFor(job.Priority), job.JobID); err != nil {
				return err
			}
			recovered = append(recovered, job)
		}
		return nil
	})
	return recovered, err
}

// CleanupCompleted removes terminal job records older than age.
func (q *Queue) CleanupCompleted(age time.Duration) (int, error) {
	removed := 0
	cutoff := time.Now().Add(-age)
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job domain.Job
			if err := json.Unmarshal(v, &job); err != nil {
				continue
			}
			if job.State.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			// A FAILED/TIMED_OUT record also has a dead-letter segment
			// entry; drop it so the segment never references a removed row.
			removeFromSegment(tx, bucketDeadLetter, string(k))
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Get returns a job's current record.
func (q *Queue) Get(jobID string) (*domain.Job, error) {
	var job *domain.Job
	err := q.db.View(func(tx *bolt.Tx) error {
		j, err := getJob(tx, jobID)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	return job, err
}

// Stats is the queue statistics snapshot: live segment depths plus
// cumulative counters.
type Stats struct {
	TotalEnqueued  int `json:"total_enqueued"`
	TotalProcessed int `json:"total_processed"`
	TotalFailed    int `json:"total_failed"`
	TotalRetried   int `json:"total_retried"`
	High           int `json:"high"`
	Normal         int `json:"normal"`
	Low            int `json:"low"`
	DeadLetter     int `json:"dead_letter"`
}

func (q *Queue) Stats() (Stats, error) {
	var s Stats
	err := q.db.View(func(tx *bolt.Tx) error {
		s.TotalEnqueued = int(readStat(tx, statEnqueued))
		s.TotalProcessed = int(readStat(tx, statProcessed))
		s.TotalFailed = int(readStat(tx, statFailed))
		s.TotalRetried = int(readStat(tx, statRetried))
		s.High = bucketLen(tx, bucketHigh)
		s.Normal = bucketLen(tx, bucketNormal)
		s.Low = bucketLen(tx, bucketLow)
		s.DeadLetter = bucketLen(tx, bucketDeadLetter)
		return nil
	})
	return s, err
}

// ---- bucket helpers ----

func putJob(tx *bolt.Tx, job *domain.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketJobs).Put([]byte(job.JobID), raw)
}

func getJob(tx *bolt.Tx, jobID string) (*domain.Job, error) {
	raw := tx.Bucket(bucketJobs).Get([]byte(jobID))
	if raw == nil {
		return nil, forgeerrors.New(forgeerrors.NotFound, "job not found: "+jobID)
	}
	var job domain.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, forgeerrors.Wrap(forgeerrors.Internal, "corrupt job record", err)
	}
	return &job, nil
}

func appendToSegment(tx *bolt.Tx, bucket []byte, jobID string) error {
	b := tx.Bucket(bucket)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	return b.Put(seqKey(seq), []byte(jobID))
}

func popFirst(tx *bolt.Tx, bucket []byte) (string, bool) {
	b := tx.Bucket(bucket)
	c := b.Cursor()
	k, v := c.First()
	if k == nil {
		return "", false
	}
	jobID := string(v)
	_ = b.Delete(k)
	return jobID, true
}

func removeFromSegment(tx *bolt.Tx, bucket []byte, jobID string) {
	b := tx.Bucket(bucket)
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if string(v) == jobID {
			_ = b.Delete(k)
			return
		}
	}
}

func indexInSegment(tx *bolt.Tx, bucket []byte, jobID string) (int, bool) {
	b := tx.Bucket(bucket)
	c := b.Cursor()
	idx := 0
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if string(v) == jobID {
			return idx, true
		}
		idx++
	}
	return 0, false
}

func bucketLen(tx *bolt.Tx, bucket []byte) int {
	return tx.Bucket(bucket).Stats().KeyN
}

func totalDepth(tx *bolt.Tx) int {
	return bucketLen(tx, bucketHigh) + bucketLen(tx, bucketNormal) + bucketLen(tx, bucketLow)
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func incrStat(tx *bolt.Tx, name string) {
	b := tx.Bucket(bucketStats)
	cur := readStatFromBucket(b, name)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, cur+1)
	_ = b.Put([]byte(name), buf)
}

func readStat(tx *bolt.Tx, name string) uint64 {
	return readStatFromBucket(tx.Bucket(bucketStats), name)
}

func readStatFromBucket(b *bolt.Bucket, name string) uint64 {
	raw := b.Get([]byte(name))
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}
