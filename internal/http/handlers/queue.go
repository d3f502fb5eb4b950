package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/deeployd/forge/internal/forgeerrors"
	"github.com/deeployd/forge/internal/http/response"
	"github.com/deeployd/forge/internal/queue"
)

// QueueHandler implements GET /api/queue/status and GET /api/queue/{task_id}.
type QueueHandler struct {
	q *queue.Queue
}

func NewQueueHandler(q *queue.Queue) *QueueHandler {
	return &QueueHandler{q: q}
}

func (h *QueueHandler) Status(c *gin.Context) {
	stats, err := h.q.Stats()
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "stats_failed", err)
		return
	}
	response.RespondOK(c, gin.H{
		"high":            stats.High,
		"normal":          stats.Normal,
		"low":             stats.Low,
		"dead_letter":     stats.DeadLetter,
		"total_enqueued":  stats.TotalEnqueued,
		"total_processed": stats.TotalProcessed,
		"total_failed":    stats.TotalFailed,
		"total_retried":   stats.TotalRetried,
	})
}

func (h *QueueHandler) GetJob(c *gin.Context) {
	taskID := c.Param("task_id")
	job, err := h.q.Get(taskID)
	if err != nil {
		respondForgeErr(c, err)
		return
	}
	response.RespondOK(c, job)
}

// RecoverDeadLetter reintroduces up to ?n= dead-lettered jobs (default
// 10) into their original segments. Recovery is an explicit operator
// action, never automatic.
func (h *QueueHandler) RecoverDeadLetter(c *gin.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("n", "10"))
	if err != nil || n <= 0 {
		response.RespondError(c, http.StatusBadRequest, "invalid_n",
			forgeerrors.ValidationField("n", "must be a positive integer"))
		return
	}
	recovered, err := h.q.RecoverDeadLetter(n)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "recover_failed", err)
		return
	}
	ids := make([]string, 0, len(recovered))
	for _, job := range recovered {
		ids = append(ids, job.JobID)
	}
	response.RespondOK(c, gin.H{"recovered": len(ids), "task_ids": ids})
}

// Cleanup removes terminal job records older than ?age_seconds=
// (default 3600).
func (h *QueueHandler) Cleanup(c *gin.Context) {
	ageSeconds, err := strconv.ParseFloat(c.DefaultQuery("age_seconds", "3600"), 64)
	if err != nil || ageSeconds < 0 {
		response.RespondError(c, http.StatusBadRequest, "invalid_age",
			forgeerrors.ValidationField("age_seconds", "must be a non-negative number"))
		return
	}
	removed, err := h.q.CleanupCompleted(time.Duration(ageSeconds * float64(time.Second)))
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "cleanup_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"removed": removed})
}
