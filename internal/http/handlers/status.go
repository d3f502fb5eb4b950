package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/deeployd/forge/internal/http/response"
	"github.com/deeployd/forge/internal/queue"
)

// StatusHandler implements GET /api/status/{prompt_id} and
// POST /api/cancel/{prompt_id}.
type StatusHandler struct {
	q *queue.Queue
}

func NewStatusHandler(q *queue.Queue) *StatusHandler {
	return &StatusHandler{q: q}
}

func (h *StatusHandler) GetStatus(c *gin.Context) {
	promptID := c.Param("prompt_id")
	job, err := h.q.Get(promptID)
	if err != nil {
		respondForgeErr(c, err)
		return
	}

	body := gin.H{
		"prompt_id":   job.PromptID,
		"task_id":     job.JobID,
		"status":      job.State,
		"created_at":  job.CreatedAt,
		"retry_count": job.RetryCount,
	}
	// Position is 0 while processing and 1-based while still queued;
	// it is only meaningful before the job goes terminal.
	if !job.State.Terminal() {
		if pos, err := h.q.Position(job.JobID); err == nil && pos >= 0 {
			body["queue_position"] = pos
		}
	}
	if job.StartedAt != nil {
		body["started_at"] = job.StartedAt
	}
	if job.CompletedAt != nil {
		body["completed_at"] = job.CompletedAt
	}
	if job.Error != "" {
		body["error_message"] = job.Error
	}
	if images, ok := job.Result["images"]; ok {
		body["images"] = images
	}
	response.RespondOK(c, body)
}

func (h *StatusHandler) Cancel(c *gin.Context) {
	promptID := c.Param("prompt_id")
	if err := h.q.Cancel(promptID); err != nil {
		respondForgeErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"status": "cancelled", "prompt_id": promptID, "task_id": promptID})
}
