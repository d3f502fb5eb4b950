package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/deeployd/forge/internal/domain"
	"github.com/deeployd/forge/internal/forgeerrors"
	"github.com/deeployd/forge/internal/http/response"
)

// WorkerPool narrows internal/workerpool.Pool to what these handlers call.
type WorkerPool interface {
	Snapshot() []domain.Worker
	PauseAll()
	ResumeAll()
	Scale(target int) (previous, current int, err error)
}

// WorkerHandler implements GET /api/workers/status and the pause/resume/
// scale control endpoints.
type WorkerHandler struct {
	pool WorkerPool
}

func NewWorkerHandler(pool WorkerPool) *WorkerHandler {
	return &WorkerHandler{pool: pool}
}

func (h *WorkerHandler) Status(c *gin.Context) {
	workers := h.pool.Snapshot()
	response.RespondOK(c, gin.H{"workers": workers, "count": len(workers)})
}

func (h *WorkerHandler) Pause(c *gin.Context) {
	h.pool.PauseAll()
	response.RespondOK(c, gin.H{"status": "paused"})
}

func (h *WorkerHandler) Resume(c *gin.Context) {
	h.pool.ResumeAll()
	response.RespondOK(c, gin.H{"status": "resumed"})
}

func (h *WorkerHandler) Scale(c *gin.Context) {
	target, err := strconv.Atoi(c.Query("target_workers"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_target_workers",
			forgeerrors.ValidationField("target_workers", "must be an integer"))
		return
	}
	previous, current, err := h.pool.Scale(target)
	if err != nil {
		response.RespondError(c, http.StatusUnprocessableEntity, "scale_rejected",
			forgeerrors.New(forgeerrors.Validation, err.Error()))
		return
	}
	response.RespondOK(c, gin.H{"status": "scaled", "previous_workers": previous, "current_workers": current})
}
