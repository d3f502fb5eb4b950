package handlers

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/deeployd/forge/internal/http/response"
)

// ContainerSupervisor narrows internal/container.Supervisor to what
// these handlers call.
type ContainerSupervisor interface {
	Restart(ctx context.Context, workflowID string) (string, error)
	Logs(ctx context.Context, workflowID string, tailLines int) (string, error)
}

// ContainerHandler implements the operator endpoints for the runtime
// containers: POST /api/containers/{workflow_id}/restart and
// GET /api/containers/{workflow_id}/logs.
type ContainerHandler struct {
	supervisor ContainerSupervisor
}

func NewContainerHandler(supervisor ContainerSupervisor) *ContainerHandler {
	return &ContainerHandler{supervisor: supervisor}
}

func (h *ContainerHandler) Restart(c *gin.Context) {
	workflowID := c.Param("workflow_id")
	baseURL, err := h.supervisor.Restart(c.Request.Context(), workflowID)
	if err != nil {
		respondForgeErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"status": "restarted", "workflow_id": workflowID, "url": baseURL})
}

func (h *ContainerHandler) Logs(c *gin.Context) {
	workflowID := c.Param("workflow_id")
	tail, _ := strconv.Atoi(c.Query("tail"))
	out, err := h.supervisor.Logs(c.Request.Context(), workflowID, tail)
	if err != nil {
		respondForgeErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"workflow_id": workflowID, "logs": out})
}
