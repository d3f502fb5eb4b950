package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/deeployd/forge/internal/forgeerrors"
	"github.com/deeployd/forge/internal/http/response"
	"github.com/deeployd/forge/internal/pkg/dbctx"
	"github.com/deeployd/forge/internal/store"
)

// BuildStore narrows internal/store.Store to what BuildHandler calls.
type BuildStore interface {
	CreateBuild(dbc dbctx.Context, b *store.Build) (*store.Build, error)
	GetBuild(ctx context.Context, buildID string) (*store.Build, error)
	GetBuildLogs(ctx context.Context, buildID string, since int64, limit int) ([]store.BuildLog, int64, error)
}

type createBuildRequest struct {
	WorkflowID string `json:"workflow_id"`
	Image      string `json:"image"`
}

// BuildHandler implements POST /api/builds and GET /api/builds/{id}/logs.
// The build subsystem performs the actual image build and streams lines
// into build_logs; this handler only creates the record and serves it
// back.
type BuildHandler struct {
	store BuildStore
}

func NewBuildHandler(store BuildStore) *BuildHandler {
	return &BuildHandler{store: store}
}

func (h *BuildHandler) Create(c *gin.Context) {
	var req createBuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if req.WorkflowID == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_workflow_id",
			forgeerrors.ValidationField("workflow_id", "required"))
		return
	}

	build := &store.Build{
		ID:         uuid.NewString(),
		WorkflowID: req.WorkflowID,
		Image:      req.Image,
		Status:     store.BuildPending,
	}
	created, err := h.store.CreateBuild(dbctx.Context{Ctx: c.Request.Context()}, build)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "create_build_failed", err)
		return
	}
	response.RespondOK(c, created)
}

func (h *BuildHandler) Get(c *gin.Context) {
	buildID := c.Param("id")
	build, err := h.store.GetBuild(c.Request.Context(), buildID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "build_lookup_failed", err)
		return
	}
	if build == nil {
		response.RespondError(c, http.StatusNotFound, "not_found",
			forgeerrors.New(forgeerrors.NotFound, "unknown build id"))
		return
	}
	response.RespondOK(c, build)
}

func (h *BuildHandler) Logs(c *gin.Context) {
	buildID := c.Param("id")
	since, _ := strconv.ParseInt(c.Query("since"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))

	logs, next, err := h.store.GetBuildLogs(c.Request.Context(), buildID, since, limit)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "logs_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"logs": logs, "next_since": next})
}
