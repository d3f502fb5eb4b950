// Package handlers implements the REST handlers, one file per resource
// group: a small struct bundling the collaborators a handler needs,
// constructed with NewXHandler, methods taking a bare *gin.Context.
package handlers

import (
	"context"
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/deeployd/forge/internal/domain"
	"github.com/deeployd/forge/internal/forgeerrors"
	"github.com/deeployd/forge/internal/http/response"
	"github.com/deeployd/forge/internal/logger"
	"github.com/deeployd/forge/internal/queue"
	"github.com/deeployd/forge/internal/validate"
)

// WorkflowResolver is the subset of internal/store.Store GenerateHandler
// needs: a single read by workflow id.
type WorkflowResolver interface {
	WorkflowDefinition(ctx context.Context, workflowID string) (map[string]any, error)
}

// GenerateHandler implements POST /api/generate.
type GenerateHandler struct {
	q           *queue.Queue
	workflows   WorkflowResolver
	outputDir   string
	waitPoll    time.Duration
	waitTimeout time.Duration
	log         *logger.Logger
}

func NewGenerateHandler(q *queue.Queue, workflows WorkflowResolver, outputDir string, waitTimeout time.Duration, log *logger.Logger) *GenerateHandler {
	if waitTimeout <= 0 {
		waitTimeout = 300 * time.Second
	}
	return &GenerateHandler{
		q: q, workflows: workflows, outputDir: outputDir,
		waitPoll:    300 * time.Millisecond,
		waitTimeout: waitTimeout,
		log:         log.With("handler", "GenerateHandler"),
	}
}

func (h *GenerateHandler) Generate(c *gin.Context) {
	var req validate.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if req.WorkflowID == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_workflow_id", forgeerrors.ValidationField("workflow_id", "required"))
		return
	}

	priority, err := validate.ParsePriority(c.Query("priority"))
	if err != nil {
		respondForgeErr(c, err)
		return
	}
	wait := c.Query("wait") == "true"

	normalized, params, err := validate.Normalize(req)
	if err != nil {
		respondForgeErr(c, err)
		return
	}

	graph, err := h.workflows.WorkflowDefinition(c.Request.Context(), normalized.WorkflowID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "workflow_lookup_failed", err)
		return
	}
	if graph == nil {
		response.RespondError(c, http.StatusNotFound, "workflow_not_found", forgeerrors.New(forgeerrors.NotFound, "unknown workflow_id"))
		return
	}

	job := &domain.Job{
		WorkflowID: normalized.WorkflowID,
		Workflow:   graph,
		Parameters: params,
		Priority:   domain.ParsePriority(priority),
		ClientID:   c.GetString("request_id"),
	}
	// Enqueue assigns the job id and the prompt_id placeholder clients
	// poll and subscribe with.
	if err := h.q.Enqueue(job); err != nil {
		respondForgeErr(c, err)
		return
	}

	if !wait {
		c.JSON(http.StatusAccepted, gin.H{"prompt_id": job.PromptID, "status": "queued", "task_id": job.JobID})
		return
	}

	h.awaitCompletion(c, job, normalized.ReturnBase64)
}

func (h *GenerateHandler) awaitCompletion(c *gin.Context, job *domain.Job, returnBase64 bool) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.waitTimeout)
	defer cancel()
	ticker := time.NewTicker(h.waitPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			response.RespondError(c, http.StatusRequestTimeout, "wait_timeout", forgeerrors.New(forgeerrors.Timeout, "generation did not complete within the wait budget"))
			return
		case <-ticker.C:
			current, err := h.q.Get(job.JobID)
			if err != nil {
				response.RespondError(c, http.StatusInternalServerError, "lookup_failed", err)
				return
			}
			if !current.State.Terminal() {
				continue
			}
			h.respondTerminal(c, current, returnBase64)
			return
		}
	}
}

func (h *GenerateHandler) respondTerminal(c *gin.Context, job *domain.Job, returnBase64 bool) {
	if job.State != domain.JobCompleted {
		response.RespondError(c, http.StatusInternalServerError, "execution_failed", forgeerrors.New(forgeerrors.Internal, job.Error))
		return
	}
	images := job.ImageURLs()
	body := gin.H{"prompt_id": job.PromptID, "status": "completed", "images": images}
	if returnBase64 {
		body["images_base64"] = h.encodeImages(images)
	}
	response.RespondOK(c, body)
}

func (h *GenerateHandler) encodeImages(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		filename := filepath.Base(u)
		data, err := os.ReadFile(filepath.Join(h.outputDir, filename))
		if err != nil {
			h.log.Warn("base64 encode: read output", "file", filename, "error", err)
			continue
		}
		out = append(out, "data:image/png;base64,"+base64.StdEncoding.EncodeToString(data))
	}
	return out
}

func respondForgeErr(c *gin.Context, err error) {
	kind := forgeerrors.KindOf(err)
	response.RespondError(c, forgeerrors.HTTPStatus(kind), string(kind), err)
}
