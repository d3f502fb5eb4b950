package handlers

import (
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/deeployd/forge/internal/forgeerrors"
	"github.com/deeployd/forge/internal/http/response"
)

// ImageHandler implements GET /api/images/{filename}, serving generated
// output artifacts read-only from OUTPUT_DIR.
type ImageHandler struct {
	outputDir string
}

func NewImageHandler(outputDir string) *ImageHandler {
	return &ImageHandler{outputDir: outputDir}
}

func (h *ImageHandler) GetImage(c *gin.Context) {
	filename := c.Param("filename")
	// filepath.Base strips any directory traversal in the path param,
	// since output files are always flat under outputDir.
	filename = filepath.Base(filename)
	if filename == "." || filename == string(filepath.Separator) || strings.TrimSpace(filename) == "" {
		response.RespondError(c, http.StatusNotFound, "not_found", forgeerrors.New(forgeerrors.NotFound, "unknown filename"))
		return
	}

	full := filepath.Join(h.outputDir, filename)
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		response.RespondError(c, http.StatusNotFound, "not_found", forgeerrors.New(forgeerrors.NotFound, "image not found"))
		return
	}
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "read_failed", err)
		return
	}

	if c.Query("format") == "base64" {
		response.RespondOK(c, gin.H{"filename": filename, "base64": base64.StdEncoding.EncodeToString(data)})
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}
