package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthHandler implements GET /health.
type HealthHandler struct{}

func NewHealthHandler() *HealthHandler { return &HealthHandler{} }

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
