package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/deeployd/forge/internal/domain"
	"github.com/deeployd/forge/internal/http/response"
)

// ResourceSensor narrows internal/resource.Sensor to what this handler calls.
type ResourceSensor interface {
	Sample() domain.ResourceSnapshot
	SystemInfo() domain.SystemInfo
}

// Limits is the admission thresholds the Job Executor enforces, echoed
// back at GET /api/resources/status so clients can reason about capacity.
type Limits struct {
	CPUMax  float64 `json:"cpu_max"`
	MemMax  float64 `json:"mem_max"`
	DiskMax float64 `json:"disk_max"`
}

// ResourceHandler implements GET /api/resources/status.
type ResourceHandler struct {
	sensor ResourceSensor
	limits Limits
}

func NewResourceHandler(sensor ResourceSensor, limits Limits) *ResourceHandler {
	return &ResourceHandler{sensor: sensor, limits: limits}
}

func (h *ResourceHandler) Status(c *gin.Context) {
	response.RespondOK(c, gin.H{
		"snapshot": h.sensor.Sample(),
		"system":   h.sensor.SystemInfo(),
		"limits":   h.limits,
	})
}
