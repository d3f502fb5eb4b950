package domain

import "time"

// ResourceSnapshot is an immutable point-in-time reading from the
// Resource Sensor. GPU fields are nil when no GPU runtime is present.
type ResourceSnapshot struct {
	CPUPercent  float64   `json:"cpu_percent"`
	MemPercent  float64   `json:"mem_percent"`
	MemUsedMB   float64   `json:"mem_used_mb"`
	MemAvailMB  float64   `json:"mem_avail_mb"`
	DiskPercent float64   `json:"disk_percent"`
	DiskAvailMB float64   `json:"disk_avail_mb"`
	GPUUsedMB   *float64  `json:"gpu_used_mb,omitempty"`
	GPUTotalMB  *float64  `json:"gpu_total_mb,omitempty"`
	GPUPercent  *float64  `json:"gpu_util_percent,omitempty"`
	Degraded    bool      `json:"degraded"`
	SampledAt   time.Time `json:"sampled_at"`
}

// SystemInfo is the static half of GET /api/resources/status: facts that
// don't change between samples.
type SystemInfo struct {
	CPUCount    int     `json:"cpu_count"`
	TotalMemMB  float64 `json:"total_mem_mb"`
	TotalDiskMB float64 `json:"total_disk_mb"`
	Platform    string  `json:"platform"`
}

// CostEstimate is the output of the Resource Sensor's estimate() heuristic.
type CostEstimate struct {
	MemMB   float64 `json:"mem_mb"`
	DiskMB  float64 `json:"disk_mb"`
	Seconds float64 `json:"seconds"`
}
