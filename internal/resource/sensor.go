// Package resource implements the Resource Sensor: CPU/memory/disk (and
// optional GPU) sampling, admission checks, and the workload cost
// estimator. It reads /proc and calls syscall.Statfs directly rather
// than pulling in a process-stats library.
package resource

import (
	"runtime"
	"time"

	"github.com/deeployd/forge/internal/domain"
	"github.com/deeployd/forge/internal/logger"
)

// Warning thresholds are informational; critical thresholds gate
// admission.
const (
	cpuWarning     = 95.0
	cpuCritical    = 99.0
	memWarning     = 90.0
	memCritical    = 98.0
	diskWarning    = 95.0
	diskCritical   = 99.0
	gpuMemWarning  = 95.0
	gpuMemCritical = 99.0
)

// Cost model coefficients.
const (
	baseMemoryMB       = 512.0
	baseDiskMB         = 100.0
	perNodeMemoryMB    = 50.0
	perMegapixelMemMB  = 100.0
	perStepMemoryMB    = 10.0
	memorySafetyFactor = 1.5
	diskSafetyFactor   = 2.0
	perMegapixelDiskMB = 4.0
	perStepSeconds     = 0.5
)

type Sensor struct {
	log       *logger.Logger
	outputDir string
	sampler   sampler
}

// sampler isolates the OS-specific /proc reads so Sample() itself stays
// pure and testable with a fake.
type sampler interface {
	cpuPercent() (float64, bool)
	memory() (usedMB, availMB, totalMB, percent float64, ok bool)
	disk(path string) (percent, availMB, totalMB float64, ok bool)
	gpu() (usedMB, totalMB, util float64, ok bool)
}

// NewStub returns a Sensor that always reports snap instead of reading
// /proc, for collaborators (e.g. internal/executor's tests) that need a
// deterministic reading rather than whatever the host happens to be
// doing.
func NewStub(log *logger.Logger, snap domain.ResourceSnapshot) *Sensor {
	return &Sensor{
		log:     log.With("component", "ResourceSensor"),
		sampler: stubSampler{snap: snap},
	}
}

type stubSampler struct{ snap domain.ResourceSnapshot }

func (s stubSampler) cpuPercent() (float64, bool) { return s.snap.CPUPercent, true }
func (s stubSampler) memory() (usedMB, availMB, totalMB, percent float64, ok bool) {
	return s.snap.MemUsedMB, s.snap.MemAvailMB, s.snap.MemAvailMB + s.snap.MemUsedMB, s.snap.MemPercent, true
}
func (s stubSampler) disk(path string) (percent, availMB, totalMB float64, ok bool) {
	return s.snap.DiskPercent, s.snap.DiskAvailMB, 0, true
}
func (s stubSampler) gpu() (usedMB, totalMB, util float64, ok bool) { return 0, 0, 0, false }

func New(log *logger.Logger, outputDir string) *Sensor {
	return &Sensor{
		log:       log.With("component", "ResourceSensor"),
		outputDir: outputDir,
		sampler:   newProcSampler(),
	}
}

// Sample takes one instantaneous reading. Sampling never fails: a read
// error degrades to a conservative snapshot (assume high utilization)
// with Degraded set, rather than an error.
func (s *Sensor) Sample() domain.ResourceSnapshot {
	now := time.Now()

	cpuPct, cpuOK := s.sampler.cpuPercent()
	usedMB, availMB, _, memPct, memOK := s.sampler.memory()
	diskPct, diskAvailMB, _, diskOK := s.sampler.disk(s.outputDir)

	degraded := !cpuOK || !memOK || !diskOK
	if !cpuOK {
		cpuPct = cpuCritical
	}
	if !memOK {
		memPct = memCritical
	}
	if !diskOK {
		diskPct = diskCritical
		diskAvailMB = 0
	}

	snap := domain.ResourceSnapshot{
		CPUPercent:  cpuPct,
		MemPercent:  memPct,
		MemUsedMB:   usedMB,
		MemAvailMB:  availMB,
		DiskPercent: diskPct,
		DiskAvailMB: diskAvailMB,
		Degraded:    degraded,
		SampledAt:   now,
	}

	if gpuUsed, gpuTotal, gpuUtil, ok := s.sampler.gpu(); ok {
		snap.GPUUsedMB = &gpuUsed
		snap.GPUTotalMB = &gpuTotal
		snap.GPUPercent = &gpuUtil
	}

	if degraded {
		s.log.Warn("resource sample degraded, using conservative values")
	}
	return snap
}

// WithinLimits checks a snapshot against caller-supplied ceilings (the
// Job Executor's CanAccept uses this with its configured limits; Admit
// checks the package critical constants instead).
func WithinLimits(snap domain.ResourceSnapshot, cpuMax, memMax, diskMax float64) bool {
	return snap.CPUPercent < cpuMax && snap.MemPercent < memMax && snap.DiskPercent < diskMax
}

// Admit checks a live snapshot against the configured critical thresholds
// AND the absolute memory/disk requirement of the caller's workload.
func (s *Sensor) Admit(requiredMemMB, requiredDiskMB float64) (bool, string) {
	snap := s.Sample()

	if snap.CPUPercent >= cpuCritical {
		return false, "cpu utilization at critical threshold"
	}
	if snap.MemPercent >= memCritical {
		return false, "memory utilization at critical threshold"
	}
	if snap.DiskPercent >= diskCritical {
		return false, "disk utilization at critical threshold"
	}
	if snap.GPUPercent != nil && *snap.GPUPercent >= gpuMemCritical {
		return false, "gpu memory at critical threshold"
	}
	if requiredMemMB > 0 && snap.MemAvailMB < requiredMemMB {
		return false, "insufficient available memory for workload"
	}
	if requiredDiskMB > 0 && snap.DiskAvailMB < requiredDiskMB {
		return false, "insufficient available disk for workload"
	}
	return true, ""
}

// Estimate is the heuristic cost model: base + per-node overhead +
// per-megapixel factor + per-step factor, with a 1.5x safety factor on
// memory and 2x on disk.
func Estimate(w domain.WorkloadEstimate) domain.CostEstimate {
	batch := w.BatchSize
	if batch <= 0 {
		batch = 1
	}

	// pixels carries one factor of batch; the disk term multiplies by
	// batch again on top of it, so disk scales with batch squared.
	pixels := float64(w.Width * w.Height * batch)
	megapixels := pixels / 1_000_000.0

	memMB := baseMemoryMB +
		float64(w.Nodes)*perNodeMemoryMB +
		megapixels*perMegapixelMemMB +
		float64(w.Steps)*perStepMemoryMB
	memMB *= memorySafetyFactor

	diskMB := baseDiskMB + (pixels*perMegapixelDiskMB*float64(batch))/1_000_000.0
	diskMB *= diskSafetyFactor

	seconds := float64(w.Steps) * perStepSeconds * float64(batch)

	return domain.CostEstimate{MemMB: memMB, DiskMB: diskMB, Seconds: seconds}
}

// SystemInfo is the static half of the /api/resources/status response:
// facts that don't change between samples.
func (s *Sensor) SystemInfo() domain.SystemInfo {
	_, _, totalMem, _, _ := s.sampler.memory()
	_, _, totalDisk, _ := s.sampler.disk(s.outputDir)
	return domain.SystemInfo{
		CPUCount:    runtime.NumCPU(),
		TotalMemMB:  totalMem,
		TotalDiskMB: totalDisk,
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
	}
}
