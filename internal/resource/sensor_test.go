package resource

import (
	"testing"

	"github.com/deeployd/forge/internal/domain"
	"github.com/deeployd/forge/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimate_MatchesCostModel(t *testing.T) {
	est := Estimate(domain.WorkloadEstimate{Nodes: 10, Width: 512, Height: 512, BatchSize: 1, Steps: 20})

	wantMem := (512.0 + 10*50.0 + (512.0*512.0/1_000_000.0)*100.0 + 20*10.0) * 1.5
	wantDisk := (100.0 + (512.0*512.0*4.0*1.0)/1_000_000.0) * 2.0
	wantSeconds := 20 * 0.5 * 1.0

	assert.InDelta(t, wantMem, est.MemMB, 0.01)
	assert.InDelta(t, wantDisk, est.DiskMB, 0.01)
	assert.InDelta(t, wantSeconds, est.Seconds, 0.01)
}

func TestEstimate_BatchScalesMemoryOnceAndDiskTwice(t *testing.T) {
	est := Estimate(domain.WorkloadEstimate{Nodes: 10, Width: 512, Height: 512, BatchSize: 4, Steps: 20})

	// Pixel count carries one factor of batch; the disk term applies a
	// second one on top.
	pixels := 512.0 * 512.0 * 4.0
	wantMem := (512.0 + 10*50.0 + (pixels/1_000_000.0)*100.0 + 20*10.0) * 1.5
	wantDisk := (100.0 + (pixels*4.0*4.0)/1_000_000.0) * 2.0
	wantSeconds := 20 * 0.5 * 4.0

	assert.InDelta(t, wantMem, est.MemMB, 0.01)
	assert.InDelta(t, wantDisk, est.DiskMB, 0.01)
	assert.InDelta(t, wantSeconds, est.Seconds, 0.01)
}

func TestEstimate_BatchSizeDefaultsToOne(t *testing.T) {
	est := Estimate(domain.WorkloadEstimate{Width: 100, Height: 100, Steps: 1})
	assert.Greater(t, est.DiskMB, 0.0)
}

func TestWithinLimits(t *testing.T) {
	snap := domain.ResourceSnapshot{CPUPercent: 50, MemPercent: 60, DiskPercent: 70}
	assert.True(t, WithinLimits(snap, 80, 70, 90))
	assert.False(t, WithinLimits(snap, 40, 70, 90))
}

func TestAdmit_RejectsOnCriticalThreshold(t *testing.T) {
	log, err := logger.New("development")
	require.NoError(t, err)

	sens := NewStub(log, domain.ResourceSnapshot{CPUPercent: 10, MemPercent: 10, DiskPercent: 10, MemAvailMB: 4096, DiskAvailMB: 8192})
	ok, _ := sens.Admit(1024, 100)
	assert.True(t, ok)

	critical := NewStub(log, domain.ResourceSnapshot{CPUPercent: 10, MemPercent: memCritical, DiskPercent: 10, MemAvailMB: 4096, DiskAvailMB: 8192})
	ok, reason := critical.Admit(1024, 100)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func TestAdmit_RejectsInsufficientMemory(t *testing.T) {
	log, err := logger.New("development")
	require.NoError(t, err)

	sens := NewStub(log, domain.ResourceSnapshot{CPUPercent: 10, MemPercent: 10, DiskPercent: 10, MemAvailMB: 100, DiskAvailMB: 8192})
	ok, reason := sens.Admit(2048, 10)
	assert.False(t, ok)
	assert.Contains(t, reason, "memory")
}

func TestAdmit_RejectsInsufficientDisk(t *testing.T) {
	log, err := logger.New("development")
	require.NoError(t, err)

	sens := NewStub(log, domain.ResourceSnapshot{CPUPercent: 10, MemPercent: 10, DiskPercent: 10, MemAvailMB: 4096, DiskAvailMB: 50})
	ok, reason := sens.Admit(1024, 500)
	assert.False(t, ok)
	assert.Contains(t, reason, "disk")
}
