package instance

import (
	"context"
	"runtime"
	"time"

	"github.com/hodei-pipelines/hodei/pkg/types"
)

// CapacityMonitor derives pool utilization from a driver's live instances
// against a fixed capacity envelope. Each instance is accounted at a flat
// per-instance cost; backends with real usage telemetry can replace this.
type CapacityMonitor struct {
	manager        Manager
	totalCPU       float64
	totalMemory    int64
	cpuPerInstance float64
	memPerInstance int64
}

// NewCapacityMonitor creates a monitor over the given driver. Zero capacity
// values default to the host's core count and 8GiB.
func NewCapacityMonitor(manager Manager, totalCPU float64, totalMemory int64, cpuPerInstance float64, memPerInstance int64) *CapacityMonitor {
	if totalCPU <= 0 {
		totalCPU = float64(runtime.NumCPU())
	}
	if totalMemory <= 0 {
		totalMemory = 8 << 30
	}
	if cpuPerInstance <= 0 {
		cpuPerInstance = 1
	}
	if memPerInstance <= 0 {
		memPerInstance = 1 << 30
	}
	return &CapacityMonitor{
		manager:        manager,
		totalCPU:       totalCPU,
		totalMemory:    totalMemory,
		cpuPerInstance: cpuPerInstance,
		memPerInstance: memPerInstance,
	}
}

// GetUtilization samples the pool's current load.
func (m *CapacityMonitor) GetUtilization(ctx context.Context, poolID types.PoolID) (*types.ResourcePoolUtilization, error) {
	instances, err := m.manager.ListInstances(ctx, poolID)
	if err != nil {
		return nil, err
	}

	running := 0
	for _, inst := range instances {
		if inst.Status == types.InstanceRunning || inst.Status == types.InstanceProvisioning {
			running++
		}
	}

	return &types.ResourcePoolUtilization{
		PoolID:           poolID,
		TotalCPU:         m.totalCPU,
		UsedCPU:          float64(running) * m.cpuPerInstance,
		TotalMemoryBytes: m.totalMemory,
		UsedMemoryBytes:  int64(running) * m.memPerInstance,
		RunningJobs:      running,
		SampledAt:        time.Now(),
	}, nil
}
