package services

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	minPersistWorkers = 2
	maxPersistWorkers = 8
)

// SystemResources is a point-in-time view of the host, reported by /health.
type SystemResources struct {
	CPUCores      int     `json:"cpu_cores"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryUsedPct float64 `json:"memory_used_pct"`
	Goroutines    int     `json:"goroutines"`
}

// ReadSystemResources samples CPU count and memory use.
func ReadSystemResources(ctx context.Context) (SystemResources, error) {
	res := SystemResources{
		CPUCores:   logicalCores(ctx),
		Goroutines: runtime.NumGoroutine(),
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to get memory usage: %w", err)
	}
	res.MemoryTotalGB = float64(memInfo.Total) / (1024 * 1024 * 1024)
	res.MemoryUsedPct = memInfo.UsedPercent
	return res, nil
}

// DefaultPoolSize sizes the persistence pool at half the logical CPU count,
// clamped to [2, 8].
func DefaultPoolSize() int {
	return poolSizeFor(logicalCores(context.Background()))
}

func poolSizeFor(cores int) int {
	size := cores / 2
	if size < minPersistWorkers {
		return minPersistWorkers
	}
	if size > maxPersistWorkers {
		return maxPersistWorkers
	}
	return size
}

func logicalCores(ctx context.Context) int {
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}
