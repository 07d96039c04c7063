package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrNotRunning is returned by Stats for identifiers without a live process.
var ErrNotRunning = errors.New("stream not running")

// ProcessStats is a point-in-time resource sample of a transcoder process.
type ProcessStats struct {
	PID            int     `json:"pid"`
	CPUPercent     float64 `json:"cpuPercent"`
	MemoryRSSBytes uint64  `json:"memoryRssBytes"`
}

// Stats samples CPU and resident memory of the process behind id.
func (s *Supervisor) Stats(ctx context.Context, id StreamID) (ProcessStats, error) {
	running, pid := s.ProcessInfo(id)
	if !running || pid == 0 {
		return ProcessStats{}, ErrNotRunning
	}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessStats{}, fmt.Errorf("inspect pid %d: %w", pid, err)
	}

	stats := ProcessStats{PID: pid}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("memory info pid %d: %w", pid, err)
	}
	stats.MemoryRSSBytes = mem.RSS
	return stats, nil
}
