package worker

import (
	"fmt"
	"sync"

	"github.com/cuemby/hive/pkg/types"
	"github.com/prometheus/procfs"
)

// Sampler reads current device utilization
type Sampler interface {
	Sample() (types.DeviceMetrics, error)
}

type idleSampler struct{}

func (idleSampler) Sample() (types.DeviceMetrics, error) {
	return types.DeviceMetrics{}, nil
}

// ProcSampler samples CPU and memory utilization from /proc. CPU
// utilization is measured between consecutive samples, so the first
// sample reports the average since boot.
type ProcSampler struct {
	fs procfs.FS

	mu        sync.Mutex
	lastBusy  float64
	lastTotal float64
}

// NewProcSampler opens the default /proc mount
func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	return &ProcSampler{fs: fs}, nil
}

// Sample returns the current CPU and memory utilization in percent
func (s *ProcSampler) Sample() (types.DeviceMetrics, error) {
	var m types.DeviceMetrics

	stat, err := s.fs.Stat()
	if err != nil {
		return m, fmt.Errorf("failed to read cpu stats: %w", err)
	}
	m.CPUUtilization = s.cpuPercent(stat.CPUTotal)

	mem, err := s.fs.Meminfo()
	if err != nil {
		return m, fmt.Errorf("failed to read meminfo: %w", err)
	}
	m.MemoryUtilization = memoryPercent(mem)

	return m, nil
}

func (s *ProcSampler) cpuPercent(c procfs.CPUStat) float64 {
	idle := c.Idle + c.Iowait
	busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	total := idle + busy

	s.mu.Lock()
	defer s.mu.Unlock()

	dBusy, dTotal := busy-s.lastBusy, total-s.lastTotal
	s.lastBusy, s.lastTotal = busy, total
	if dTotal <= 0 {
		return 0
	}
	return 100 * dBusy / dTotal
}

func memoryPercent(mem procfs.Meminfo) float64 {
	if mem.MemTotal == nil || mem.MemAvailable == nil || *mem.MemTotal == 0 {
		return 0
	}
	used := float64(*mem.MemTotal) - float64(*mem.MemAvailable)
	return 100 * used / float64(*mem.MemTotal)
}
