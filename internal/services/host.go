package services

import (
	"fmt"
	"sync"

	"github.com/prometheus/procfs"
	"github.com/shopspring/decimal"
)

// HostSampler reports node-level CPU utilisation (percent) and used memory (GB).
type HostSampler interface {
	Sample() (cpuPercent, memUsedGB decimal.Decimal, err error)
}

// ProcSampler reads host usage from /proc.
type ProcSampler struct {
	fs procfs.FS

	mu   sync.Mutex
	prev *procfs.CPUStat
}

// NewProcSampler opens the proc filesystem at mountPoint (procfs.DefaultMountPoint if empty).
func NewProcSampler(mountPoint string) (*ProcSampler, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	return &ProcSampler{fs: fs}, nil
}

// Sample returns CPU usage since the previous call. The first call reports
// usage since boot.
func (s *ProcSampler) Sample() (decimal.Decimal, decimal.Decimal, error) {
	stat, err := s.fs.Stat()
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to read /proc/stat: %w", err)
	}
	mem, err := s.fs.Meminfo()
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to read /proc/meminfo: %w", err)
	}

	s.mu.Lock()
	cur := stat.CPUTotal
	var prev procfs.CPUStat
	if s.prev != nil {
		prev = *s.prev
	}
	s.prev = &cur
	s.mu.Unlock()

	return cpuPercent(prev, cur), memUsedGB(mem), nil
}

func busy(c procfs.CPUStat) float64 {
	return c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
}

func cpuPercent(prev, cur procfs.CPUStat) decimal.Decimal {
	dBusy := busy(cur) - busy(prev)
	dTotal := dBusy + (cur.Idle - prev.Idle) + (cur.Iowait - prev.Iowait)
	if dTotal <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(100 * dBusy / dTotal).Round(2)
}

func memUsedGB(m procfs.Meminfo) decimal.Decimal {
	if m.MemTotal == nil || m.MemAvailable == nil || *m.MemAvailable > *m.MemTotal {
		return decimal.Zero
	}
	usedKB := decimal.NewFromInt(int64(*m.MemTotal - *m.MemAvailable))
	return usedKB.Div(decimal.NewFromInt(1024 * 1024)).Round(2)
}
