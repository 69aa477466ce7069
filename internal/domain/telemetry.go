package domain

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// GPUMetrics represents collected GPU metrics from NVML
type GPUMetrics struct {
	Index       int                 `json:"index"`
	UUID        string              `json:"uuid"`
	Name        string              `json:"name"`
	MemoryTotal uint64              `json:"memory_total_mb"`
	MemoryUsed  uint64              `json:"memory_used_mb"`
	GPUUtil     uint32              `json:"gpu_util_percent"`
	Processes   []GPUProcessMetrics `json:"processes"`
}

// GPUProcessMetrics is one compute process as reported by the driver.
type GPUProcessMetrics struct {
	PID          uint32 `json:"pid"`
	UsedMemoryMB uint64 `json:"used_memory_mb"`
}

var mibPerGB = decimal.NewFromInt(1024)

// MiBToGB converts a driver MiB figure to GB, rounded to two places.
func MiBToGB(mib uint64) decimal.Decimal {
	return decimal.NewFromInt(int64(mib)).Div(mibPerGB).Round(2)
}

// GPUStatus is the per-GPU part of a NodeStatus report.
type GPUStatus struct {
	MaxMemoryGB decimal.Decimal `json:"max_mem"`
	UsageGB     decimal.Decimal `json:"mem_usage"`
	Processes   []Process       `json:"processes"`
}

// NodeStatus is the telemetry record a node agent pushes.
type NodeStatus struct {
	NodeID        string               `json:"node_id"`
	CPUUsage      decimal.Decimal      `json:"cpu_usage"`
	MemoryUsageGB decimal.Decimal      `json:"mem_usage"`
	Timestamp     time.Time            `json:"timestamp"`
	GPUs          map[string]GPUStatus `json:"gpus"`
}

// ToNode validates the report and converts it into a Node with no reservations.
func (s NodeStatus) ToNode() (*Node, error) {
	ts := s.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	node, err := NewNode(s.NodeID, s.CPUUsage, s.MemoryUsageGB, ts)
	if err != nil {
		return nil, err
	}
	for gpuID, gs := range s.GPUs {
		gpu, err := NewGPU(gpuID, gs.MaxMemoryGB, gs.UsageGB)
		if err != nil {
			return nil, err
		}
		for _, p := range gs.Processes {
			proc, err := NewProcess(p.PID, p.User, p.MemoryGB)
			if err != nil {
				return nil, err
			}
			if proc.MemoryGB.GreaterThan(gpu.MaxMemoryGB) {
				return nil, Invalidf("gpu %s process %d uses %s GB, more than max %s GB",
					gpuID, proc.PID, proc.MemoryGB, gpu.MaxMemoryGB)
			}
			gpu.Processes = append(gpu.Processes, proc)
		}
		node.GPUs[gpuID] = gpu
	}
	return node, nil
}

// StatusFromMetrics builds the GPU part of a NodeStatus from driver metrics.
// GPUs are keyed by their device index; owners maps PIDs to user names.
func StatusFromMetrics(metrics []GPUMetrics, owners map[uint32]string) map[string]GPUStatus {
	gpus := make(map[string]GPUStatus, len(metrics))
	for _, m := range metrics {
		procs := make([]Process, 0, len(m.Processes))
		for _, p := range m.Processes {
			user, ok := owners[p.PID]
			if !ok {
				user = "unknown"
			}
			procs = append(procs, Process{PID: int(p.PID), User: user, MemoryGB: MiBToGB(p.UsedMemoryMB)})
		}
		gpus[strconv.Itoa(m.Index)] = GPUStatus{
			MaxMemoryGB: MiBToGB(m.MemoryTotal),
			UsageGB:     MiBToGB(m.MemoryUsed),
			Processes:   procs,
		}
	}
	return gpus
}
