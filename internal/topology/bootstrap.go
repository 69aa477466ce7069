package topology

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/worldland/worldland-broker/internal/domain"
)

// File is the on-disk bootstrap topology.
type File struct {
	Nodes []NodeSpec `yaml:"nodes"`
}

type NodeSpec struct {
	ID       string    `yaml:"id"`
	CPUUsage float64   `yaml:"cpu_usage"`
	MemUsage float64   `yaml:"mem_usage"`
	GPUs     []GPUSpec `yaml:"gpus"`
}

type GPUSpec struct {
	ID        string        `yaml:"id"`
	MaxMem    float64       `yaml:"max_mem"`
	MemUsage  float64       `yaml:"mem_usage"`
	Processes []ProcessSpec `yaml:"processes"`
}

type ProcessSpec struct {
	PID      int     `yaml:"pid"`
	User     string  `yaml:"user"`
	MemUsage float64 `yaml:"mem_usage"`
}

// LoadFile reads and validates a YAML bootstrap topology.
func LoadFile(path string) (domain.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML bootstrap topology.
func Parse(data []byte) (domain.Snapshot, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, domain.Invalidf("decode topology: %v", err)
	}
	return f.Snapshot(time.Now())
}

// Snapshot validates the file contents and converts them into nodes stamped with now.
func (f File) Snapshot(now time.Time) (domain.Snapshot, error) {
	snap := make(domain.Snapshot, len(f.Nodes))
	for _, ns := range f.Nodes {
		if _, dup := snap[ns.ID]; dup {
			return nil, domain.Invalidf("duplicate node %q", ns.ID)
		}
		node, err := domain.NewNode(ns.ID, decimal.NewFromFloat(ns.CPUUsage), decimal.NewFromFloat(ns.MemUsage), now)
		if err != nil {
			return nil, err
		}
		for _, gs := range ns.GPUs {
			if _, dup := node.GPUs[gs.ID]; dup {
				return nil, domain.Invalidf("node %s: duplicate gpu %q", ns.ID, gs.ID)
			}
			gpu, err := domain.NewGPU(gs.ID, decimal.NewFromFloat(gs.MaxMem), decimal.NewFromFloat(gs.MemUsage))
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", ns.ID, err)
			}
			for _, ps := range gs.Processes {
				p, err := domain.NewProcess(ps.PID, ps.User, decimal.NewFromFloat(ps.MemUsage))
				if err != nil {
					return nil, fmt.Errorf("node %s gpu %s: %w", ns.ID, gs.ID, err)
				}
				gpu.Processes = append(gpu.Processes, p)
			}
			node.GPUs[gs.ID] = gpu
		}
		snap[ns.ID] = node
	}
	return snap, nil
}

// DefaultFile is the built-in two-node topology used when no file is configured.
var DefaultFile = File{
	Nodes: []NodeSpec{
		{
			ID: "node1", CPUUsage: 30, MemUsage: 32,
			GPUs: []GPUSpec{
				{ID: "0", MaxMem: 16, MemUsage: 2, Processes: []ProcessSpec{{PID: 1000, User: "user1", MemUsage: 2}}},
				{ID: "1", MaxMem: 16, MemUsage: 4, Processes: []ProcessSpec{{PID: 1001, User: "user2", MemUsage: 4}}},
			},
		},
		{
			ID: "node2", CPUUsage: 25, MemUsage: 16,
			GPUs: []GPUSpec{
				{ID: "0", MaxMem: 8, MemUsage: 1, Processes: []ProcessSpec{{PID: 2000, User: "user3", MemUsage: 1}}},
			},
		},
	},
}

// DefaultNodes returns the built-in topology.
func DefaultNodes() domain.Snapshot {
	snap, err := DefaultFile.Snapshot(time.Now())
	if err != nil {
		panic(fmt.Sprintf("built-in topology is invalid: %v", err))
	}
	return snap
}
