package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Process is a workload running on a GPU. Its lifecycle belongs to telemetry.
type Process struct {
	PID      int             `json:"pid" yaml:"pid"`
	User     string          `json:"user" yaml:"user"`
	MemoryGB decimal.Decimal `json:"mem_usage" yaml:"mem_usage"`
}

// NewProcess validates and builds a Process.
func NewProcess(pid int, user string, memoryGB decimal.Decimal) (Process, error) {
	if pid < 0 {
		return Process{}, Invalidf("process pid %d is negative", pid)
	}
	if memoryGB.IsNegative() {
		return Process{}, Invalidf("process %d memory %s GB is negative", pid, memoryGB)
	}
	return Process{PID: pid, User: strings.TrimSpace(user), MemoryGB: memoryGB}, nil
}

// Reservation is a committed claim on GPU memory.
type Reservation struct {
	ID         string          `json:"id"`
	NodeID     string          `json:"node_id"`
	GPUID      string          `json:"gpu_id"`
	User       string          `json:"user"`
	MemoryGB   decimal.Decimal `json:"mem_reserved"`
	CreatedAt  time.Time       `json:"timestamp"`
	Active     bool            `json:"session_active"`
	ReleasedAt *time.Time      `json:"released_at,omitempty"`
}

// Matches reports whether r is the same (user, amount) claim.
func (r Reservation) Matches(user string, memoryGB decimal.Decimal) bool {
	return r.User == user && r.MemoryGB.Equal(memoryGB)
}

// GPU tracks one device's capacity together with what currently occupies it.
type GPU struct {
	ID              string          `json:"gpu_id"`
	MaxMemoryGB     decimal.Decimal `json:"max_mem"`
	BaselineUsageGB decimal.Decimal `json:"mem_usage"`
	Processes       []Process       `json:"processes"`
	Reservations    []Reservation   `json:"reservations"`
}

// NewGPU validates and builds a GPU with no processes or reservations.
func NewGPU(id string, maxMemoryGB, baselineUsageGB decimal.Decimal) (*GPU, error) {
	if strings.TrimSpace(id) == "" {
		return nil, Invalidf("gpu id is required")
	}
	if !maxMemoryGB.IsPositive() {
		return nil, Invalidf("gpu %s max memory must be positive, got %s", id, maxMemoryGB)
	}
	if baselineUsageGB.IsNegative() || baselineUsageGB.GreaterThan(maxMemoryGB) {
		return nil, Invalidf("gpu %s baseline usage %s GB outside [0, %s]", id, baselineUsageGB, maxMemoryGB)
	}
	return &GPU{
		ID:              id,
		MaxMemoryGB:     maxMemoryGB,
		BaselineUsageGB: baselineUsageGB,
		Processes:       []Process{},
		Reservations:    []Reservation{},
	}, nil
}

// TotalUsage is the memory used by processes plus the memory held by reservations.
func (g *GPU) TotalUsage() decimal.Decimal {
	total := decimal.Zero
	for _, p := range g.Processes {
		total = total.Add(p.MemoryGB)
	}
	for _, r := range g.Reservations {
		total = total.Add(r.MemoryGB)
	}
	return total
}

// Available returns max - total usage - buffer for every existing reservation.
// The result may be negative when telemetry reports more usage than capacity.
func (g *GPU) Available(bufferGB decimal.Decimal) decimal.Decimal {
	overhead := bufferGB.Mul(decimal.NewFromInt(int64(len(g.Reservations))))
	return g.MaxMemoryGB.Sub(g.TotalUsage()).Sub(overhead)
}

// Clone returns a deep copy.
func (g *GPU) Clone() *GPU {
	c := *g
	c.Processes = append(make([]Process, 0, len(g.Processes)), g.Processes...)
	c.Reservations = make([]Reservation, 0, len(g.Reservations))
	for _, r := range g.Reservations {
		if r.ReleasedAt != nil {
			t := *r.ReleasedAt
			r.ReleasedAt = &t
		}
		c.Reservations = append(c.Reservations, r)
	}
	return &c
}

// Node is a compute node and its GPUs keyed by GPU id.
type Node struct {
	ID            string          `json:"node_id"`
	CPUUsage      decimal.Decimal `json:"cpu_usage"`
	MemoryUsageGB decimal.Decimal `json:"mem_usage"`
	UpdatedAt     time.Time       `json:"timestamp"`
	GPUs          map[string]*GPU `json:"gpus"`
}

// NewNode validates and builds a Node without GPUs.
func NewNode(id string, cpuUsage, memoryUsageGB decimal.Decimal, updatedAt time.Time) (*Node, error) {
	if strings.TrimSpace(id) == "" {
		return nil, Invalidf("node id is required")
	}
	if cpuUsage.IsNegative() || cpuUsage.GreaterThan(decimal.NewFromInt(100)) {
		return nil, Invalidf("node %s cpu usage %s outside [0, 100]", id, cpuUsage)
	}
	if memoryUsageGB.IsNegative() {
		return nil, Invalidf("node %s memory usage %s GB is negative", id, memoryUsageGB)
	}
	return &Node{
		ID:            id,
		CPUUsage:      cpuUsage,
		MemoryUsageGB: memoryUsageGB,
		UpdatedAt:     updatedAt,
		GPUs:          make(map[string]*GPU),
	}, nil
}

// GPUIDs returns the node's GPU ids in ascending order.
func (n *Node) GPUIDs() []string {
	ids := make([]string, 0, len(n.GPUs))
	for id := range n.GPUs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	c := *n
	c.GPUs = make(map[string]*GPU, len(n.GPUs))
	for id, g := range n.GPUs {
		c.GPUs[id] = g.Clone()
	}
	return &c
}

// Snapshot is a point-in-time, independently owned view of the cluster keyed by node id.
type Snapshot map[string]*Node

// NodeIDs returns the snapshot's node ids in ascending order.
func (s Snapshot) NodeIDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GPU looks up a GPU, returning a *NotFoundError naming the missing identifier.
func (s Snapshot) GPU(nodeID, gpuID string) (*GPU, error) {
	node, ok := s[nodeID]
	if !ok {
		return nil, &NotFoundError{Kind: NodeKind, NodeID: nodeID}
	}
	gpu, ok := node.GPUs[gpuID]
	if !ok {
		return nil, &NotFoundError{Kind: GPUKind, NodeID: nodeID, GPUID: gpuID}
	}
	return gpu, nil
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	c := make(Snapshot, len(s))
	for id, n := range s {
		c[id] = n.Clone()
	}
	return c
}
