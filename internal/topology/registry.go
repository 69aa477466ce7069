// Package topology tracks the cluster's nodes, GPUs and running processes.
package topology

import (
	"log/slog"
	"sync"
	"time"

	"github.com/worldland/worldland-broker/internal/domain"
)

// Registry is the long-lived view of nodes fed by bootstrap data and agent telemetry.
// Reservations never live here; they are attached from the store when a snapshot is built.
type Registry struct {
	mu         sync.RWMutex
	nodes      domain.Snapshot
	lastReport map[string]time.Time
	logger     *slog.Logger
}

var _ domain.TopologySource = (*Registry)(nil)

// NewRegistry creates a registry seeded with a copy of initial.
func NewRegistry(logger *slog.Logger, initial domain.Snapshot) *Registry {
	nodes := make(domain.Snapshot)
	for id, n := range initial.Clone() {
		for _, g := range n.GPUs {
			g.Reservations = []domain.Reservation{}
		}
		nodes[id] = n
	}
	return &Registry{nodes: nodes, lastReport: make(map[string]time.Time), logger: logger}
}

// Nodes returns a deep copy of every node.
func (r *Registry) Nodes() domain.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes.Clone()
}

// ClearProcesses drops every GPU's process list.
func (r *Registry) ClearProcesses() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, n := range r.nodes {
		for _, g := range n.GPUs {
			g.Processes = []domain.Process{}
		}
	}
	r.logger.Info("cleared all GPU processes", "nodes", len(r.nodes))
}

// Apply merges a telemetry report. Unknown nodes and GPUs are added. A known GPU keeps its
// max memory; only its usage and processes are replaced. Reports older than the node's last
// report from the same node are ignored.
func (r *Registry) Apply(status domain.NodeStatus) error {
	incoming, err := status.ToNode()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if last, ok := r.lastReport[incoming.ID]; ok && incoming.UpdatedAt.Before(last) {
		r.logger.Debug("ignoring stale node status",
			"node", incoming.ID, "reported", incoming.UpdatedAt, "last", last)
		return nil
	}
	r.lastReport[incoming.ID] = incoming.UpdatedAt

	current, ok := r.nodes[incoming.ID]
	if !ok {
		r.nodes[incoming.ID] = incoming
		r.logger.Info("registered node from telemetry", "node", incoming.ID, "gpus", len(incoming.GPUs))
		return nil
	}

	current.CPUUsage = incoming.CPUUsage
	current.MemoryUsageGB = incoming.MemoryUsageGB
	current.UpdatedAt = incoming.UpdatedAt
	for id, g := range incoming.GPUs {
		existing, ok := current.GPUs[id]
		if !ok {
			current.GPUs[id] = g
			r.logger.Info("registered gpu from telemetry", "node", incoming.ID, "gpu", id, "max_gb", g.MaxMemoryGB)
			continue
		}
		if !existing.MaxMemoryGB.Equal(g.MaxMemoryGB) {
			r.logger.Warn("ignoring reported max memory change",
				"node", incoming.ID, "gpu", id, "known_gb", existing.MaxMemoryGB, "reported_gb", g.MaxMemoryGB)
		}
		existing.BaselineUsageGB = g.BaselineUsageGB
		existing.Processes = g.Processes
	}
	return nil
}
