// Package cluster assembles point-in-time cluster snapshots.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/worldland/worldland-broker/internal/domain"
)

// Builder joins the topology with the committed reservations.
type Builder struct {
	topology domain.TopologySource
	store    domain.ReservationStore
	logger   *slog.Logger
}

func NewBuilder(topology domain.TopologySource, store domain.ReservationStore, logger *slog.Logger) *Builder {
	return &Builder{topology: topology, store: store, logger: logger}
}

// Snapshot returns an independent copy of the topology with every active reservation
// attached to its GPU in commit order. Reservations naming an unknown node or GPU are
// left out. A store failure fails the whole snapshot.
func (b *Builder) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	reservations, err := b.store.ReadAll(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			err = domain.StoreError("read reservations", err)
		}
		b.logger.Error("snapshot failed", "error", err)
		return nil, fmt.Errorf("build snapshot: %w", err)
	}

	snap := b.topology.Nodes()
	for _, n := range snap {
		for _, g := range n.GPUs {
			g.Reservations = make([]domain.Reservation, 0)
		}
	}

	orphans := 0
	for _, r := range reservations {
		gpu, err := snap.GPU(r.NodeID, r.GPUID)
		if err != nil {
			orphans++
			continue
		}
		gpu.Reservations = append(gpu.Reservations, r)
	}
	if orphans > 0 {
		b.logger.Debug("skipped reservations for unknown gpus", "count", orphans)
	}
	return snap, nil
}
