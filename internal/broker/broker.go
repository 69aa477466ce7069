// Package broker finds, commits and releases GPU memory reservations.
package broker

import (
	"context"
	"log/slog"

	"github.com/worldland/worldland-broker/internal/domain"
)

// SnapshotBuilder produces independent cluster views with reservations attached.
type SnapshotBuilder interface {
	Snapshot(ctx context.Context) (domain.Snapshot, error)
}

// Broker serves the allocation operations. It holds no lock across a read-then-decide
// sequence; the store's guarded append is the only serialization point.
type Broker struct {
	cfg       Config
	snapshots SnapshotBuilder
	store     domain.ReservationStore
	topology  domain.TopologySource
	metrics   *Metrics
	logger    *slog.Logger
}

// New creates a broker. metrics may be nil.
func New(cfg Config, snapshots SnapshotBuilder, store domain.ReservationStore, topology domain.TopologySource,
	metrics *Metrics, logger *slog.Logger) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics, _ = NewMetrics(nil)
	}
	return &Broker{
		cfg:       cfg,
		snapshots: snapshots,
		store:     store,
		topology:  topology,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// Config returns the allocation policy in effect.
func (b *Broker) Config() Config { return b.cfg }

// Snapshot returns the current cluster view and refreshes the per-GPU gauges.
func (b *Broker) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	snap, err := b.snapshots.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	b.metrics.observeSnapshot(snap, b.cfg.BufferGB)
	return snap, nil
}
