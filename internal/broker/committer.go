package broker

import (
	"context"
	"fmt"

	"github.com/worldland/worldland-broker/internal/domain"
)

// Reserve commits req against a fresh snapshot. The capacity check runs on the snapshot,
// then again inside the store's append against the reservations committed at that moment.
func (b *Broker) Reserve(ctx context.Context, req ReserveRequest) (*Reserved, error) {
	r, err := b.reserve(ctx, req)
	b.metrics.reserves.WithLabelValues(resultOf(err)).Inc()
	if err != nil {
		b.logger.Info("reservation rejected",
			"node", req.NodeID, "gpu", req.GPUID, "user", req.User, "mem_gb", req.MemoryGB, "error", err)
		return nil, err
	}
	b.logger.Info("reservation committed",
		"id", r.ReservationID, "node", r.NodeID, "gpu", r.GPUID, "user", r.User, "mem_gb", r.MemoryGB)
	return r, nil
}

func (b *Broker) reserve(ctx context.Context, req ReserveRequest) (*Reserved, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	snap, err := b.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	gpu, err := snap.GPU(req.NodeID, req.GPUID)
	if err != nil {
		return nil, err
	}
	if err := b.check(req, gpu); err != nil {
		return nil, err
	}

	// Processes come from the snapshot; reservations are re-read under the store's lock.
	guard := func(existing []domain.Reservation) error {
		current := gpu.Clone()
		current.Reservations = existing
		return b.check(req, current)
	}
	committed, err := b.store.Append(ctx, domain.Reservation{
		NodeID:   req.NodeID,
		GPUID:    req.GPUID,
		User:     req.User,
		MemoryGB: req.MemoryGB,
	}, guard)
	if err != nil {
		return nil, fmt.Errorf("commit reservation: %w", err)
	}

	return &Reserved{
		ReservationID: committed.ID,
		NodeID:        committed.NodeID,
		GPUID:         committed.GPUID,
		User:          committed.User,
		MemoryGB:      committed.MemoryGB,
		CreatedAt:     committed.CreatedAt,
	}, nil
}

func (b *Broker) check(req ReserveRequest, gpu *domain.GPU) error {
	available, ok := b.eligible(gpu, req.MemoryGB)
	if ok {
		return nil
	}
	e := &domain.InsufficientMemoryError{
		NodeID:      req.NodeID,
		GPUID:       req.GPUID,
		AvailableGB: available,
		RequiredGB:  req.MemoryGB.Add(b.cfg.BufferGB),
	}
	if b.cfg.SingleTenant && len(gpu.Reservations) > 0 {
		e.Reason = "gpu already holds a reservation"
	}
	return e
}
