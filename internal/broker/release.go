package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/worldland/worldland-broker/internal/domain"
)

// Finish releases one active reservation and archives it in the GPU's history.
func (b *Broker) Finish(ctx context.Context, req FinishRequest) (*Freed, error) {
	freed, err := b.finish(ctx, req)
	result := resultReleased
	if err != nil {
		result = resultOf(err)
	}
	b.metrics.releases.WithLabelValues(result).Inc()
	if err != nil {
		b.logger.Info("release rejected",
			"node", req.NodeID, "gpu", req.GPUID, "user", req.User, "id", req.ReservationID, "error", err)
		return nil, err
	}
	b.logger.Info("reservation released",
		"id", freed.Reservation.ID, "node", req.NodeID, "gpu", req.GPUID, "user", freed.Reservation.User,
		"mem_gb", freed.Reservation.MemoryGB)
	return freed, nil
}

func (b *Broker) finish(ctx context.Context, req FinishRequest) (*Freed, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if _, err := b.topology.Nodes().GPU(req.NodeID, req.GPUID); err != nil {
		return nil, err
	}

	match := func(r domain.Reservation) bool {
		if req.ReservationID != "" {
			return r.ID == req.ReservationID && (req.User == "" || r.User == req.User)
		}
		return r.Matches(req.User, req.MemoryGB)
	}
	released, err := b.store.Release(ctx, req.NodeID, req.GPUID, match)
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			nf.ReservationID = req.ReservationID
			return nil, nf
		}
		return nil, fmt.Errorf("release reservation: %w", err)
	}
	return &Freed{Reservation: released}, nil
}

// History returns the released reservations of one GPU, oldest first.
func (b *Broker) History(ctx context.Context, nodeID, gpuID string) ([]domain.Reservation, error) {
	if err := validateTarget(nodeID, gpuID); err != nil {
		return nil, err
	}
	if _, err := b.topology.Nodes().GPU(nodeID, gpuID); err != nil {
		return nil, err
	}
	h, err := b.store.History(ctx, nodeID, gpuID)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return h, nil
}
