package broker

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/worldland/worldland-broker/internal/domain"
)

// eligible reports whether gpu can take another reservation of requiredGB and returns
// its availability. The prospective reservation is charged a buffer too.
func (b *Broker) eligible(gpu *domain.GPU, requiredGB decimal.Decimal) (decimal.Decimal, bool) {
	available := gpu.Available(b.cfg.BufferGB)
	if b.cfg.SingleTenant && len(gpu.Reservations) > 0 {
		return available, false
	}
	return available, available.GreaterThanOrEqual(requiredGB.Add(b.cfg.BufferGB))
}

// bestFit picks the eligible GPU with the strictly largest availability. GPUs are visited
// in (node id, gpu id) ascending order so ties go to the first one.
func (b *Broker) bestFit(snap domain.Snapshot, requiredGB decimal.Decimal) (nodeID, gpuID string, available decimal.Decimal, considered int) {
	found := false
	for _, nid := range snap.NodeIDs() {
		node := snap[nid]
		for _, gid := range node.GPUIDs() {
			considered++
			avail, ok := b.eligible(node.GPUs[gid], requiredGB)
			if !ok {
				continue
			}
			if !found || avail.GreaterThan(available) {
				nodeID, gpuID, available, found = nid, gid, avail, true
			}
		}
	}
	return nodeID, gpuID, available, considered
}

// FindBestGPU proposes the GPU with the most room for req. It never writes to the store.
func (b *Broker) FindBestGPU(ctx context.Context, req FindRequest) (*Candidate, error) {
	sessionType, err := req.validate()
	if err != nil {
		b.metrics.finds.WithLabelValues(resultInvalid).Inc()
		return nil, err
	}

	snap, err := b.Snapshot(ctx)
	if err != nil {
		b.metrics.finds.WithLabelValues(resultError).Inc()
		return nil, err
	}

	nodeID, gpuID, available, considered := b.bestFit(snap, req.MemoryGB)
	if nodeID == "" {
		b.metrics.finds.WithLabelValues(resultNoCapacity).Inc()
		b.logger.Info("no gpu can take request",
			"user", req.User, "mem_gb", req.MemoryGB, "session_type", sessionType, "gpus", considered)
		return nil, &domain.NoCapacityError{RequiredGB: req.MemoryGB, Candidates: considered}
	}

	b.metrics.finds.WithLabelValues(resultFound).Inc()
	b.logger.Debug("best gpu found",
		"user", req.User, "node", nodeID, "gpu", gpuID, "available_gb", available, "session_type", sessionType)
	return &Candidate{
		NodeID:      nodeID,
		GPUID:       gpuID,
		AvailableGB: available,
		User:        req.User,
		RequestedGB: req.MemoryGB,
		SessionType: sessionType,
	}, nil
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return resultReserved
	case errors.Is(err, domain.ErrInvalidRequest):
		return resultInvalid
	case errors.Is(err, domain.ErrNotFound):
		return resultNotFound
	case errors.Is(err, domain.ErrInsufficientMemory):
		return resultInsufficient
	default:
		return resultError
	}
}
