// Package store provides ReservationStore implementations.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/worldland/worldland-broker/internal/domain"
)

// Kind selects a store backend.
type Kind string

const (
	KindMemory   Kind = "memory"
	KindPostgres Kind = "postgres"
	KindRedis    Kind = "redis"
)

// Kinds lists every supported backend.
var Kinds = []string{string(KindMemory), string(KindPostgres), string(KindRedis)}

var (
	_ domain.ReservationStore = (*Memory)(nil)
	_ domain.ReservationStore = (*Postgres)(nil)
	_ domain.ReservationStore = (*Redis)(nil)
)

// prepare fills the fields a store owns before the record is written.
func prepare(r domain.Reservation, now time.Time) domain.Reservation {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.Active = true
	r.ReleasedAt = nil
	return r
}

// onGPU filters reservations held on one GPU, preserving order.
func onGPU(rs []domain.Reservation, nodeID, gpuID string) []domain.Reservation {
	out := make([]domain.Reservation, 0)
	for _, r := range rs {
		if r.NodeID == nodeID && r.GPUID == gpuID {
			out = append(out, r)
		}
	}
	return out
}

func checkGuard(guard domain.Guard, existing []domain.Reservation) error {
	if guard == nil {
		return nil
	}
	return guard(existing)
}

func ctxErr(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return domain.StoreError(op, err)
	}
	return nil
}
