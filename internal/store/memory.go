package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/worldland/worldland-broker/internal/domain"
)

var errClosed = errors.New("store closed")

type gpuKey struct {
	node string
	gpu  string
}

// Memory is a process-local ReservationStore. Records do not survive a restart.
type Memory struct {
	mu      sync.RWMutex
	closed  bool
	active  []domain.Reservation
	history map[gpuKey][]domain.Reservation
	now     func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		active:  make([]domain.Reservation, 0),
		history: make(map[gpuKey][]domain.Reservation),
		now:     time.Now,
	}
}

func (m *Memory) Append(ctx context.Context, r domain.Reservation, guard domain.Guard) (domain.Reservation, error) {
	if err := ctxErr(ctx, "append"); err != nil {
		return domain.Reservation{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return domain.Reservation{}, domain.StoreError("append", errClosed)
	}
	if err := checkGuard(guard, onGPU(m.active, r.NodeID, r.GPUID)); err != nil {
		return domain.Reservation{}, err
	}

	r = prepare(r, m.now())
	m.active = append(m.active, r)
	return r, nil
}

func (m *Memory) ReadAll(ctx context.Context) ([]domain.Reservation, error) {
	if err := ctxErr(ctx, "read reservations"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, domain.StoreError("read reservations", errClosed)
	}
	return append(make([]domain.Reservation, 0, len(m.active)), m.active...), nil
}

func (m *Memory) Clear(ctx context.Context) error {
	if err := ctxErr(ctx, "clear"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return domain.StoreError("clear", errClosed)
	}
	m.active = make([]domain.Reservation, 0)
	return nil
}

func (m *Memory) Release(ctx context.Context, nodeID, gpuID string, match func(domain.Reservation) bool) (domain.Reservation, error) {
	if err := ctxErr(ctx, "release"); err != nil {
		return domain.Reservation{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return domain.Reservation{}, domain.StoreError("release", errClosed)
	}

	for i, r := range m.active {
		if r.NodeID != nodeID || r.GPUID != gpuID || !match(r) {
			continue
		}
		m.active = append(m.active[:i:i], m.active[i+1:]...)

		now := m.now()
		r.Active = false
		r.ReleasedAt = &now
		key := gpuKey{node: nodeID, gpu: gpuID}
		m.history[key] = append(m.history[key], r)
		return r, nil
	}
	return domain.Reservation{}, &domain.NotFoundError{Kind: domain.ReservationKind, NodeID: nodeID, GPUID: gpuID}
}

func (m *Memory) History(ctx context.Context, nodeID, gpuID string) ([]domain.Reservation, error) {
	if err := ctxErr(ctx, "history"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, domain.StoreError("history", errClosed)
	}
	h := m.history[gpuKey{node: nodeID, gpu: gpuID}]
	return append(make([]domain.Reservation, 0, len(h)), h...), nil
}

// Close makes every later call fail with ErrStoreUnavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
