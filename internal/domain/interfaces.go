package domain

import "context"

// Guard inspects the active reservations held on one GPU at commit time.
// Returning an error aborts the append without writing anything.
type Guard func(existing []Reservation) error

// ReservationStore is the durable record of committed reservations. Mutations are serialized
// by the store; reads may run concurrently with each other.
type ReservationStore interface {
	// Append records r after guard accepts the reservations already on r's GPU.
	// The store assigns CreatedAt when zero and marks the record active.
	Append(ctx context.Context, r Reservation, guard Guard) (Reservation, error)
	// ReadAll returns every active reservation in commit order.
	ReadAll(ctx context.Context) ([]Reservation, error)
	// Clear removes every active reservation.
	Clear(ctx context.Context) error
	// Release removes the first active reservation on the GPU accepted by match and archives it.
	Release(ctx context.Context, nodeID, gpuID string, match func(Reservation) bool) (Reservation, error)
	// History returns archived reservations for a GPU, oldest first.
	History(ctx context.Context, nodeID, gpuID string) ([]Reservation, error)
	Close() error
}

// TopologySource supplies node, GPU and process data for snapshot building.
type TopologySource interface {
	// Nodes returns a deep copy of the current topology.
	Nodes() Snapshot
	// ClearProcesses drops every GPU's transient process list.
	ClearProcesses()
}

// GPUProvider abstracts GPU metrics collection for testing
type GPUProvider interface {
	// Init initializes the GPU provider (NVML or mock)
	Init() error
	// Shutdown cleanly shuts down the provider
	Shutdown() error
	// GetDeviceCount returns number of GPUs
	GetDeviceCount() (int, error)
	// GetMetrics returns current metrics and compute processes for all GPUs
	GetMetrics() ([]GPUMetrics, error)
}
