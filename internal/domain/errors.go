package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientMemory = errors.New("insufficient GPU memory for reservation")
	ErrNoCapacity         = errors.New("no GPU with sufficient memory available")
	ErrStoreUnavailable   = errors.New("reservation store unavailable")
	ErrInvalidRequest     = errors.New("invalid request")
)

// Invalidf returns an error wrapping ErrInvalidRequest.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// NotFoundKind names what could not be found.
type NotFoundKind string

const (
	NodeKind        NotFoundKind = "node"
	GPUKind         NotFoundKind = "gpu"
	ReservationKind NotFoundKind = "reservation"
)

// NotFoundError reports an identifier unknown to the snapshot or store.
type NotFoundError struct {
	Kind          NotFoundKind
	NodeID        string
	GPUID         string
	ReservationID string
}

func (e *NotFoundError) Error() string {
	switch e.Kind {
	case NodeKind:
		return fmt.Sprintf("node %q not found", e.NodeID)
	case GPUKind:
		return fmt.Sprintf("gpu %q not found on node %q", e.GPUID, e.NodeID)
	default:
		if e.ReservationID != "" {
			return fmt.Sprintf("reservation %q not found on node %q gpu %q", e.ReservationID, e.NodeID, e.GPUID)
		}
		return fmt.Sprintf("no matching reservation on node %q gpu %q", e.NodeID, e.GPUID)
	}
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InsufficientMemoryError reports a capacity check that failed for a specific GPU.
type InsufficientMemoryError struct {
	NodeID      string
	GPUID       string
	AvailableGB decimal.Decimal
	RequiredGB  decimal.Decimal
	Reason      string
}

func (e *InsufficientMemoryError) Error() string {
	msg := fmt.Sprintf("node %q gpu %q: %s GB available, %s GB required",
		e.NodeID, e.GPUID, e.AvailableGB.StringFixed(2), e.RequiredGB.StringFixed(2))
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return fmt.Sprintf("%s: %s", ErrInsufficientMemory, msg)
}

func (e *InsufficientMemoryError) Unwrap() error { return ErrInsufficientMemory }

// NoCapacityError reports that no GPU cluster-wide satisfies a request.
type NoCapacityError struct {
	RequiredGB decimal.Decimal
	Candidates int
}

func (e *NoCapacityError) Error() string {
	return fmt.Sprintf("%s: %s GB required, %d GPUs considered", ErrNoCapacity, e.RequiredGB.StringFixed(2), e.Candidates)
}

func (e *NoCapacityError) Unwrap() error { return ErrNoCapacity }

// StoreError wraps a persistence failure as ErrStoreUnavailable while keeping the cause.
func StoreError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
