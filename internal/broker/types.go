package broker

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/worldland/worldland-broker/internal/domain"
)

// SessionType is the kind of workload a reservation is for.
type SessionType string

const (
	SessionInteractive SessionType = "interactive"
	SessionJob         SessionType = "job"
)

// ParseSessionType accepts "interactive" or "job". An empty value means interactive.
func ParseSessionType(s string) (SessionType, error) {
	switch SessionType(strings.ToLower(strings.TrimSpace(s))) {
	case "", SessionInteractive:
		return SessionInteractive, nil
	case SessionJob:
		return SessionJob, nil
	default:
		return "", domain.Invalidf("unknown session type %q", s)
	}
}

type FindRequest struct {
	User        string          `json:"user"`
	MemoryGB    decimal.Decimal `json:"mem_required"`
	SessionType string          `json:"session_type"`
}

// Candidate is the GPU the engine proposes. Nothing is held until Reserve succeeds.
type Candidate struct {
	NodeID      string          `json:"node_id"`
	GPUID       string          `json:"gpu_id"`
	AvailableGB decimal.Decimal `json:"available_mem"`
	User        string          `json:"user"`
	RequestedGB decimal.Decimal `json:"mem_required"`
	SessionType SessionType     `json:"session_type"`
}

type ReserveRequest struct {
	NodeID   string          `json:"node_id"`
	GPUID    string          `json:"gpu_id"`
	User     string          `json:"user"`
	MemoryGB decimal.Decimal `json:"mem_required"`
}

// Reserved echoes a committed reservation.
type Reserved struct {
	ReservationID string          `json:"reservation_id"`
	NodeID        string          `json:"node_id"`
	GPUID         string          `json:"gpu_id"`
	User          string          `json:"user"`
	MemoryGB      decimal.Decimal `json:"mem_reserved"`
	CreatedAt     time.Time       `json:"timestamp"`
}

// FinishRequest identifies a reservation to release. ReservationID, when set, is the
// match key; otherwise the oldest reservation with the same user and amount is released.
type FinishRequest struct {
	NodeID        string          `json:"node_id"`
	GPUID         string          `json:"gpu_id"`
	User          string          `json:"user"`
	MemoryGB      decimal.Decimal `json:"mem_reserved"`
	ReservationID string          `json:"reservation_id,omitempty"`
}

// Freed is the archived reservation.
type Freed struct {
	Reservation domain.Reservation `json:"reservation"`
}

func validateAmount(user string, mem decimal.Decimal) error {
	if strings.TrimSpace(user) == "" {
		return domain.Invalidf("user is required")
	}
	if !mem.IsPositive() {
		return domain.Invalidf("memory must be positive, got %s GB", mem)
	}
	return nil
}

func validateTarget(nodeID, gpuID string) error {
	if strings.TrimSpace(nodeID) == "" {
		return domain.Invalidf("node id is required")
	}
	if strings.TrimSpace(gpuID) == "" {
		return domain.Invalidf("gpu id is required")
	}
	return nil
}

func (r FindRequest) validate() (SessionType, error) {
	if err := validateAmount(r.User, r.MemoryGB); err != nil {
		return "", err
	}
	return ParseSessionType(r.SessionType)
}

func (r ReserveRequest) validate() error {
	if err := validateTarget(r.NodeID, r.GPUID); err != nil {
		return err
	}
	return validateAmount(r.User, r.MemoryGB)
}

func (r FinishRequest) validate() error {
	if err := validateTarget(r.NodeID, r.GPUID); err != nil {
		return err
	}
	if r.ReservationID != "" {
		return nil
	}
	return validateAmount(r.User, r.MemoryGB)
}
