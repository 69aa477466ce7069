package broker

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/worldland/worldland-broker/internal/domain"
)

const namespace = "gpu_broker"

// Result label values.
const (
	resultFound        = "found"
	resultNoCapacity   = "no_capacity"
	resultReserved     = "reserved"
	resultInsufficient = "insufficient_memory"
	resultReleased     = "released"
	resultNotFound     = "not_found"
	resultInvalid      = "invalid"
	resultError        = "error"
)

// Metrics holds the broker's prometheus collectors.
type Metrics struct {
	finds        *prometheus.CounterVec
	reserves     *prometheus.CounterVec
	releases     *prometheus.CounterVec
	resets       prometheus.Counter
	availableGB  *prometheus.GaugeVec
	reservations *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg skips registration.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		finds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "find_requests_total",
			Help:      "Best-fit GPU searches by result.",
		}, []string{"result"}),
		reserves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reserve_requests_total",
			Help:      "Reservation commits by result.",
		}, []string{"result"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "release_requests_total",
			Help:      "Reservation releases by result.",
		}, []string{"result"}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Completed cluster resets.",
		}),
		availableGB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gpu_available_gb",
			Help:      "Available GPU memory after processes, reservations and buffers, as of the last snapshot.",
		}, []string{"node", "gpu"}),
		reservations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gpu_reservations",
			Help:      "Active reservations per GPU as of the last snapshot.",
		}, []string{"node", "gpu"}),
	}
	if reg == nil {
		return m, nil
	}
	for name, c := range map[string]prometheus.Collector{
		"find_requests_total":    m.finds,
		"reserve_requests_total": m.reserves,
		"release_requests_total": m.releases,
		"resets_total":           m.resets,
		"gpu_available_gb":       m.availableGB,
		"gpu_reservations":       m.reservations,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register %s metric: %w", name, err)
		}
	}
	return m, nil
}

func (m *Metrics) observeSnapshot(snap domain.Snapshot, bufferGB decimal.Decimal) {
	m.availableGB.Reset()
	m.reservations.Reset()
	for nodeID, n := range snap {
		for gpuID, g := range n.GPUs {
			m.availableGB.WithLabelValues(nodeID, gpuID).Set(g.Available(bufferGB).InexactFloat64())
			m.reservations.WithLabelValues(nodeID, gpuID).Set(float64(len(g.Reservations)))
		}
	}
}
