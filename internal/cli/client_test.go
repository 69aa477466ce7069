package cli

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/worldland-broker/internal/api"
	"github.com/worldland/worldland-broker/internal/broker"
	"github.com/worldland/worldland-broker/internal/cluster"
	"github.com/worldland/worldland-broker/internal/domain"
	"github.com/worldland/worldland-broker/internal/log"
	"github.com/worldland/worldland-broker/internal/store"
	"github.com/worldland/worldland-broker/internal/topology"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func gb(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// newTestBroker serves the full API over the default topology.
func newTestBroker(t *testing.T) *BrokerClient {
	t.Helper()
	s := store.NewMemory()
	reg := topology.NewRegistry(log.Discard(), topology.DefaultNodes())
	m, err := broker.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	b, err := broker.New(broker.DefaultConfig(), cluster.NewBuilder(reg, s, log.Discard()), s, reg, m, log.Discard())
	require.NoError(t, err)

	r := api.NewEngine()
	api.Mount(r, api.NewBrokerHandler(b, log.Discard()), api.NewTelemetryHandler(reg, log.Discard()))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return NewBrokerClient(srv.URL+"/", srv.Client())
}

func TestBrokerClient_ReservationLifecycle(t *testing.T) {
	c := newTestBroker(t)
	ctx := context.Background()

	view, err := c.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, view.Nodes, 2)
	assert.True(t, view.BufferGB.Equal(gb(1)))

	cand, err := c.Find(ctx, broker.FindRequest{User: "alice", MemoryGB: gb(5)})
	require.NoError(t, err)
	assert.Equal(t, "node1", cand.NodeID)
	assert.Equal(t, "0", cand.GPUID)
	assert.True(t, cand.AvailableGB.Equal(gb(14)), cand.AvailableGB.String())

	reserved, err := c.Reserve(ctx, broker.ReserveRequest{NodeID: cand.NodeID, GPUID: cand.GPUID, User: "alice", MemoryGB: gb(5)})
	require.NoError(t, err)
	assert.NotEmpty(t, reserved.ReservationID)
	assert.True(t, reserved.MemoryGB.Equal(gb(5)))

	freed, err := c.Finish(ctx, broker.FinishRequest{NodeID: "node1", GPUID: "0", ReservationID: reserved.ReservationID})
	require.NoError(t, err)
	assert.Equal(t, reserved.ReservationID, freed.Reservation.ID)
	assert.False(t, freed.Reservation.Active)

	hist, err := c.History(ctx, "node1", "0")
	require.NoError(t, err)
	require.Len(t, hist.Reservations, 1)
	assert.NotNil(t, hist.Reservations[0].ReleasedAt)

	require.NoError(t, c.Reset(ctx))
}

func TestBrokerClient_MapsErrorCodes(t *testing.T) {
	c := newTestBroker(t)
	ctx := context.Background()

	_, err := c.Reserve(ctx, broker.ReserveRequest{NodeID: "nodeX", GPUID: "0", User: "bob", MemoryGB: gb(1)})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "NODE_NOT_FOUND", apiErr.Code)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = c.Reserve(ctx, broker.ReserveRequest{NodeID: "node2", GPUID: "0", User: "bob", MemoryGB: gb(20)})
	assert.True(t, errors.Is(err, domain.ErrInsufficientMemory))

	_, err = c.Find(ctx, broker.FindRequest{User: "bob", MemoryGB: gb(100)})
	assert.True(t, errors.Is(err, domain.ErrNoCapacity))

	_, err = c.Find(ctx, broker.FindRequest{User: "", MemoryGB: gb(1)})
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))
}

func TestBrokerClient_PushStatusRegistersNode(t *testing.T) {
	c := newTestBroker(t)
	ctx := context.Background()

	err := c.PushStatus(ctx, domain.NodeStatus{
		NodeID:    "node3",
		Timestamp: time.Now().UTC(),
		GPUs: map[string]domain.GPUStatus{
			"0": {MaxMemoryGB: gb(24), UsageGB: gb(0)},
		},
	})
	require.NoError(t, err)

	view, err := c.Nodes(ctx)
	require.NoError(t, err)
	assert.Len(t, view.Nodes, 3)

	err = c.PushStatus(ctx, domain.NodeStatus{Timestamp: time.Now().UTC()})
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))
}

func TestBrokerClient_NonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewBrokerClient(srv.URL, nil).Reset(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "bad gateway", apiErr.Message)
	assert.Nil(t, apiErr.Unwrap())
}
