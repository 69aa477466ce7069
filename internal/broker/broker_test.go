package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/worldland-broker/internal/cluster"
	"github.com/worldland/worldland-broker/internal/domain"
	"github.com/worldland/worldland-broker/internal/log"
	"github.com/worldland/worldland-broker/internal/store"
	"github.com/worldland/worldland-broker/internal/topology"
)

func gb(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type fixture struct {
	broker   *Broker
	store    *store.Memory
	registry *topology.Registry
	metrics  *Metrics
}

func newFixture(t *testing.T, cfg Config, nodes domain.Snapshot) *fixture {
	t.Helper()
	s := store.NewMemory()
	reg := topology.NewRegistry(log.Discard(), nodes)
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	b, err := New(cfg, cluster.NewBuilder(reg, s, log.Discard()), s, reg, m, log.Discard())
	require.NoError(t, err)
	return &fixture{broker: b, store: s, registry: reg, metrics: m}
}

// gpus builds a snapshot of empty GPUs from "node/gpu" -> max GB.
func gpus(t *testing.T, layout map[string]map[string]float64) domain.Snapshot {
	t.Helper()
	snap := make(domain.Snapshot)
	for nodeID, devices := range layout {
		node, err := domain.NewNode(nodeID, decimal.Zero, decimal.Zero, time.Now())
		require.NoError(t, err)
		for gpuID, maxGB := range devices {
			g, err := domain.NewGPU(gpuID, gb(maxGB), decimal.Zero)
			require.NoError(t, err)
			node.GPUs[gpuID] = g
		}
		snap[nodeID] = node
	}
	return snap
}

func TestFindBestGPU_PrefersMostAvailableAcrossCluster(t *testing.T) {
	f := newFixture(t, DefaultConfig(), topology.DefaultNodes())

	c, err := f.broker.FindBestGPU(context.Background(), FindRequest{User: "alice", MemoryGB: gb(2), SessionType: "job"})

	require.NoError(t, err)
	assert.Equal(t, "node1", c.NodeID)
	assert.Equal(t, "0", c.GPUID)
	assert.True(t, c.AvailableGB.Equal(gb(14)), "got %s", c.AvailableGB)
	assert.Equal(t, SessionJob, c.SessionType)
	assert.Equal(t, "alice", c.User)
}

func TestFindBestGPU_TieGoesToLowestNodeThenGPU(t *testing.T) {
	f := newFixture(t, DefaultConfig(), gpus(t, map[string]map[string]float64{
		"nodeB": {"0": 24},
		"nodeA": {"1": 24, "0": 24},
	}))

	for i := 0; i < 20; i++ {
		c, err := f.broker.FindBestGPU(context.Background(), FindRequest{User: "alice", MemoryGB: gb(4)})
		require.NoError(t, err)
		assert.Equal(t, "nodeA", c.NodeID)
		assert.Equal(t, "0", c.GPUID)
	}
}

func TestFindBestGPU_ChargesBufferForProspectiveReservation(t *testing.T) {
	f := newFixture(t, DefaultConfig(), gpus(t, map[string]map[string]float64{"node1": {"0": 16}}))
	ctx := context.Background()

	_, err := f.broker.FindBestGPU(ctx, FindRequest{User: "alice", MemoryGB: gb(15.5)})
	assert.ErrorIs(t, err, domain.ErrNoCapacity)

	c, err := f.broker.FindBestGPU(ctx, FindRequest{User: "alice", MemoryGB: gb(15)})
	require.NoError(t, err)
	assert.True(t, c.AvailableGB.Equal(gb(16)))
}

func TestReserveThenFind_BufferCountsAgainstLaterRequests(t *testing.T) {
	f := newFixture(t, DefaultConfig(), gpus(t, map[string]map[string]float64{"node1": {"0": 16}}))
	ctx := context.Background()

	r, err := f.broker.Reserve(ctx, ReserveRequest{NodeID: "node1", GPUID: "0", User: "alice", MemoryGB: gb(5)})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ReservationID)
	assert.True(t, r.MemoryGB.Equal(gb(5)))

	_, err = f.broker.FindBestGPU(ctx, FindRequest{User: "bob", MemoryGB: gb(11)})
	var nc *domain.NoCapacityError
	require.True(t, errors.As(err, &nc))
	assert.True(t, nc.RequiredGB.Equal(gb(11)))
	assert.Equal(t, 1, nc.Candidates)

	c, err := f.broker.FindBestGPU(ctx, FindRequest{User: "bob", MemoryGB: gb(9)})
	require.NoError(t, err)
	assert.True(t, c.AvailableGB.Equal(gb(10)))
}

func TestReserve_UnknownNodeLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, DefaultConfig(), topology.DefaultNodes())

	_, err := f.broker.Reserve(context.Background(), ReserveRequest{NodeID: "nodeX", GPUID: "0", User: "alice", MemoryGB: gb(1)})

	var nf *domain.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, domain.NodeKind, nf.Kind)
	assert.Equal(t, "nodeX", nf.NodeID)
	all, err := f.store.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestReserve_UnknownGPU(t *testing.T) {
	f := newFixture(t, DefaultConfig(), topology.DefaultNodes())

	_, err := f.broker.Reserve(context.Background(), ReserveRequest{NodeID: "node2", GPUID: "1", User: "alice", MemoryGB: gb(1)})

	var nf *domain.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, domain.GPUKind, nf.Kind)
	assert.Equal(t, "1", nf.GPUID)
}

func TestReserve_NeverOversellsSequentially(t *testing.T) {
	cfg := DefaultConfig()
	f := newFixture(t, cfg, gpus(t, map[string]map[string]float64{"node1": {"0": 16}}))
	ctx := context.Background()

	successes := 0
	for i := 0; i < 10; i++ {
		_, err := f.broker.Reserve(ctx, ReserveRequest{NodeID: "node1", GPUID: "0", User: "alice", MemoryGB: gb(3)})
		if err != nil {
			assert.ErrorIs(t, err, domain.ErrInsufficientMemory)
			continue
		}
		successes++

		snap, err := f.broker.Snapshot(ctx)
		require.NoError(t, err)
		g := snap["node1"].GPUs["0"]
		used := g.TotalUsage().Add(cfg.BufferGB.Mul(decimal.NewFromInt(int64(len(g.Reservations)))))
		assert.True(t, used.LessThanOrEqual(g.MaxMemoryGB), "used %s of %s", used, g.MaxMemoryGB)
	}
	assert.Equal(t, 4, successes)
}

func TestReserve_ConcurrentRaceHasExactlyOneWinner(t *testing.T) {
	f := newFixture(t, DefaultConfig(), gpus(t, map[string]map[string]float64{"node1": {"0": 16}}))
	ctx := context.Background()

	const racers = 16
	var wg sync.WaitGroup
	errs := make([]error, racers)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.broker.Reserve(ctx, ReserveRequest{NodeID: "node1", GPUID: "0", User: "racer", MemoryGB: gb(8)})
		}(i)
	}
	close(start)
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInsufficientMemory)
	}
	assert.Equal(t, 1, won)
	all, err := f.store.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.reserves.WithLabelValues(resultReserved)))
	assert.Equal(t, float64(racers-1), testutil.ToFloat64(f.metrics.reserves.WithLabelValues(resultInsufficient)))
}

func TestReserve_CountsProcessesTowardUsage(t *testing.T) {
	f := newFixture(t, DefaultConfig(), topology.DefaultNodes())

	// node2/0: 8 GB max, 1 GB process, so 7 GB available and 6 GB is the largest request.
	_, err := f.broker.Reserve(context.Background(), ReserveRequest{NodeID: "node2", GPUID: "0", User: "alice", MemoryGB: gb(6.5)})
	var im *domain.InsufficientMemoryError
	require.True(t, errors.As(err, &im))
	assert.True(t, im.AvailableGB.Equal(gb(7)))
	assert.True(t, im.RequiredGB.Equal(gb(7.5)))

	_, err = f.broker.Reserve(context.Background(), ReserveRequest{NodeID: "node2", GPUID: "0", User: "alice", MemoryGB: gb(6)})
	assert.NoError(t, err)
}

func TestReserve_RoundTripVisibleInSnapshot(t *testing.T) {
	f := newFixture(t, DefaultConfig(), topology.DefaultNodes())
	ctx := context.Background()

	r, err := f.broker.Reserve(ctx, ReserveRequest{NodeID: "node1", GPUID: "1", User: "alice", MemoryGB: gb(2.5)})
	require.NoError(t, err)

	snap, err := f.broker.Snapshot(ctx)
	require.NoError(t, err)
	g := snap["node1"].GPUs["1"]
	require.Len(t, g.Reservations, 1)
	assert.Equal(t, r.ReservationID, g.Reservations[0].ID)
	assert.Equal(t, "alice", g.Reservations[0].User)
	assert.True(t, g.Reservations[0].MemoryGB.Equal(gb(2.5)))
	assert.Empty(t, snap["node1"].GPUs["0"].Reservations)
	// 16 - 4 (process) - 2.5 - 1
	assert.Equal(t, 8.5, testutil.ToFloat64(f.metrics.availableGB.WithLabelValues("node1", "1")))
}

func TestSingleTenant_ExcludesReservedGPUs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SingleTenant = true
	f := newFixture(t, cfg, gpus(t, map[string]map[string]float64{"node1": {"0": 80, "1": 16}}))
	ctx := context.Background()

	_, err := f.broker.Reserve(ctx, ReserveRequest{NodeID: "node1", GPUID: "0", User: "alice", MemoryGB: gb(1)})
	require.NoError(t, err)

	c, err := f.broker.FindBestGPU(ctx, FindRequest{User: "bob", MemoryGB: gb(1)})
	require.NoError(t, err)
	assert.Equal(t, "1", c.GPUID)

	_, err = f.broker.Reserve(ctx, ReserveRequest{NodeID: "node1", GPUID: "0", User: "bob", MemoryGB: gb(1)})
	var im *domain.InsufficientMemoryError
	require.True(t, errors.As(err, &im))
	assert.NotEmpty(t, im.Reason)
}

func TestFinish_ByValueReleasesOldestMatch(t *testing.T) {
	f := newFixture(t, DefaultConfig(), topology.DefaultNodes())
	ctx := context.Background()

	first, err := f.broker.Reserve(ctx, ReserveRequest{NodeID: "node1", GPUID: "0", User: "alice", MemoryGB: gb(2)})
	require.NoError(t, err)
	second, err := f.broker.Reserve(ctx, ReserveRequest{NodeID: "node1", GPUID: "0", User: "alice", MemoryGB: gb(2)})
	require.NoError(t, err)

	freed, err := f.broker.Finish(ctx, FinishRequest{NodeID: "node1", GPUID: "0", User: "alice", MemoryGB: gb(2)})
	require.NoError(t, err)
	assert.Equal(t, first.ReservationID, freed.Reservation.ID)
	assert.False(t, freed.Reservation.Active)

	snap, err := f.broker.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap["node1"].GPUs["0"].Reservations, 1)
	assert.Equal(t, second.ReservationID, snap["node1"].GPUs["0"].Reservations[0].ID)

	hist, err := f.broker.History(ctx, "node1", "0")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, first.ReservationID, hist[0].ID)
}

func TestFinish_ByReservationID(t *testing.T) {
	f := newFixture(t, DefaultConfig(), topology.DefaultNodes())
	ctx := context.Background()

	_, err := f.broker.Reserve(ctx, ReserveRequest{NodeID: "node1", GPUID: "0", User: "alice", MemoryGB: gb(2)})
	require.NoError(t, err)
	second, err := f.broker.Reserve(ctx, ReserveRequest{NodeID: "node1", GPUID: "0", User: "alice", MemoryGB: gb(2)})
	require.NoError(t, err)

	freed, err := f.broker.Finish(ctx, FinishRequest{NodeID: "node1", GPUID: "0", ReservationID: second.ReservationID})
	require.NoError(t, err)
	assert.Equal(t, second.ReservationID, freed.Reservation.ID)
}

func TestFinish_NoMatchIsNotFound(t *testing.T) {
	f := newFixture(t, DefaultConfig(), topology.DefaultNodes())
	ctx := context.Background()

	_, err := f.broker.Reserve(ctx, ReserveRequest{NodeID: "node1", GPUID: "0", User: "alice", MemoryGB: gb(2)})
	require.NoError(t, err)

	_, err = f.broker.Finish(ctx, FinishRequest{NodeID: "node1", GPUID: "0", User: "alice", MemoryGB: gb(3)})
	var nf *domain.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, domain.ReservationKind, nf.Kind)

	_, err = f.broker.Finish(ctx, FinishRequest{NodeID: "node1", GPUID: "0", ReservationID: "missing"})
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "missing", nf.ReservationID)

	_, err = f.broker.Finish(ctx, FinishRequest{NodeID: "nodeX", GPUID: "0", User: "alice", MemoryGB: gb(2)})
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, domain.NodeKind, nf.Kind)
}

func TestReset_IsIdempotent(t *testing.T) {
	f := newFixture(t, DefaultConfig(), topology.DefaultNodes())
	ctx := context.Background()

	_, err := f.broker.Reserve(ctx, ReserveRequest{NodeID: "node1", GPUID: "0", User: "alice", MemoryGB: gb(2)})
	require.NoError(t, err)

	require.NoError(t, f.broker.Reset(ctx))
	once, err := f.broker.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, f.broker.Reset(ctx))
	twice, err := f.broker.Snapshot(ctx)
	require.NoError(t, err)

	for _, snap := range []domain.Snapshot{once, twice} {
		for _, n := range snap {
			for _, g := range n.GPUs {
				assert.Empty(t, g.Reservations)
				assert.Empty(t, g.Processes)
				assert.True(t, g.Available(DefaultBufferGB).Equal(g.MaxMemoryGB))
			}
		}
	}
	assert.Equal(t, once.NodeIDs(), twice.NodeIDs())
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.resets))
}

func TestStoreUnavailable_FailsClosed(t *testing.T) {
	f := newFixture(t, DefaultConfig(), topology.DefaultNodes())
	require.NoError(t, f.store.Close())
	ctx := context.Background()

	_, err := f.broker.FindBestGPU(ctx, FindRequest{User: "alice", MemoryGB: gb(1)})
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	_, err = f.broker.Reserve(ctx, ReserveRequest{NodeID: "node1", GPUID: "0", User: "alice", MemoryGB: gb(1)})
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	assert.ErrorIs(t, f.broker.Reset(ctx), domain.ErrStoreUnavailable)
	// processes survive a failed reset
	assert.Len(t, f.registry.Nodes()["node1"].GPUs["0"].Processes, 1)
}

func TestRequests_RejectMalformedInput(t *testing.T) {
	f := newFixture(t, DefaultConfig(), topology.DefaultNodes())
	ctx := context.Background()

	_, err := f.broker.FindBestGPU(ctx, FindRequest{User: "alice", MemoryGB: gb(1), SessionType: "batch"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.broker.FindBestGPU(ctx, FindRequest{User: "", MemoryGB: gb(1)})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.broker.Reserve(ctx, ReserveRequest{NodeID: "node1", GPUID: "0", User: "alice", MemoryGB: gb(-1)})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.broker.Finish(ctx, FinishRequest{NodeID: "node1", GPUID: "0"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestNew_RejectsNegativeBuffer(t *testing.T) {
	_, err := New(Config{BufferGB: gb(-1)}, nil, nil, nil, nil, log.Discard())

	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestParseSessionType(t *testing.T) {
	st, err := ParseSessionType("")
	require.NoError(t, err)
	assert.Equal(t, SessionInteractive, st)

	st, err = ParseSessionType("Job")
	require.NoError(t, err)
	assert.Equal(t, SessionJob, st)
}
