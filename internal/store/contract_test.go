package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/worldland-broker/internal/domain"
)

var errGuardRejected = domain.Invalidf("guard rejected")

func res(node, gpu, user string, mem int64) domain.Reservation {
	return domain.Reservation{NodeID: node, GPUID: gpu, User: user, MemoryGB: decimal.NewFromInt(mem)}
}

// runContract exercises behaviour every ReservationStore must share.
func runContract(t *testing.T, newStore func(t *testing.T) domain.ReservationStore) {
	t.Run("AppendAssignsIdentity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		r, err := s.Append(ctx, res("node1", "0", "alice", 5), nil)

		require.NoError(t, err)
		assert.NotEmpty(t, r.ID)
		assert.False(t, r.CreatedAt.IsZero())
		assert.True(t, r.Active)
		assert.Nil(t, r.ReleasedAt)
	})

	t.Run("ReadAllPreservesCommitOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, err := s.Append(ctx, res("node1", "0", "alice", 5), nil)
		require.NoError(t, err)
		second, err := s.Append(ctx, res("node2", "0", "bob", 2), nil)
		require.NoError(t, err)
		third, err := s.Append(ctx, res("node1", "0", "carol", 1), nil)
		require.NoError(t, err)

		all, err := s.ReadAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{first.ID, second.ID, third.ID}, []string{all[0].ID, all[1].ID, all[2].ID})
		assert.True(t, all[0].MemoryGB.Equal(decimal.NewFromInt(5)))
	})

	t.Run("GuardSeesOnlySameGPU", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Append(ctx, res("node1", "0", "alice", 5), nil)
		require.NoError(t, err)
		_, err = s.Append(ctx, res("node1", "1", "bob", 3), nil)
		require.NoError(t, err)

		var seen []domain.Reservation
		_, err = s.Append(ctx, res("node1", "0", "carol", 1), func(existing []domain.Reservation) error {
			seen = existing
			return nil
		})
		require.NoError(t, err)
		require.Len(t, seen, 1)
		assert.Equal(t, "alice", seen[0].User)
	})

	t.Run("GuardErrorAbortsWrite", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Append(ctx, res("node1", "0", "alice", 5), func([]domain.Reservation) error {
			return errGuardRejected
		})

		assert.ErrorIs(t, err, errGuardRejected)
		all, err := s.ReadAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("ReleaseRemovesFirstMatchAndArchives", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a1, err := s.Append(ctx, res("node1", "0", "alice", 5), nil)
		require.NoError(t, err)
		a2, err := s.Append(ctx, res("node1", "0", "alice", 5), nil)
		require.NoError(t, err)

		freed, err := s.Release(ctx, "node1", "0", func(r domain.Reservation) bool {
			return r.Matches("alice", decimal.NewFromInt(5))
		})
		require.NoError(t, err)
		assert.Equal(t, a1.ID, freed.ID)
		assert.False(t, freed.Active)
		require.NotNil(t, freed.ReleasedAt)

		all, err := s.ReadAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, a2.ID, all[0].ID)

		hist, err := s.History(ctx, "node1", "0")
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, a1.ID, hist[0].ID)
		assert.False(t, hist[0].Active)
	})

	t.Run("ReleaseWithoutMatchIsNotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Append(ctx, res("node1", "0", "alice", 5), nil)
		require.NoError(t, err)

		_, err = s.Release(ctx, "node1", "0", func(r domain.Reservation) bool {
			return r.Matches("alice", decimal.NewFromInt(4))
		})

		var nf *domain.NotFoundError
		require.True(t, errors.As(err, &nf))
		assert.Equal(t, domain.ReservationKind, nf.Kind)
		all, err := s.ReadAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("ClearDropsActiveKeepsHistory", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Append(ctx, res("node1", "0", "alice", 5), nil)
		require.NoError(t, err)
		_, err = s.Append(ctx, res("node1", "0", "bob", 2), nil)
		require.NoError(t, err)
		_, err = s.Release(ctx, "node1", "0", func(r domain.Reservation) bool { return r.User == "bob" })
		require.NoError(t, err)

		require.NoError(t, s.Clear(ctx))
		require.NoError(t, s.Clear(ctx))

		all, err := s.ReadAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
		hist, err := s.History(ctx, "node1", "0")
		require.NoError(t, err)
		assert.Len(t, hist, 1)
	})

	t.Run("ConcurrentGuardedAppendsNeverExceedLimit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const limit = 3

		var wg sync.WaitGroup
		var mu sync.Mutex
		successes := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Append(ctx, res("node1", "0", "racer", 1), func(existing []domain.Reservation) error {
					if len(existing) >= limit {
						return errGuardRejected
					}
					return nil
				})
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, limit, successes)
		all, err := s.ReadAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, limit)
	})
}
