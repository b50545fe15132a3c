// Package storetest holds the behaviour every lease.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pkt.systems/chargeq/internal/clock"
	"pkt.systems/chargeq/internal/lease"
)

// Factory returns a fresh, empty store using opts and registers its own cleanup.
type Factory func(t *testing.T, opts lease.Options) lease.Store

const (
	leaseTimeout = 30 * time.Second
	hardTTL      = 5 * time.Minute
)

type harness struct {
	store lease.Store
	clock *clock.Manual
}

// Run executes the conformance suite against factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(t *testing.T, h harness)
	}{
		{"TryCreateIsReentrant", testTryCreateReentrant},
		{"TryCreateConflictsWithOtherOwner", testTryCreateConflict},
		{"TryCreateReclaimsStaleLease", testTryCreateReclaimsStale},
		{"FindActiveFilters", testFindActiveFilters},
		{"RenewRequiresOwnership", testRenewOwnership},
		{"DeleteOwnedRequiresOwnership", testDeleteOwned},
		{"DeleteStale", testDeleteStale},
		{"ConcurrentTryCreateHasOneWinner", testConcurrentTryCreate},
		{"TaskLeaseLifecycle", testTaskLifecycle},
		{"TaskLeaseExpiredIsReplaced", testTaskExpiredReplaced},
		{"DeleteTasksByFilter", testDeleteTasks},
		{"ConcurrentCreateTaskHasOneWinner", testConcurrentCreateTask},
		{"ListAndShutdownRecords", testListAndShutdown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clk := clock.NewManual(time.Now().UTC().Truncate(time.Millisecond))
			store := factory(t, lease.Options{Clock: clk, LeaseTimeout: leaseTimeout, HardTTL: hardTTL})
			tc.fn(t, harness{store: store, clock: clk})
		})
	}
}

func testTryCreateReentrant(t *testing.T, h harness) {
	ctx := context.Background()
	first, err := h.store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, "a")
	require.NoError(t, err)
	require.False(t, first.Reentrant)
	require.Nil(t, first.Reclaimed)
	require.Equal(t, "a", first.Lease.OwnerID)
	require.True(t, first.Lease.CreatedAt.Equal(h.clock.Now()))

	h.clock.Advance(5 * time.Second)
	again, err := h.store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, "a")
	require.NoError(t, err)
	require.True(t, again.Reentrant)
	require.Equal(t, "a", again.Lease.OwnerID)

	snap, err := h.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Leases, 1)
}

func testTryCreateConflict(t *testing.T, h harness) {
	ctx := context.Background()
	_, err := h.store.TryCreate(ctx, lease.NameExecution, lease.KindExecution, "a")
	require.NoError(t, err)

	_, err = h.store.TryCreate(ctx, lease.NameExecution, lease.KindExecution, "b")
	require.ErrorIs(t, err, lease.ErrConflict)
	var conflict *lease.ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, "a", conflict.Holder.OwnerID)
	require.Equal(t, lease.KindExecution, conflict.Holder.Kind)
}

func testTryCreateReclaimsStale(t *testing.T, h harness) {
	ctx := context.Background()
	_, err := h.store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, "a")
	require.NoError(t, err)

	h.clock.Advance(leaseTimeout + time.Second)
	acq, err := h.store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, "b")
	require.NoError(t, err)
	require.Equal(t, "b", acq.Lease.OwnerID)
	require.NotNil(t, acq.Reclaimed)
	require.Equal(t, "a", acq.Reclaimed.OwnerID)

	ok, err := h.store.Renew(ctx, lease.NameMaster, lease.KindMaster, "a")
	require.NoError(t, err)
	require.False(t, ok, "previous owner must not renew a reclaimed lease")
}

func testFindActiveFilters(t *testing.T, h harness) {
	ctx := context.Background()
	_, err := h.store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, "a")
	require.NoError(t, err)
	_, err = h.store.TryCreate(ctx, lease.NameExecution, lease.KindExecution, "b")
	require.NoError(t, err)

	got, err := h.store.FindActive(ctx, lease.Filter{Kind: lease.KindExecution})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "b", got.OwnerID)

	got, err = h.store.FindActive(ctx, lease.Filter{Kind: lease.KindExecution, ExcludeOwner: "b"})
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = h.store.FindActive(ctx, lease.Filter{Name: lease.NameMaster, OwnerID: "a"})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, lease.KindMaster, got.Kind)

	h.clock.Advance(leaseTimeout + time.Second)
	got, err = h.store.FindActive(ctx, lease.Filter{Kind: lease.KindExecution})
	require.NoError(t, err)
	require.Nil(t, got, "stale leases are not active")
}

func testRenewOwnership(t *testing.T, h harness) {
	ctx := context.Background()
	_, err := h.store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, "a")
	require.NoError(t, err)

	h.clock.Advance(leaseTimeout - time.Second)
	ok, err := h.store.Renew(ctx, lease.NameMaster, lease.KindMaster, "a")
	require.NoError(t, err)
	require.True(t, ok)

	h.clock.Advance(leaseTimeout - time.Second)
	got, err := h.store.FindActive(ctx, lease.Filter{Name: lease.NameMaster})
	require.NoError(t, err)
	require.NotNil(t, got, "renewal must push staleness out")
	require.True(t, got.LastHeartbeat.After(got.CreatedAt))

	ok, err = h.store.Renew(ctx, lease.NameMaster, lease.KindMaster, "b")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = h.store.Renew(ctx, lease.NameExecution, lease.KindExecution, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func testDeleteOwned(t *testing.T, h harness) {
	ctx := context.Background()
	_, err := h.store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, "a")
	require.NoError(t, err)

	ok, err := h.store.DeleteOwned(ctx, lease.NameMaster, lease.KindMaster, "b")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = h.store.DeleteOwned(ctx, lease.NameMaster, lease.KindMaster, "a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.store.DeleteOwned(ctx, lease.NameMaster, lease.KindMaster, "a")
	require.NoError(t, err)
	require.False(t, ok)

	acq, err := h.store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, "b")
	require.NoError(t, err)
	require.Nil(t, acq.Reclaimed)
}

func testDeleteStale(t *testing.T, h harness) {
	ctx := context.Background()
	_, err := h.store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, "a")
	require.NoError(t, err)
	h.clock.Advance(20 * time.Second)
	_, err = h.store.TryCreate(ctx, lease.NameExecution, lease.KindExecution, "a")
	require.NoError(t, err)
	h.clock.Advance(15 * time.Second)

	n, err := h.store.DeleteStale(ctx, 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	snap, err := h.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Leases, 1)
	require.Equal(t, lease.NameExecution, snap.Leases[0].Name)
}

func testConcurrentTryCreate(t *testing.T, h harness) {
	ctx := context.Background()
	const contenders = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		errs    []error
	)
	for i := 0; i < contenders; i++ {
		owner := fmt.Sprintf("owner-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.store.TryCreate(ctx, lease.NameExecution, lease.KindExecution, owner)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, owner)
				return
			}
			if !errors.Is(err, lease.ErrConflict) {
				errs = append(errs, err)
			}
		}()
	}
	wg.Wait()
	require.Empty(t, errs)
	require.Len(t, winners, 1)

	got, err := h.store.FindActive(ctx, lease.Filter{Kind: lease.KindExecution})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, winners[0], got.OwnerID)
}

func newTask(clk clock.Clock, name, lockID, owner string, ttl time.Duration) lease.TaskLease {
	now := clk.Now()
	return lease.TaskLease{TaskName: name, LockID: lockID, OwnerID: owner, CreatedAt: now, ExpiresAt: now.Add(ttl)}
}

func testTaskLifecycle(t *testing.T, h harness) {
	ctx := context.Background()
	task := newTask(h.clock, "transport_test", "lock-1", "a", 10*time.Second)
	require.NoError(t, h.store.CreateTask(ctx, task))

	err := h.store.CreateTask(ctx, newTask(h.clock, "transport_test", "lock-2", "b", 10*time.Second))
	require.ErrorIs(t, err, lease.ErrTaskLocked)
	var locked *lease.TaskLockedError
	require.True(t, errors.As(err, &locked))
	require.Equal(t, "lock-1", locked.Holder.LockID)
	require.Equal(t, "a", locked.Holder.OwnerID)

	found, err := h.store.FindTask(ctx, "transport_test")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, "lock-1", found.LockID)

	ok, err := h.store.DeleteTask(ctx, "transport_test", "lock-2")
	require.NoError(t, err)
	require.False(t, ok, "wrong lock id must not delete")

	ok, err = h.store.DeleteTask(ctx, "transport_test", "lock-1")
	require.NoError(t, err)
	require.True(t, ok)

	found, err = h.store.FindTask(ctx, "transport_test")
	require.NoError(t, err)
	require.Nil(t, found)
}

func testTaskExpiredReplaced(t *testing.T, h harness) {
	ctx := context.Background()
	require.NoError(t, h.store.CreateTask(ctx, newTask(h.clock, "lease_janitor", "lock-1", "a", 5*time.Second)))
	h.clock.Advance(6 * time.Second)

	found, err := h.store.FindTask(ctx, "lease_janitor")
	require.NoError(t, err)
	require.Nil(t, found, "expired task leases are not reported")

	require.NoError(t, h.store.CreateTask(ctx, newTask(h.clock, "lease_janitor", "lock-2", "b", 5*time.Second)))
	found, err = h.store.FindTask(ctx, "lease_janitor")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, "lock-2", found.LockID)
}

func testDeleteTasks(t *testing.T, h harness) {
	ctx := context.Background()
	require.NoError(t, h.store.CreateTask(ctx, newTask(h.clock, "old", "l1", "a", time.Hour)))
	h.clock.Advance(2 * time.Minute)
	require.NoError(t, h.store.CreateTask(ctx, newTask(h.clock, "new", "l2", "a", time.Hour)))
	require.NoError(t, h.store.CreateTask(ctx, newTask(h.clock, "other", "l3", "b", time.Hour)))

	_, err := h.store.DeleteTasks(ctx, lease.TaskFilter{})
	require.ErrorIs(t, err, lease.ErrInvalid)

	n, err := h.store.DeleteTasks(ctx, lease.TaskFilter{CreatedBefore: h.clock.Now().Add(-time.Minute)})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = h.store.DeleteTasks(ctx, lease.TaskFilter{OwnerID: "a"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	snap, err := h.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, snap.TaskLeases, 1)
	require.Equal(t, "other", snap.TaskLeases[0].TaskName)
}

func testConcurrentCreateTask(t *testing.T, h harness) {
	ctx := context.Background()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	for i := 0; i < 2; i++ {
		task := newTask(h.clock, "transport_test", fmt.Sprintf("lock-%d", i), fmt.Sprintf("owner-%d", i), 10*time.Second)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.store.CreateTask(ctx, task)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case !errors.Is(err, lease.ErrTaskLocked):
				errs = append(errs, err)
			}
		}()
	}
	wg.Wait()
	require.Empty(t, errs)
	require.Equal(t, 1, wins)
}

func testListAndShutdown(t *testing.T, h harness) {
	ctx := context.Background()
	require.NoError(t, h.store.Ping(ctx))
	_, err := h.store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, "a")
	require.NoError(t, err)
	require.NoError(t, h.store.CreateTask(ctx, newTask(h.clock, "master_heartbeat", "l1", "a", time.Minute)))
	require.NoError(t, h.store.RecordShutdown(ctx, lease.ShutdownRecord{
		OwnerID: "a",
		Host:    "host",
		PID:     42,
		Reason:  "signal",
		At:      h.clock.Now(),
	}))

	snap, err := h.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Leases, 1)
	require.Len(t, snap.TaskLeases, 1)
	require.Equal(t, "a", snap.Leases[0].OwnerID)
	require.Equal(t, "master_heartbeat", snap.TaskLeases[0].TaskName)
}
