package chargeq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"pkt.systems/chargeq/internal/lease"
)

// ListLeases returns every lease and task lease in the store, stale ones
// included, sorted by name.
func ListLeases(ctx context.Context, store lease.Store) (lease.Snapshot, error) {
	snap, err := store.List(ctx)
	if err != nil {
		return lease.Snapshot{}, fmt.Errorf("list leases: %w", err)
	}
	sort.Slice(snap.Leases, func(i, j int) bool {
		return snap.Leases[i].Name < snap.Leases[j].Name
	})
	sort.Slice(snap.TaskLeases, func(i, j int) bool {
		return snap.TaskLeases[i].TaskName < snap.TaskLeases[j].TaskName
	})
	return snap, nil
}

// ReleaseResult reports what ReleaseOwner removed.
type ReleaseResult struct {
	Leases     []string
	TaskLeases int
}

// ReleaseOwner deletes the role leases and task leases held by owner. It
// is meant for cleaning up after a crashed instance; a live owner will
// simply re-acquire.
func ReleaseOwner(ctx context.Context, store lease.Store, owner string) (ReleaseResult, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return ReleaseResult{}, errors.New("release: owner id required")
	}
	var res ReleaseResult
	var errs []error
	for _, role := range []struct {
		name string
		kind lease.Kind
	}{
		{lease.NameExecution, lease.KindExecution},
		{lease.NameMaster, lease.KindMaster},
	} {
		deleted, err := store.DeleteOwned(ctx, role.name, role.kind, owner)
		if err != nil {
			errs = append(errs, fmt.Errorf("release %s lease: %w", role.name, err))
			continue
		}
		if deleted {
			res.Leases = append(res.Leases, role.name)
		}
	}
	n, err := store.DeleteTasks(ctx, lease.TaskFilter{OwnerID: owner})
	if err != nil {
		errs = append(errs, fmt.Errorf("release task leases: %w", err))
	}
	res.TaskLeases = n
	return res, errors.Join(errs...)
}
