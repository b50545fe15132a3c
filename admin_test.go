package chargeq

import (
	"context"
	"reflect"
	"testing"
	"time"

	"pkt.systems/chargeq/internal/clock"
	"pkt.systems/chargeq/internal/lease"
	"pkt.systems/chargeq/internal/lease/memory"
)

func TestReleaseOwnerRemovesOnlyOwnedRecords(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New(lease.Options{Clock: clk})

	if _, err := store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, "crashed"); err != nil {
		t.Fatalf("create master: %v", err)
	}
	if _, err := store.TryCreate(ctx, lease.NameExecution, lease.KindExecution, "crashed"); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	for _, task := range []lease.TaskLease{
		{TaskName: "heartbeat_master", LockID: "l1", OwnerID: "crashed", CreatedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Minute)},
		{TaskName: "lease_janitor", LockID: "l2", OwnerID: "other", CreatedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Minute)},
	} {
		if err := store.CreateTask(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.TaskName, err)
		}
	}

	res, err := ReleaseOwner(ctx, store, "crashed")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !reflect.DeepEqual(res.Leases, []string{lease.NameExecution, lease.NameMaster}) {
		t.Fatalf("unexpected released leases %v", res.Leases)
	}
	if res.TaskLeases != 1 {
		t.Fatalf("expected 1 task lease released, got %d", res.TaskLeases)
	}

	snap, err := ListLeases(ctx, store)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(snap.Leases) != 0 {
		t.Fatalf("expected no leases, got %+v", snap.Leases)
	}
	if len(snap.TaskLeases) != 1 || snap.TaskLeases[0].OwnerID != "other" {
		t.Fatalf("expected foreign task lease kept, got %+v", snap.TaskLeases)
	}

	res, err = ReleaseOwner(ctx, store, "crashed")
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if len(res.Leases) != 0 || res.TaskLeases != 0 {
		t.Fatalf("expected idempotent release, got %+v", res)
	}
}

func TestReleaseOwnerRequiresOwner(t *testing.T) {
	if _, err := ReleaseOwner(context.Background(), memory.New(lease.Options{}), " "); err == nil {
		t.Fatal("expected error for empty owner")
	}
}
