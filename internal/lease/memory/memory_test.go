package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/chargeq/internal/clock"
	"pkt.systems/chargeq/internal/lease"
	"pkt.systems/chargeq/internal/lease/memory"
	"pkt.systems/chargeq/internal/lease/storetest"
)

func TestMemoryStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, opts lease.Options) lease.Store {
		return memory.New(opts)
	})
}

func TestHardTTLDropsAbandonedLease(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(10_000, 0))
	store := memory.New(lease.Options{Clock: clk, LeaseTimeout: 30 * time.Second, HardTTL: 2 * time.Minute})
	ctx := context.Background()
	if _, err := store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, "a"); err != nil {
		t.Fatalf("TryCreate: %v", err)
	}
	clk.Advance(3 * time.Minute)
	snap, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snap.Leases) != 1 {
		t.Fatalf("List must not expire on its own, got %d", len(snap.Leases))
	}
	acq, err := store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, "b")
	if err != nil {
		t.Fatalf("TryCreate after TTL: %v", err)
	}
	if acq.Reclaimed != nil {
		t.Fatalf("TTL-expired lease should vanish rather than be reclaimed, got %+v", acq.Reclaimed)
	}
}

func TestFailureHook(t *testing.T) {
	t.Parallel()

	store := memory.New(lease.Options{})
	outage := errors.New("outage")
	store.SetFailure(func(op string) error {
		if op == "renew" {
			return outage
		}
		return nil
	})
	ctx := context.Background()
	if _, err := store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, "a"); err != nil {
		t.Fatalf("TryCreate: %v", err)
	}
	if _, err := store.Renew(ctx, lease.NameMaster, lease.KindMaster, "a"); !errors.Is(err, outage) {
		t.Fatalf("expected outage, got %v", err)
	}
	store.SetFailure(nil)
	if ok, err := store.Renew(ctx, lease.NameMaster, lease.KindMaster, "a"); err != nil || !ok {
		t.Fatalf("expected renew after clearing hook, got %v %v", ok, err)
	}
}

func TestRecordShutdownKeepsRecords(t *testing.T) {
	t.Parallel()

	store := memory.New(lease.Options{})
	if err := store.RecordShutdown(context.Background(), lease.ShutdownRecord{OwnerID: "a", Reason: "signal"}); err != nil {
		t.Fatalf("RecordShutdown: %v", err)
	}
	recs := store.Shutdowns()
	if len(recs) != 1 || recs[0].OwnerID != "a" || recs[0].At.IsZero() {
		t.Fatalf("unexpected records %+v", recs)
	}
}
