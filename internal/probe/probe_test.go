package probe

import (
	"context"
	"testing"
	"time"

	"pkt.systems/chargeq/internal/clock"
	"pkt.systems/chargeq/internal/lease"
	"pkt.systems/chargeq/internal/lease/memory"
	"pkt.systems/chargeq/internal/tasklock"
	"pkt.systems/chargeq/internal/transport/transporttest"
)

type harness struct {
	clk    *clock.Manual
	store  *memory.Store
	client *transporttest.Client
	prober *Prober
}

func newHarness(t *testing.T, forceReclaim []string) *harness {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	store := memory.New(lease.Options{Clock: clk})
	locker, err := tasklock.New(tasklock.Config{Store: store, OwnerID: "self", Clock: clk, ForceReclaim: forceReclaim})
	if err != nil {
		t.Fatalf("locker: %v", err)
	}
	client := transporttest.NewProvider().Client("self")
	prober, err := New(Config{Transport: client, Locker: locker, Clock: clk})
	if err != nil {
		t.Fatalf("prober: %v", err)
	}
	return &harness{clk: clk, store: store, client: client, prober: prober}
}

func TestCanConnectSuccessClearsState(t *testing.T) {
	h := newHarness(t, nil)
	h.client.FailNext(transporttest.OpProbe, transporttest.Network(transporttest.OpProbe))
	if h.prober.CanConnect(context.Background()) {
		t.Fatalf("expected false on network error")
	}
	if h.prober.Failures() != 1 {
		t.Fatalf("expected 1 failure, got %d", h.prober.Failures())
	}
	if !h.prober.CanConnect(context.Background()) {
		t.Fatalf("expected true on clean probe")
	}
	if h.prober.Failures() != 0 {
		t.Fatalf("expected failures reset, got %d", h.prober.Failures())
	}
	if task, _ := h.store.FindTask(context.Background(), tasklock.TaskTransportTest); task != nil {
		t.Fatalf("transport_test lease leaked: %+v", task)
	}
}

func TestConflictStartsCooldownWithoutIO(t *testing.T) {
	h := newHarness(t, nil)
	h.client.FailNext(transporttest.OpProbe, transporttest.Conflict(transporttest.OpProbe))
	if h.prober.CanConnect(context.Background()) {
		t.Fatalf("expected false on conflict")
	}
	if !h.prober.RecentConflict() {
		t.Fatalf("expected conflict flag")
	}
	calls := h.client.Calls(transporttest.OpProbe)
	h.clk.Advance(DefaultConflictCooldown / 2)
	if h.prober.CanConnect(context.Background()) {
		t.Fatalf("expected false inside cooldown")
	}
	if got := h.client.Calls(transporttest.OpProbe); got != calls {
		t.Fatalf("expected no probe inside cooldown, calls %d -> %d", calls, got)
	}
	h.clk.Advance(DefaultConflictCooldown)
	if !h.prober.CanConnect(context.Background()) {
		t.Fatalf("expected probe after cooldown to succeed")
	}
	if _, flagged := h.prober.LastConflict(); flagged {
		t.Fatalf("expected conflict flag cleared by success")
	}
}

func TestSkipWhenAnotherInstanceProbes(t *testing.T) {
	h := newHarness(t, nil)
	now := h.clk.Now()
	err := h.store.CreateTask(context.Background(), lease.TaskLease{
		TaskName: tasklock.TaskTransportTest, LockID: "other-lock", OwnerID: "other",
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
	if h.prober.CanConnect(context.Background()) {
		t.Fatalf("expected false when skipped")
	}
	if h.prober.Skips() != 1 {
		t.Fatalf("expected 1 skip, got %d", h.prober.Skips())
	}
	if h.client.Calls(transporttest.OpProbe) != 0 {
		t.Fatalf("skipped probe must not touch the transport")
	}
}

func TestEmergencySweepAfterRepeatedSkips(t *testing.T) {
	h := newHarness(t, []string{})
	now := h.clk.Now()
	err := h.store.CreateTask(context.Background(), lease.TaskLease{
		TaskName: tasklock.TaskTransportTest, LockID: "stuck", OwnerID: "crashed",
		CreatedAt: now.Add(-2 * time.Minute), ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
	for i := 0; i <= DefaultSkipThreshold; i++ {
		if h.prober.CanConnect(context.Background()) {
			t.Fatalf("attempt %d: expected skip", i)
		}
	}
	if task, _ := h.store.FindTask(context.Background(), tasklock.TaskTransportTest); task != nil {
		t.Fatalf("expected emergency sweep to remove stuck lease, found %+v", task)
	}
	if h.prober.Skips() != 0 {
		t.Fatalf("expected skip counter reset after sweep, got %d", h.prober.Skips())
	}
	if !h.prober.CanConnect(context.Background()) {
		t.Fatalf("expected probe to succeed after sweep")
	}
}

func TestConflictWithin(t *testing.T) {
	h := newHarness(t, nil)
	if h.prober.ConflictWithin(time.Hour) {
		t.Fatalf("no conflict recorded yet")
	}
	h.prober.NoteConflict()
	h.clk.Advance(2 * time.Minute)
	if h.prober.RecentConflict() {
		t.Fatalf("cooldown elapsed")
	}
	if !h.prober.ConflictWithin(5 * time.Minute) {
		t.Fatalf("expected conflict within 5m")
	}
	h.prober.ClearConflict()
	if h.prober.ConflictWithin(5 * time.Minute) {
		t.Fatalf("expected cleared conflict")
	}
}
