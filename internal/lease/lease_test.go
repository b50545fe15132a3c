package lease_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"pkt.systems/chargeq/internal/lease"
)

func TestLeaseStale(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_000, 0)
	l := lease.Lease{LastHeartbeat: now.Add(-30 * time.Second)}
	if l.Stale(now, time.Minute) {
		t.Fatal("30s old heartbeat should not be stale with a 60s timeout")
	}
	if !l.Stale(now, 20*time.Second) {
		t.Fatal("30s old heartbeat should be stale with a 20s timeout")
	}
	if got := l.Age(now); got != 30*time.Second {
		t.Fatalf("unexpected age %v", got)
	}
}

func TestConflictErrorsMatchSentinels(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("acquire: %w", &lease.ConflictError{Holder: lease.Lease{Name: "master", OwnerID: "b"}})
	if !errors.Is(err, lease.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	var conflict *lease.ConflictError
	if !errors.As(err, &conflict) || conflict.Holder.OwnerID != "b" {
		t.Fatalf("expected holder b, got %+v", conflict)
	}
	taskErr := &lease.TaskLockedError{Holder: lease.TaskLease{TaskName: "x"}}
	if !errors.Is(taskErr, lease.ErrTaskLocked) || errors.Is(taskErr, lease.ErrConflict) {
		t.Fatalf("task locked error matched the wrong sentinel")
	}
}

func TestTransientMarker(t *testing.T) {
	t.Parallel()

	base := errors.New("socket reset")
	wrapped := fmt.Errorf("renew: %w", lease.NewTransientError(base))
	if !lease.IsTransient(wrapped) {
		t.Fatal("expected wrapped transient error to be detected")
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("transient marker must keep the cause reachable")
	}
	if lease.IsTransient(base) {
		t.Fatal("plain error reported as transient")
	}
	if lease.NewTransientError(nil) != nil {
		t.Fatal("nil error should stay nil")
	}
}

func TestTaskFilterMatches(t *testing.T) {
	t.Parallel()

	now := time.Unix(5_000, 0)
	task := lease.TaskLease{
		TaskName:  "transport_test",
		OwnerID:   "a",
		CreatedAt: now.Add(-2 * time.Minute),
		ExpiresAt: now.Add(-time.Minute),
	}
	cases := []struct {
		name   string
		filter lease.TaskFilter
		want   bool
	}{
		{"by name", lease.TaskFilter{TaskName: "transport_test"}, true},
		{"other name", lease.TaskFilter{TaskName: "lease_janitor"}, false},
		{"created before", lease.TaskFilter{CreatedBefore: now.Add(-time.Minute)}, true},
		{"created too late", lease.TaskFilter{CreatedBefore: now.Add(-3 * time.Minute)}, false},
		{"expired", lease.TaskFilter{ExpiredAt: now}, true},
		{"not yet expired", lease.TaskFilter{ExpiredAt: now.Add(-90 * time.Second)}, false},
		{"owner", lease.TaskFilter{OwnerID: "b"}, false},
	}
	for _, tc := range cases {
		if got := tc.filter.Matches(task); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
	if !(lease.TaskFilter{}).Empty() {
		t.Fatal("zero filter should be empty")
	}
}

func TestValidateTask(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	ok := lease.TaskLease{TaskName: "t", LockID: "l", OwnerID: "o", CreatedAt: now, ExpiresAt: now.Add(time.Second)}
	if err := lease.ValidateTask(ok); err != nil {
		t.Fatalf("valid task rejected: %v", err)
	}
	bad := ok
	bad.ExpiresAt = now
	if err := lease.ValidateTask(bad); !errors.Is(err, lease.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if err := lease.Validate("master", lease.Kind("other"), "o"); !errors.Is(err, lease.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for unknown kind, got %v", err)
	}
}
