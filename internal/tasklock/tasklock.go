// Package tasklock runs named one-shot operations under short task leases so
// that at most one instance performs a given operation at a time. Contended
// calls are skipped, never queued.
package tasklock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"pkt.systems/pslog"

	"pkt.systems/chargeq/internal/clock"
	"pkt.systems/chargeq/internal/ids"
	"pkt.systems/chargeq/internal/lease"
)

// Task names used by the coordination layer.
const (
	TaskTransportTest      = "transport_test"
	TaskMasterHeartbeat    = "master_heartbeat"
	TaskExecutionHeartbeat = "execution_heartbeat"
	TaskLeaseJanitor       = "lease_janitor"
)

const (
	// DefaultReclaimAge is how old a holder must be before a force reclaim.
	DefaultReclaimAge     = 60 * time.Second
	defaultCleanupTimeout = 5 * time.Second
)

// DefaultForceReclaim lists the tasks whose holders may be forcibly evicted
// once older than the reclaim age. Each of them is idempotent.
var DefaultForceReclaim = []string{
	TaskTransportTest,
	TaskMasterHeartbeat,
	TaskExecutionHeartbeat,
	TaskLeaseJanitor,
}

var (
	// ErrSkipped reports that another holder owns the task lease.
	ErrSkipped = errors.New("tasklock: skipped")
	// ErrInvalidTimeout reports a non-positive timeout.
	ErrInvalidTimeout = errors.New("tasklock: timeout must be positive")
)

// Config configures a Locker.
type Config struct {
	Store          lease.Store
	OwnerID        string
	Clock          clock.Clock
	Logger         pslog.Logger
	ReclaimAge     time.Duration
	ForceReclaim   []string
	CleanupTimeout time.Duration
}

// Locker executes functions under task leases for one instance.
type Locker struct {
	store          lease.Store
	owner          string
	clock          clock.Clock
	logger         pslog.Logger
	reclaimAge     time.Duration
	forceReclaim   []string
	cleanupTimeout time.Duration
}

// New validates cfg and returns a Locker.
func New(cfg Config) (*Locker, error) {
	if cfg.Store == nil {
		return nil, errors.New("tasklock: store required")
	}
	if cfg.OwnerID == "" {
		return nil, errors.New("tasklock: owner id required")
	}
	l := &Locker{
		store:          cfg.Store,
		owner:          cfg.OwnerID,
		clock:          clock.Or(cfg.Clock),
		logger:         cfg.Logger,
		reclaimAge:     cfg.ReclaimAge,
		forceReclaim:   cfg.ForceReclaim,
		cleanupTimeout: cfg.CleanupTimeout,
	}
	if l.logger == nil {
		l.logger = pslog.NoopLogger()
	}
	if l.reclaimAge <= 0 {
		l.reclaimAge = DefaultReclaimAge
	}
	if l.forceReclaim == nil {
		l.forceReclaim = DefaultForceReclaim
	}
	if l.cleanupTimeout <= 0 {
		l.cleanupTimeout = defaultCleanupTimeout
	}
	return l, nil
}

// OwnerID returns the owner recorded on task leases.
func (l *Locker) OwnerID() string {
	return l.owner
}

// RunExclusive runs fn while holding the task lease for task. fn receives
// a context bounded by timeout and must honour it. When another holder owns
// the lease RunExclusive returns an error matching ErrSkipped at once. The
// lease is released on every exit path, including a panic in fn, which is
// re-raised after cleanup.
func (l *Locker) RunExclusive(ctx context.Context, task string, timeout time.Duration, fn func(context.Context) error) error {
	_, err := Do(ctx, l, task, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is RunExclusive for functions that produce a value.
func Do[T any](ctx context.Context, l *Locker, task string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		return zero, ErrInvalidTimeout
	}
	held, err := l.acquire(ctx, task, timeout)
	if err != nil {
		return zero, err
	}
	defer l.release(ctx, held)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(runCtx)
}

func (l *Locker) acquire(ctx context.Context, task string, timeout time.Duration) (lease.TaskLease, error) {
	held, err := l.create(ctx, task, timeout)
	if err == nil {
		return held, nil
	}
	var locked *lease.TaskLockedError
	if !errors.As(err, &locked) {
		return lease.TaskLease{}, fmt.Errorf("tasklock: acquire %s: %w", task, err)
	}
	holder := locked.Holder
	age := l.clock.Now().Sub(holder.CreatedAt)
	if age <= l.reclaimAge || !slices.Contains(l.forceReclaim, task) {
		l.logger.Debug("tasklock.skipped", "task", task, "holder", holder.OwnerID, "holder_age", age)
		return lease.TaskLease{}, fmt.Errorf("%w: %s held by %s", ErrSkipped, task, holder.OwnerID)
	}
	deleted, err := l.store.DeleteTask(ctx, task, holder.LockID)
	if err != nil {
		return lease.TaskLease{}, fmt.Errorf("tasklock: reclaim %s: %w", task, err)
	}
	l.logger.Info("tasklock.force_reclaimed",
		"task", task,
		"holder", holder.OwnerID,
		"lock_id", holder.LockID,
		"created", humanize.Time(holder.CreatedAt),
		"deleted", deleted,
	)
	held, err = l.create(ctx, task, timeout)
	if errors.As(err, &locked) {
		return lease.TaskLease{}, fmt.Errorf("%w: %s reclaimed by %s", ErrSkipped, task, locked.Holder.OwnerID)
	}
	if err != nil {
		return lease.TaskLease{}, fmt.Errorf("tasklock: acquire %s: %w", task, err)
	}
	return held, nil
}

func (l *Locker) create(ctx context.Context, task string, timeout time.Duration) (lease.TaskLease, error) {
	now := l.clock.Now()
	held := lease.TaskLease{
		TaskName:  task,
		LockID:    ids.NewLockID(),
		OwnerID:   l.owner,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
	}
	return held, l.store.CreateTask(ctx, held)
}

func (l *Locker) release(ctx context.Context, held lease.TaskLease) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cleanupTimeout)
	defer cancel()
	deleted, err := l.store.DeleteTask(cleanupCtx, held.TaskName, held.LockID)
	switch {
	case err != nil:
		l.logger.Warn("tasklock.release_failed", "task", held.TaskName, "lock_id", held.LockID, "error", err)
	case !deleted:
		l.logger.Debug("tasklock.release_missing", "task", held.TaskName, "lock_id", held.LockID)
	}
}

// Sweep deletes every expired task lease.
func (l *Locker) Sweep(ctx context.Context) (int, error) {
	return l.store.DeleteTasks(ctx, lease.TaskFilter{ExpiredAt: l.clock.Now()})
}

// EmergencySweep force-deletes task leases for task created more than
// olderThan ago, whoever holds them.
func (l *Locker) EmergencySweep(ctx context.Context, task string, olderThan time.Duration) (int, error) {
	n, err := l.store.DeleteTasks(ctx, lease.TaskFilter{
		TaskName:      task,
		CreatedBefore: l.clock.Now().Add(-olderThan),
	})
	if err != nil {
		return 0, fmt.Errorf("tasklock: emergency sweep %s: %w", task, err)
	}
	if n > 0 {
		l.logger.Warn("tasklock.emergency_sweep", "task", task, "deleted", n, "older_than", olderThan)
	}
	return n, nil
}

// ReleaseOwned deletes every task lease held by this owner.
func (l *Locker) ReleaseOwned(ctx context.Context) (int, error) {
	return l.store.DeleteTasks(ctx, lease.TaskFilter{OwnerID: l.owner})
}
