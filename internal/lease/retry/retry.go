// Package retry wraps a lease.Store so transient backend errors are retried
// in place before they reach the coordinator.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/chargeq/internal/backoff"
	"pkt.systems/chargeq/internal/clock"
	"pkt.systems/chargeq/internal/lease"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a store that retries transient errors according to cfg.
func Wrap(inner lease.Store, logger pslog.Logger, clk clock.Clock, cfg Config) lease.Store {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{
		inner:  inner,
		logger: logger,
		clock:  clock.Or(clk),
		cfg:    cfg,
		policy: backoff.Policy{Base: cfg.BaseDelay, Max: cfg.MaxDelay, Multiplier: cfg.Multiplier},
	}
}

type store struct {
	inner  lease.Store
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
	policy backoff.Policy
}

func do[T any](ctx context.Context, s *store, op string, fn func(context.Context) (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		result, err = fn(ctx)
		if err == nil || !lease.IsTransient(err) || attempt == s.cfg.MaxAttempts {
			return result, err
		}
		s.logger.Warn("store.transient_error",
			"operation", op,
			"attempt", attempt,
			"max_attempts", s.cfg.MaxAttempts,
			"error", err,
		)
		if !clock.SleepContext(ctx, s.clock, s.policy.Delay(attempt-1)) {
			return result, ctx.Err()
		}
	}
	return result, err
}

func (s *store) TryCreate(ctx context.Context, name string, kind lease.Kind, owner string) (lease.Acquisition, error) {
	return do(ctx, s, "try_create", func(ctx context.Context) (lease.Acquisition, error) {
		return s.inner.TryCreate(ctx, name, kind, owner)
	})
}

func (s *store) FindActive(ctx context.Context, filter lease.Filter) (*lease.Lease, error) {
	return do(ctx, s, "find_active", func(ctx context.Context) (*lease.Lease, error) {
		return s.inner.FindActive(ctx, filter)
	})
}

func (s *store) Renew(ctx context.Context, name string, kind lease.Kind, owner string) (bool, error) {
	return do(ctx, s, "renew", func(ctx context.Context) (bool, error) {
		return s.inner.Renew(ctx, name, kind, owner)
	})
}

func (s *store) DeleteOwned(ctx context.Context, name string, kind lease.Kind, owner string) (bool, error) {
	return do(ctx, s, "delete_owned", func(ctx context.Context) (bool, error) {
		return s.inner.DeleteOwned(ctx, name, kind, owner)
	})
}

func (s *store) DeleteStale(ctx context.Context, olderThan time.Duration) (int, error) {
	return do(ctx, s, "delete_stale", func(ctx context.Context) (int, error) {
		return s.inner.DeleteStale(ctx, olderThan)
	})
}

func (s *store) CreateTask(ctx context.Context, task lease.TaskLease) error {
	_, err := do(ctx, s, "create_task", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.inner.CreateTask(ctx, task)
	})
	return err
}

func (s *store) FindTask(ctx context.Context, name string) (*lease.TaskLease, error) {
	return do(ctx, s, "find_task", func(ctx context.Context) (*lease.TaskLease, error) {
		return s.inner.FindTask(ctx, name)
	})
}

func (s *store) DeleteTask(ctx context.Context, name, lockID string) (bool, error) {
	return do(ctx, s, "delete_task", func(ctx context.Context) (bool, error) {
		return s.inner.DeleteTask(ctx, name, lockID)
	})
}

func (s *store) DeleteTasks(ctx context.Context, filter lease.TaskFilter) (int, error) {
	return do(ctx, s, "delete_tasks", func(ctx context.Context) (int, error) {
		return s.inner.DeleteTasks(ctx, filter)
	})
}

func (s *store) List(ctx context.Context) (lease.Snapshot, error) {
	return do(ctx, s, "list", func(ctx context.Context) (lease.Snapshot, error) {
		return s.inner.List(ctx)
	})
}

func (s *store) RecordShutdown(ctx context.Context, rec lease.ShutdownRecord) error {
	_, err := do(ctx, s, "record_shutdown", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.inner.RecordShutdown(ctx, rec)
	})
	return err
}

func (s *store) Ping(ctx context.Context) error {
	_, err := do(ctx, s, "ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.inner.Ping(ctx)
	})
	return err
}

func (s *store) Close(ctx context.Context) error {
	return s.inner.Close(ctx)
}
