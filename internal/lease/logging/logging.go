// Package logging decorates a lease.Store with otel spans and trace/debug logs.
package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/chargeq/internal/lease"
)

type store struct {
	inner   lease.Store
	logger  pslog.Logger
	tracer  trace.Tracer
	backend string
}

// Wrap decorates inner with tracing. backend names the implementation
// (memory, mongodb, sqlserver, sqlite3) in span attributes.
func Wrap(inner lease.Store, logger pslog.Logger, backend string) lease.Store {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{
		inner:   inner,
		logger:  logger,
		tracer:  otel.Tracer("pkt.systems/chargeq/store"),
		backend: backend,
	}
}

// start opens a span for op and returns a finish func that records the
// outcome. Contention errors are expected and do not mark the span failed.
func (s *store) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error, ...any)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "chargeq.store."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("chargeq.store.operation", op),
		attribute.String("chargeq.store.backend", s.backend),
	)
	span.SetAttributes(attrs...)
	logger := s.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	logger.Trace("store."+op+".begin", attrsToKV(attrs)...)
	return ctx, func(err error, kv ...any) {
		defer span.End()
		elapsed := time.Since(begin)
		kv = append(attrsToKV(attrs), kv...)
		kv = append(kv, "elapsed", elapsed)
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
			logger.Trace("store."+op+".success", kv...)
		case errors.Is(err, lease.ErrConflict) || errors.Is(err, lease.ErrTaskLocked):
			span.SetAttributes(attribute.Bool("chargeq.store.contended", true))
			span.SetStatus(codes.Ok, "")
			logger.Trace("store."+op+".contended", append(kv, "error", err)...)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "store_error")
			logger.Debug("store."+op+".error", append(kv, "error", err)...)
		}
	}
}

func attrsToKV(attrs []attribute.KeyValue) []any {
	kv := make([]any, 0, len(attrs)*2)
	for _, a := range attrs {
		kv = append(kv, string(a.Key), a.Value.Emit())
	}
	return kv
}

func leaseAttrs(name string, kind lease.Kind, owner string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("lease", name),
		attribute.String("kind", string(kind)),
		attribute.String("owner", owner),
	}
}

func (s *store) TryCreate(ctx context.Context, name string, kind lease.Kind, owner string) (lease.Acquisition, error) {
	ctx, finish := s.start(ctx, "try_create", leaseAttrs(name, kind, owner)...)
	acq, err := s.inner.TryCreate(ctx, name, kind, owner)
	finish(err, "reentrant", acq.Reentrant, "reclaimed", acq.Reclaimed != nil)
	return acq, err
}

func (s *store) FindActive(ctx context.Context, filter lease.Filter) (*lease.Lease, error) {
	ctx, finish := s.start(ctx, "find_active",
		attribute.String("lease", filter.Name),
		attribute.String("kind", string(filter.Kind)),
		attribute.String("exclude_owner", filter.ExcludeOwner))
	l, err := s.inner.FindActive(ctx, filter)
	holder := ""
	if l != nil {
		holder = l.OwnerID
	}
	finish(err, "found", l != nil, "holder", holder)
	return l, err
}

func (s *store) Renew(ctx context.Context, name string, kind lease.Kind, owner string) (bool, error) {
	ctx, finish := s.start(ctx, "renew", leaseAttrs(name, kind, owner)...)
	ok, err := s.inner.Renew(ctx, name, kind, owner)
	finish(err, "renewed", ok)
	return ok, err
}

func (s *store) DeleteOwned(ctx context.Context, name string, kind lease.Kind, owner string) (bool, error) {
	ctx, finish := s.start(ctx, "delete_owned", leaseAttrs(name, kind, owner)...)
	ok, err := s.inner.DeleteOwned(ctx, name, kind, owner)
	finish(err, "deleted", ok)
	return ok, err
}

func (s *store) DeleteStale(ctx context.Context, olderThan time.Duration) (int, error) {
	ctx, finish := s.start(ctx, "delete_stale", attribute.String("older_than", olderThan.String()))
	n, err := s.inner.DeleteStale(ctx, olderThan)
	finish(err, "deleted", n)
	return n, err
}

func (s *store) CreateTask(ctx context.Context, task lease.TaskLease) error {
	ctx, finish := s.start(ctx, "create_task",
		attribute.String("task", task.TaskName),
		attribute.String("lock_id", task.LockID))
	err := s.inner.CreateTask(ctx, task)
	finish(err)
	return err
}

func (s *store) FindTask(ctx context.Context, name string) (*lease.TaskLease, error) {
	ctx, finish := s.start(ctx, "find_task", attribute.String("task", name))
	t, err := s.inner.FindTask(ctx, name)
	finish(err, "found", t != nil)
	return t, err
}

func (s *store) DeleteTask(ctx context.Context, name, lockID string) (bool, error) {
	ctx, finish := s.start(ctx, "delete_task",
		attribute.String("task", name),
		attribute.String("lock_id", lockID))
	ok, err := s.inner.DeleteTask(ctx, name, lockID)
	finish(err, "deleted", ok)
	return ok, err
}

func (s *store) DeleteTasks(ctx context.Context, filter lease.TaskFilter) (int, error) {
	ctx, finish := s.start(ctx, "delete_tasks", attribute.String("task", filter.TaskName))
	n, err := s.inner.DeleteTasks(ctx, filter)
	finish(err, "deleted", n)
	return n, err
}

func (s *store) List(ctx context.Context) (lease.Snapshot, error) {
	ctx, finish := s.start(ctx, "list")
	snap, err := s.inner.List(ctx)
	finish(err, "leases", len(snap.Leases), "task_leases", len(snap.TaskLeases))
	return snap, err
}

func (s *store) RecordShutdown(ctx context.Context, rec lease.ShutdownRecord) error {
	ctx, finish := s.start(ctx, "record_shutdown", attribute.String("owner", rec.OwnerID))
	err := s.inner.RecordShutdown(ctx, rec)
	finish(err, "reason", rec.Reason)
	return err
}

func (s *store) Ping(ctx context.Context) error {
	ctx, finish := s.start(ctx, "ping")
	err := s.inner.Ping(ctx)
	finish(err)
	return err
}

func (s *store) Close(ctx context.Context) error {
	ctx, finish := s.start(ctx, "close")
	err := s.inner.Close(ctx)
	finish(err)
	return err
}
