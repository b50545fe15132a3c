// Package memory implements lease.Store in process memory. Instances sharing
// one *Store behave like instances sharing a database, which is how the
// coordination tests simulate several processes.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/chargeq/internal/lease"
)

// Store implements lease.Store in-memory; intended for tests and single-host runs.
type Store struct {
	opts lease.Options

	mu        sync.Mutex
	leases    map[string]lease.Lease
	tasks     map[string]lease.TaskLease
	shutdowns []lease.ShutdownRecord
	fail      func(op string) error
}

var _ lease.Store = (*Store)(nil)

// New returns an empty store.
func New(opts lease.Options) *Store {
	return &Store{
		opts:   opts.WithDefaults(),
		leases: make(map[string]lease.Lease),
		tasks:  make(map[string]lease.TaskLease),
	}
}

func (s *Store) now() time.Time {
	return s.opts.Clock.Now()
}

func (s *Store) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		if err := fail(op); err != nil {
			return err
		}
	}
	return nil
}

// SetFailure installs fn to be consulted before every operation; a non-nil
// result is returned instead of running it. Nil clears the hook.
func (s *Store) SetFailure(fn func(op string) error) {
	s.mu.Lock()
	s.fail = fn
	s.mu.Unlock()
}

// expireLocked drops records the backing database would have expired on its own.
func (s *Store) expireLocked(now time.Time) {
	for name, l := range s.leases {
		if now.Sub(l.LastHeartbeat) > s.opts.HardTTL {
			delete(s.leases, name)
		}
	}
	for name, t := range s.tasks {
		if t.Expired(now) {
			delete(s.tasks, name)
		}
	}
}

// TryCreate implements lease.Store.
func (s *Store) TryCreate(ctx context.Context, name string, kind lease.Kind, owner string) (lease.Acquisition, error) {
	if err := lease.Validate(name, kind, owner); err != nil {
		return lease.Acquisition{}, err
	}
	if err := s.check(ctx, "try_create"); err != nil {
		return lease.Acquisition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.expireLocked(now)
	var acq lease.Acquisition
	if existing, ok := s.leases[name]; ok {
		switch {
		case existing.OwnerID == owner && existing.Kind == kind:
			existing.LastHeartbeat = now
			s.leases[name] = existing
			return lease.Acquisition{Lease: existing, Reentrant: true}, nil
		case !existing.Stale(now, s.opts.LeaseTimeout):
			return lease.Acquisition{}, &lease.ConflictError{Holder: existing}
		default:
			reclaimed := existing
			acq.Reclaimed = &reclaimed
			delete(s.leases, name)
		}
	}
	created := lease.Lease{
		Name:          name,
		Kind:          kind,
		OwnerID:       owner,
		CreatedAt:     now,
		LastHeartbeat: now,
	}
	s.leases[name] = created
	acq.Lease = created
	return acq, nil
}

// FindActive implements lease.Store.
func (s *Store) FindActive(ctx context.Context, filter lease.Filter) (*lease.Lease, error) {
	if err := s.check(ctx, "find_active"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.expireLocked(now)
	for _, name := range sortedKeys(s.leases) {
		l := s.leases[name]
		if l.Stale(now, s.opts.LeaseTimeout) || !filter.Matches(l) {
			continue
		}
		return &l, nil
	}
	return nil, nil
}

// Renew implements lease.Store.
func (s *Store) Renew(ctx context.Context, name string, kind lease.Kind, owner string) (bool, error) {
	if err := lease.Validate(name, kind, owner); err != nil {
		return false, err
	}
	if err := s.check(ctx, "renew"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.expireLocked(now)
	l, ok := s.leases[name]
	if !ok || l.OwnerID != owner || l.Kind != kind {
		return false, nil
	}
	l.LastHeartbeat = now
	s.leases[name] = l
	return true, nil
}

// DeleteOwned implements lease.Store.
func (s *Store) DeleteOwned(ctx context.Context, name string, kind lease.Kind, owner string) (bool, error) {
	if err := lease.Validate(name, kind, owner); err != nil {
		return false, err
	}
	if err := s.check(ctx, "delete_owned"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[name]
	if !ok || l.OwnerID != owner || l.Kind != kind {
		return false, nil
	}
	delete(s.leases, name)
	return true, nil
}

// DeleteStale implements lease.Store.
func (s *Store) DeleteStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: olderThan must be positive", lease.ErrInvalid)
	}
	if err := s.check(ctx, "delete_stale"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for name, l := range s.leases {
		if l.Stale(now, olderThan) {
			delete(s.leases, name)
			n++
		}
	}
	return n, nil
}

// CreateTask implements lease.Store.
func (s *Store) CreateTask(ctx context.Context, task lease.TaskLease) error {
	if err := lease.ValidateTask(task); err != nil {
		return err
	}
	if err := s.check(ctx, "create_task"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(s.now())
	if existing, ok := s.tasks[task.TaskName]; ok {
		return &lease.TaskLockedError{Holder: existing}
	}
	s.tasks[task.TaskName] = task
	return nil
}

// FindTask implements lease.Store.
func (s *Store) FindTask(ctx context.Context, name string) (*lease.TaskLease, error) {
	if err := s.check(ctx, "find_task"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(s.now())
	t, ok := s.tasks[name]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// DeleteTask implements lease.Store.
func (s *Store) DeleteTask(ctx context.Context, name, lockID string) (bool, error) {
	if err := s.check(ctx, "delete_task"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok || t.LockID != lockID {
		return false, nil
	}
	delete(s.tasks, name)
	return true, nil
}

// DeleteTasks implements lease.Store.
func (s *Store) DeleteTasks(ctx context.Context, filter lease.TaskFilter) (int, error) {
	if filter.Empty() {
		return 0, fmt.Errorf("%w: empty task filter", lease.ErrInvalid)
	}
	if err := s.check(ctx, "delete_tasks"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for name, t := range s.tasks {
		if filter.Matches(t) {
			delete(s.tasks, name)
			n++
		}
	}
	return n, nil
}

// List implements lease.Store.
func (s *Store) List(ctx context.Context) (lease.Snapshot, error) {
	if err := s.check(ctx, "list"); err != nil {
		return lease.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap lease.Snapshot
	for _, name := range sortedKeys(s.leases) {
		snap.Leases = append(snap.Leases, s.leases[name])
	}
	for _, name := range sortedKeys(s.tasks) {
		snap.TaskLeases = append(snap.TaskLeases, s.tasks[name])
	}
	return snap, nil
}

// RecordShutdown implements lease.Store.
func (s *Store) RecordShutdown(ctx context.Context, rec lease.ShutdownRecord) error {
	if err := s.check(ctx, "record_shutdown"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.At.IsZero() {
		rec.At = s.now()
	}
	cutoff := s.now().Add(-lease.ShutdownRetention)
	kept := s.shutdowns[:0]
	for _, r := range s.shutdowns {
		if r.At.After(cutoff) {
			kept = append(kept, r)
		}
	}
	s.shutdowns = append(kept, rec)
	return nil
}

// Shutdowns returns the recorded shutdown records.
func (s *Store) Shutdowns() []lease.ShutdownRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]lease.ShutdownRecord(nil), s.shutdowns...)
}

// Ping implements lease.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.check(ctx, "ping")
}

// Close is a no-op; other holders of the same Store keep using it.
func (s *Store) Close(context.Context) error {
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
