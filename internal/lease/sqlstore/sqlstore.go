// Package sqlstore implements lease.Store on SQL Server or SQLite through
// database/sql. Timestamps are stored as Unix milliseconds so both dialects
// compare them exactly; the hard TTL that document stores enforce natively
// is applied in queries and by the janitor.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"pkt.systems/chargeq/internal/lease"
)

const (
	defaultTablePrefix = "chargeq_"
	createAttempts     = 3
)

var prefixPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config configures the SQL store.
type Config struct {
	Dialect Dialect
	// DSN is passed to sql.Open. Ignored when DB is set.
	DSN string
	// DB reuses an open handle; Close leaves it open.
	DB          *sql.DB
	TablePrefix string
	Options     lease.Options
}

// Store implements lease.Store backed by a SQL database.
type Store struct {
	db      *sql.DB
	ownsDB  bool
	dialect Dialect
	opts    lease.Options

	leases    string
	tasks     string
	shutdowns string
}

var _ lease.Store = (*Store)(nil)

// Open connects, pings and creates the tables when missing.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if !cfg.Dialect.valid() {
		return nil, fmt.Errorf("sqlstore: unsupported dialect %q", cfg.Dialect)
	}
	prefix := cfg.TablePrefix
	if prefix == "" {
		prefix = defaultTablePrefix
	}
	if !prefixPattern.MatchString(prefix) {
		return nil, fmt.Errorf("sqlstore: invalid table prefix %q", prefix)
	}
	db := cfg.DB
	owns := false
	if db == nil {
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, errors.New("sqlstore: dsn required")
		}
		var err error
		db, err = sql.Open(string(cfg.Dialect), cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: open: %w", err)
		}
		owns = true
		if cfg.Dialect == DialectSQLite {
			// One writer at a time keeps SQLite from returning SQLITE_BUSY
			// under concurrent lease attempts.
			db.SetMaxOpenConns(1)
		}
	}
	s := &Store{
		db:        db,
		ownsDB:    owns,
		dialect:   cfg.Dialect,
		opts:      cfg.Options.WithDefaults(),
		leases:    prefix + "leases",
		tasks:     prefix + "task_leases",
		shutdowns: prefix + "shutdowns",
	}
	if err := s.Ping(ctx); err != nil {
		s.closeOwned()
		return nil, err
	}
	for _, stmt := range cfg.Dialect.schema(prefix) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			s.closeOwned()
			return nil, fmt.Errorf("sqlstore: migrate: %w", classify(err))
		}
	}
	return s, nil
}

func (s *Store) closeOwned() {
	if s.ownsDB {
		_ = s.db.Close()
	}
}

func (s *Store) now() time.Time {
	return s.opts.Clock.Now()
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLease(row scanner) (lease.Lease, error) {
	var (
		l              lease.Lease
		kind           string
		created, heart int64
	)
	if err := row.Scan(&l.Name, &kind, &l.OwnerID, &created, &heart); err != nil {
		return lease.Lease{}, err
	}
	l.Kind = lease.Kind(kind)
	l.CreatedAt = fromMS(created)
	l.LastHeartbeat = fromMS(heart)
	return l, nil
}

func scanTask(row scanner) (lease.TaskLease, error) {
	var (
		t                lease.TaskLease
		created, expires int64
	)
	if err := row.Scan(&t.TaskName, &t.LockID, &t.OwnerID, &created, &expires); err != nil {
		return lease.TaskLease{}, err
	}
	t.CreatedAt = fromMS(created)
	t.ExpiresAt = fromMS(expires)
	return t, nil
}

func (s *Store) leaseColumns() string {
	return "name, kind, owner_id, created_at, last_heartbeat"
}

func (s *Store) taskColumns() string {
	return "task_name, lock_id, owner_id, created_at, expires_at"
}

func (s *Store) loadLease(ctx context.Context, name string) (*lease.Lease, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE name = @name", s.leaseColumns(), s.leases),
		sql.Named("name", name))
	l, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &l, nil
}

// TryCreate implements lease.Store.
func (s *Store) TryCreate(ctx context.Context, name string, kind lease.Kind, owner string) (lease.Acquisition, error) {
	if err := lease.Validate(name, kind, owner); err != nil {
		return lease.Acquisition{}, err
	}
	var (
		acq    lease.Acquisition
		holder lease.Lease
	)
	for attempt := 0; attempt < createAttempts; attempt++ {
		now := s.now()
		// Rows past the hard TTL are dropped first, standing in for native expiry.
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE name = @name AND last_heartbeat < @cutoff", s.leases),
			sql.Named("name", name), sql.Named("cutoff", ms(now.Add(-s.opts.HardTTL)))); err != nil {
			return lease.Acquisition{}, fmt.Errorf("sqlstore: expire lease: %w", classify(err))
		}
		_, err := s.db.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (%s) VALUES (@name, @kind, @owner, @created, @heartbeat)", s.leases, s.leaseColumns()),
			sql.Named("name", name),
			sql.Named("kind", string(kind)),
			sql.Named("owner", owner),
			sql.Named("created", ms(now)),
			sql.Named("heartbeat", ms(now)))
		if err == nil {
			acq.Lease = lease.Lease{Name: name, Kind: kind, OwnerID: owner, CreatedAt: fromMS(ms(now)), LastHeartbeat: fromMS(ms(now))}
			return acq, nil
		}
		if !isUniqueViolation(err) {
			return lease.Acquisition{}, fmt.Errorf("sqlstore: insert lease: %w", classify(err))
		}
		existing, err := s.loadLease(ctx, name)
		if err != nil {
			return lease.Acquisition{}, fmt.Errorf("sqlstore: load lease: %w", err)
		}
		if existing == nil {
			continue
		}
		holder = *existing
		if holder.OwnerID == owner && holder.Kind == kind {
			ok, err := s.Renew(ctx, name, kind, owner)
			if err != nil {
				return lease.Acquisition{}, err
			}
			if ok {
				holder.LastHeartbeat = fromMS(ms(now))
				return lease.Acquisition{Lease: holder, Reentrant: true}, nil
			}
			continue
		}
		if !holder.Stale(now, s.opts.LeaseTimeout) {
			return lease.Acquisition{}, &lease.ConflictError{Holder: holder}
		}
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE name = @name AND owner_id = @owner AND last_heartbeat = @heartbeat", s.leases),
			sql.Named("name", name),
			sql.Named("owner", holder.OwnerID),
			sql.Named("heartbeat", ms(holder.LastHeartbeat)))
		if err != nil {
			return lease.Acquisition{}, fmt.Errorf("sqlstore: reclaim lease: %w", classify(err))
		}
		if n, _ := res.RowsAffected(); n == 1 {
			reclaimed := holder
			acq.Reclaimed = &reclaimed
		}
	}
	return lease.Acquisition{}, &lease.ConflictError{Holder: holder}
}

// FindActive implements lease.Store.
func (s *Store) FindActive(ctx context.Context, filter lease.Filter) (*lease.Lease, error) {
	where := []string{"last_heartbeat >= @cutoff"}
	args := []any{sql.Named("cutoff", ms(s.now().Add(-s.opts.LeaseTimeout)))}
	if filter.Name != "" {
		where = append(where, "name = @name")
		args = append(args, sql.Named("name", filter.Name))
	}
	if filter.Kind != "" {
		where = append(where, "kind = @kind")
		args = append(args, sql.Named("kind", string(filter.Kind)))
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = @owner")
		args = append(args, sql.Named("owner", filter.OwnerID))
	}
	if filter.ExcludeOwner != "" {
		where = append(where, "owner_id <> @exclude")
		args = append(args, sql.Named("exclude", filter.ExcludeOwner))
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY name", s.leaseColumns(), s.leases, strings.Join(where, " AND ")),
		args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: find active: %w", classify(err))
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("sqlstore: find active: %w", classify(err))
		}
		return nil, nil
	}
	l, err := scanLease(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: scan lease: %w", classify(err))
	}
	return &l, nil
}

// Renew implements lease.Store.
func (s *Store) Renew(ctx context.Context, name string, kind lease.Kind, owner string) (bool, error) {
	if err := lease.Validate(name, kind, owner); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET last_heartbeat = @heartbeat WHERE name = @name AND kind = @kind AND owner_id = @owner", s.leases),
		sql.Named("heartbeat", ms(s.now())),
		sql.Named("name", name),
		sql.Named("kind", string(kind)),
		sql.Named("owner", owner))
	if err != nil {
		return false, fmt.Errorf("sqlstore: renew: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: renew: %w", err)
	}
	return n == 1, nil
}

// DeleteOwned implements lease.Store.
func (s *Store) DeleteOwned(ctx context.Context, name string, kind lease.Kind, owner string) (bool, error) {
	if err := lease.Validate(name, kind, owner); err != nil {
		return false, err
	}
	n, err := s.exec(ctx, "delete owned",
		fmt.Sprintf("DELETE FROM %s WHERE name = @name AND kind = @kind AND owner_id = @owner", s.leases),
		sql.Named("name", name), sql.Named("kind", string(kind)), sql.Named("owner", owner))
	return n == 1, err
}

// DeleteStale implements lease.Store.
func (s *Store) DeleteStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: olderThan must be positive", lease.ErrInvalid)
	}
	n, err := s.exec(ctx, "delete stale",
		fmt.Sprintf("DELETE FROM %s WHERE last_heartbeat < @cutoff", s.leases),
		sql.Named("cutoff", ms(s.now().Add(-olderThan))))
	return int(n), err
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: %s: %w", op, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: %s: %w", op, err)
	}
	return n, nil
}

// CreateTask implements lease.Store.
func (s *Store) CreateTask(ctx context.Context, task lease.TaskLease) error {
	if err := lease.ValidateTask(task); err != nil {
		return err
	}
	for attempt := 0; attempt < createAttempts; attempt++ {
		if _, err := s.exec(ctx, "drop expired task",
			fmt.Sprintf("DELETE FROM %s WHERE task_name = @task AND expires_at <= @now", s.tasks),
			sql.Named("task", task.TaskName), sql.Named("now", ms(s.now()))); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (%s) VALUES (@task, @lock, @owner, @created, @expires)", s.tasks, s.taskColumns()),
			sql.Named("task", task.TaskName),
			sql.Named("lock", task.LockID),
			sql.Named("owner", task.OwnerID),
			sql.Named("created", ms(task.CreatedAt)),
			sql.Named("expires", ms(task.ExpiresAt)))
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("sqlstore: insert task: %w", classify(err))
		}
		row := s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT %s FROM %s WHERE task_name = @task", s.taskColumns(), s.tasks),
			sql.Named("task", task.TaskName))
		holder, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("sqlstore: load task: %w", classify(err))
		}
		if holder.Expired(s.now()) {
			continue
		}
		return &lease.TaskLockedError{Holder: holder}
	}
	return lease.NewTransientError(fmt.Errorf("sqlstore: task %s churned during create", task.TaskName))
}

// FindTask implements lease.Store.
func (s *Store) FindTask(ctx context.Context, name string) (*lease.TaskLease, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE task_name = @task AND expires_at > @now", s.taskColumns(), s.tasks),
		sql.Named("task", name), sql.Named("now", ms(s.now())))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: find task: %w", classify(err))
	}
	return &t, nil
}

// DeleteTask implements lease.Store.
func (s *Store) DeleteTask(ctx context.Context, name, lockID string) (bool, error) {
	n, err := s.exec(ctx, "delete task",
		fmt.Sprintf("DELETE FROM %s WHERE task_name = @task AND lock_id = @lock", s.tasks),
		sql.Named("task", name), sql.Named("lock", lockID))
	return n == 1, err
}

// DeleteTasks implements lease.Store.
func (s *Store) DeleteTasks(ctx context.Context, filter lease.TaskFilter) (int, error) {
	if filter.Empty() {
		return 0, fmt.Errorf("%w: empty task filter", lease.ErrInvalid)
	}
	var (
		where []string
		args  []any
	)
	if filter.TaskName != "" {
		where = append(where, "task_name = @task")
		args = append(args, sql.Named("task", filter.TaskName))
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = @owner")
		args = append(args, sql.Named("owner", filter.OwnerID))
	}
	if !filter.CreatedBefore.IsZero() {
		where = append(where, "created_at < @before")
		args = append(args, sql.Named("before", ms(filter.CreatedBefore)))
	}
	if !filter.ExpiredAt.IsZero() {
		where = append(where, "expires_at <= @expired")
		args = append(args, sql.Named("expired", ms(filter.ExpiredAt)))
	}
	n, err := s.exec(ctx, "delete tasks",
		fmt.Sprintf("DELETE FROM %s WHERE %s", s.tasks, strings.Join(where, " AND ")), args...)
	return int(n), err
}

// List implements lease.Store.
func (s *Store) List(ctx context.Context) (lease.Snapshot, error) {
	var snap lease.Snapshot
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY name", s.leaseColumns(), s.leases))
	if err != nil {
		return snap, fmt.Errorf("sqlstore: list leases: %w", classify(err))
	}
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			rows.Close()
			return snap, fmt.Errorf("sqlstore: scan lease: %w", err)
		}
		snap.Leases = append(snap.Leases, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("sqlstore: list leases: %w", classify(err))
	}
	rows, err = s.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY task_name", s.taskColumns(), s.tasks))
	if err != nil {
		return snap, fmt.Errorf("sqlstore: list tasks: %w", classify(err))
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return snap, fmt.Errorf("sqlstore: scan task: %w", err)
		}
		snap.TaskLeases = append(snap.TaskLeases, t)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("sqlstore: list tasks: %w", classify(err))
	}
	return snap, nil
}

// RecordShutdown implements lease.Store. Records older than
// lease.ShutdownRetention are pruned on the way.
func (s *Store) RecordShutdown(ctx context.Context, rec lease.ShutdownRecord) error {
	now := s.now()
	if rec.At.IsZero() {
		rec.At = now
	}
	if _, err := s.exec(ctx, "prune shutdowns",
		fmt.Sprintf("DELETE FROM %s WHERE at < @cutoff", s.shutdowns),
		sql.Named("cutoff", ms(now.Add(-lease.ShutdownRetention)))); err != nil {
		return err
	}
	_, err := s.exec(ctx, "record shutdown",
		fmt.Sprintf("INSERT INTO %s (owner_id, host, pid, reason, was_leader, at) VALUES (@owner, @host, @pid, @reason, @leader, @at)", s.shutdowns),
		sql.Named("owner", rec.OwnerID),
		sql.Named("host", rec.Host),
		sql.Named("pid", rec.PID),
		sql.Named("reason", rec.Reason),
		sql.Named("leader", rec.WasLeader),
		sql.Named("at", ms(rec.At)))
	return err
}

// Ping implements lease.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlstore: ping: %w", classify(err))
	}
	return nil
}

// Close closes the database handle when the store opened it.
func (s *Store) Close(context.Context) error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// DropTables removes the store's tables. Tests use it for cleanup.
func (s *Store) DropTables(ctx context.Context) error {
	var errs []error
	for _, table := range []string{s.leases, s.tasks, s.shutdowns} {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE "+table); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
