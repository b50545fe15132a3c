// Package lease defines the lease records shared by all instances and the
// Store contract the coordination layer runs against.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes the two role leases.
type Kind string

const (
	// KindMaster guards the first acquisition tier.
	KindMaster Kind = "master"
	// KindExecution guards the right to run the update consumer.
	KindExecution Kind = "execution"
)

// Well-known lease names.
const (
	NameMaster    = "master"
	NameExecution = "execution"
)

// Valid reports whether k is a known lease kind.
func (k Kind) Valid() bool {
	return k == KindMaster || k == KindExecution
}

// Lease is a heartbeat-renewed exclusive claim on a role.
type Lease struct {
	Name          string    `json:"name" bson:"name"`
	Kind          Kind      `json:"kind" bson:"kind"`
	OwnerID       string    `json:"owner_id" bson:"ownerId"`
	CreatedAt     time.Time `json:"created_at" bson:"createdAt"`
	LastHeartbeat time.Time `json:"last_heartbeat" bson:"lastHeartbeat"`
}

// Stale reports whether the heartbeat is older than timeout at now.
func (l Lease) Stale(now time.Time, timeout time.Duration) bool {
	return now.Sub(l.LastHeartbeat) > timeout
}

// Age returns how long ago the heartbeat was recorded.
func (l Lease) Age(now time.Time) time.Duration {
	return now.Sub(l.LastHeartbeat)
}

// TaskLease guards a single named one-shot operation until ExpiresAt.
type TaskLease struct {
	TaskName  string    `json:"task_name" bson:"taskName"`
	LockID    string    `json:"lock_id" bson:"lockId"`
	OwnerID   string    `json:"owner_id" bson:"ownerId"`
	CreatedAt time.Time `json:"created_at" bson:"createdAt"`
	ExpiresAt time.Time `json:"expires_at" bson:"expiresAt"`
}

// Expired reports whether the task lease has run past its absolute expiry.
func (t TaskLease) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// ShutdownRecord is persisted when an instance stands down.
type ShutdownRecord struct {
	OwnerID   string    `json:"owner_id" bson:"ownerId"`
	Host      string    `json:"host" bson:"host"`
	PID       int       `json:"pid" bson:"pid"`
	Reason    string    `json:"reason" bson:"reason"`
	WasLeader bool      `json:"was_leader" bson:"wasLeader"`
	At        time.Time `json:"at" bson:"at"`
}

// Acquisition is the result of a successful TryCreate.
type Acquisition struct {
	Lease Lease
	// Reentrant is set when the caller already owned the lease.
	Reentrant bool
	// Reclaimed holds the stale lease removed to make room, if any.
	Reclaimed *Lease
}

// Filter selects leases for FindActive. Empty fields match anything.
type Filter struct {
	Name         string
	Kind         Kind
	OwnerID      string
	ExcludeOwner string
}

// Matches reports whether l satisfies the filter, ignoring staleness.
func (f Filter) Matches(l Lease) bool {
	if f.Name != "" && l.Name != f.Name {
		return false
	}
	if f.Kind != "" && l.Kind != f.Kind {
		return false
	}
	if f.OwnerID != "" && l.OwnerID != f.OwnerID {
		return false
	}
	if f.ExcludeOwner != "" && l.OwnerID == f.ExcludeOwner {
		return false
	}
	return true
}

// TaskFilter selects task leases for bulk deletion. At least one field must
// be set; empty fields match anything.
type TaskFilter struct {
	TaskName      string
	OwnerID       string
	CreatedBefore time.Time
	ExpiredAt     time.Time
}

// Empty reports whether no criteria are set.
func (f TaskFilter) Empty() bool {
	return f.TaskName == "" && f.OwnerID == "" && f.CreatedBefore.IsZero() && f.ExpiredAt.IsZero()
}

// Matches reports whether t satisfies the filter.
func (f TaskFilter) Matches(t TaskLease) bool {
	if f.TaskName != "" && t.TaskName != f.TaskName {
		return false
	}
	if f.OwnerID != "" && t.OwnerID != f.OwnerID {
		return false
	}
	if !f.CreatedBefore.IsZero() && !t.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.ExpiredAt.IsZero() && t.ExpiresAt.After(f.ExpiredAt) {
		return false
	}
	return true
}

// Snapshot is a point-in-time listing of the store contents.
type Snapshot struct {
	Leases     []Lease
	TaskLeases []TaskLease
}

// Store persists leases and task leases. Every mutation filters on
// ownership so concurrent instances never overwrite each other.
type Store interface {
	// TryCreate atomically creates the named lease for owner. It succeeds
	// re-entrantly when owner already holds it and reclaims a stale lease.
	// It returns a *ConflictError when another owner holds a live lease.
	TryCreate(ctx context.Context, name string, kind Kind, owner string) (Acquisition, error)
	// FindActive returns the first non-stale lease matching filter, or nil.
	FindActive(ctx context.Context, filter Filter) (*Lease, error)
	// Renew refreshes LastHeartbeat. False means owner no longer holds it.
	Renew(ctx context.Context, name string, kind Kind, owner string) (bool, error)
	// DeleteOwned removes the lease if owner holds it.
	DeleteOwned(ctx context.Context, name string, kind Kind, owner string) (bool, error)
	// DeleteStale removes leases whose heartbeat is older than olderThan.
	DeleteStale(ctx context.Context, olderThan time.Duration) (int, error)

	// CreateTask inserts a task lease, replacing an expired one for the same
	// task. It returns a *TaskLockedError when an unexpired lease exists.
	CreateTask(ctx context.Context, task TaskLease) error
	// FindTask returns the unexpired task lease for name, or nil.
	FindTask(ctx context.Context, name string) (*TaskLease, error)
	// DeleteTask removes the task lease for name with the given lock id.
	DeleteTask(ctx context.Context, name, lockID string) (bool, error)
	// DeleteTasks removes every task lease matching filter.
	DeleteTasks(ctx context.Context, filter TaskFilter) (int, error)

	// List returns all leases and task leases, stale ones included.
	List(ctx context.Context) (Snapshot, error)
	// RecordShutdown persists a shutdown record.
	RecordShutdown(ctx context.Context, rec ShutdownRecord) error
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close(ctx context.Context) error
}

var (
	// ErrConflict matches *ConflictError.
	ErrConflict = errors.New("lease: held by another owner")
	// ErrTaskLocked matches *TaskLockedError.
	ErrTaskLocked = errors.New("lease: task locked")
	// ErrInvalid reports malformed arguments.
	ErrInvalid = errors.New("lease: invalid argument")
)

// ConflictError carries the lease that blocked an acquisition.
type ConflictError struct {
	Holder Lease
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lease %s/%s held by %s", e.Holder.Name, e.Holder.Kind, e.Holder.OwnerID)
}

// Is lets errors.Is match ErrConflict.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// TaskLockedError carries the task lease that blocked a CreateTask.
type TaskLockedError struct {
	Holder TaskLease
}

func (e *TaskLockedError) Error() string {
	return fmt.Sprintf("task %s locked by %s (lock %s)", e.Holder.TaskName, e.Holder.OwnerID, e.Holder.LockID)
}

// Is lets errors.Is match ErrTaskLocked.
func (e *TaskLockedError) Is(target error) bool { return target == ErrTaskLocked }

// Validate checks the arguments shared by the role lease operations.
func Validate(name string, kind Kind, owner string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: lease name required", ErrInvalid)
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown lease kind %q", ErrInvalid, kind)
	}
	if strings.TrimSpace(owner) == "" {
		return fmt.Errorf("%w: owner id required", ErrInvalid)
	}
	return nil
}

// ValidateTask checks a task lease before insertion.
func ValidateTask(t TaskLease) error {
	switch {
	case strings.TrimSpace(t.TaskName) == "":
		return fmt.Errorf("%w: task name required", ErrInvalid)
	case strings.TrimSpace(t.LockID) == "":
		return fmt.Errorf("%w: lock id required", ErrInvalid)
	case strings.TrimSpace(t.OwnerID) == "":
		return fmt.Errorf("%w: owner id required", ErrInvalid)
	case !t.ExpiresAt.After(t.CreatedAt):
		return fmt.Errorf("%w: task lease must expire after creation", ErrInvalid)
	}
	return nil
}
