// Package witness keeps a marker file on local disk naming the instance that
// currently leads. It catches two processes on the same host fighting over
// the same lease. Correctness never depends on it.
package witness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pslog"

	"pkt.systems/chargeq/internal/clock"
)

// Status is the outcome of Create or Verify.
type Status int

const (
	// StatusOK means the marker names this instance.
	StatusOK Status = iota
	// StatusRecreated means the marker was missing, corrupt or left by a
	// dead process and has been rewritten.
	StatusRecreated
	// StatusForeign means a live process on this host claims the marker.
	StatusForeign
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRecreated:
		return "recreated"
	case StatusForeign:
		return "foreign"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var errLockHeld = errors.New("witness: lock held by another process")

// Marker is the JSON document stored in the witness file.
type Marker struct {
	OwnerID   string    `json:"owner_id"`
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	CreatedAt time.Time `json:"created_at"`
}

// Config configures a Witness.
type Config struct {
	// Path of the marker file. A sibling "<path>.lock" holds the flock.
	Path    string
	OwnerID string
	Clock   clock.Clock
	Logger  pslog.Logger
}

// Witness manages one marker file for one instance.
type Witness struct {
	path   string
	owner  string
	pid    int
	host   string
	clock  clock.Clock
	logger pslog.Logger

	mu      sync.Mutex
	lock    *os.File
	watcher *fsnotify.Watcher
	changes chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// New returns a Witness for cfg.Path.
func New(cfg Config) (*Witness, error) {
	if cfg.Path == "" {
		return nil, errors.New("witness: path required")
	}
	if cfg.OwnerID == "" {
		return nil, errors.New("witness: owner id required")
	}
	host, _ := os.Hostname()
	w := &Witness{
		path:    filepath.Clean(cfg.Path),
		owner:   cfg.OwnerID,
		pid:     os.Getpid(),
		host:    host,
		clock:   clock.Or(cfg.Clock),
		logger:  cfg.Logger,
		changes: make(chan struct{}, 1),
	}
	if w.logger == nil {
		w.logger = pslog.NoopLogger()
	}
	return w, nil
}

// Path returns the marker file path.
func (w *Witness) Path() string {
	return w.path
}

// Changes delivers a signal when the marker file is written or removed by
// anyone while the witness is active.
func (w *Witness) Changes() <-chan struct{} {
	return w.changes
}

// Create claims the marker for this instance and starts watching it. A live
// foreign claimant is reported as StatusForeign but the marker is still
// taken over, since the lease store has already granted leadership.
func (w *Witness) Create(ctx context.Context) (Status, error) {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return StatusOK, fmt.Errorf("witness: prepare directory: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	status := StatusOK
	if w.lock == nil {
		f, err := os.OpenFile(w.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return StatusOK, fmt.Errorf("witness: open lock: %w", err)
		}
		if err := tryLockFile(f); err != nil {
			f.Close()
			if !errors.Is(err, errLockHeld) {
				return StatusOK, fmt.Errorf("witness: lock: %w", err)
			}
			status = StatusForeign
		} else {
			w.lock = f
		}
	}
	if existing, err := w.read(); err == nil && existing.OwnerID != w.owner && w.alive(ctx, existing.PID) {
		status = StatusForeign
	}
	if status == StatusForeign {
		w.logger.Error("witness.foreign_instance", "path", w.path)
	}
	if err := w.write(); err != nil {
		return status, err
	}
	if err := w.watchLocked(); err != nil {
		w.logger.Warn("witness.watch_failed", "path", w.path, "error", err)
	}
	return status, nil
}

// Verify checks the marker and rewrites it when missing, corrupt or left by
// a dead process. A marker naming another live process is left alone and
// reported as StatusForeign.
func (w *Witness) Verify(ctx context.Context) (Status, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, err := w.read()
	switch {
	case err == nil && m.OwnerID == w.owner:
		return StatusOK, nil
	case err == nil && m.PID != w.pid && w.alive(ctx, m.PID):
		w.logger.Error("witness.foreign_marker", "path", w.path, "foreign_owner", m.OwnerID, "foreign_pid", m.PID)
		return StatusForeign, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		w.logger.Warn("witness.marker_corrupt", "path", w.path, "error", err)
	}
	if err := w.write(); err != nil {
		return StatusRecreated, err
	}
	w.logger.Info("witness.recreated", "path", w.path)
	return StatusRecreated, nil
}

// Remove deletes the marker when this instance owns it and releases the
// file lock and watcher. It is safe to call more than once.
func (w *Witness) Remove() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopWatchLocked()
	var errs []error
	if m, err := w.read(); err == nil && m.OwnerID == w.owner {
		if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("witness: remove marker: %w", err))
		}
	}
	if w.lock != nil {
		if err := unlockFile(w.lock); err != nil {
			errs = append(errs, fmt.Errorf("witness: unlock: %w", err))
		}
		if err := w.lock.Close(); err != nil {
			errs = append(errs, err)
		}
		w.lock = nil
	}
	return errors.Join(errs...)
}

// Read returns the current marker.
func (w *Witness) Read() (Marker, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.read()
}

func (w *Witness) read() (Marker, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return Marker{}, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, fmt.Errorf("witness: decode marker: %w", err)
	}
	if m.OwnerID == "" {
		return Marker{}, errors.New("witness: marker missing owner")
	}
	return m, nil
}

func (w *Witness) write() error {
	data, err := json.Marshal(Marker{OwnerID: w.owner, PID: w.pid, Host: w.host, CreatedAt: w.clock.Now()})
	if err != nil {
		return fmt.Errorf("witness: encode marker: %w", err)
	}
	tmp := fmt.Sprintf("%s.%d.tmp", w.path, w.pid)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("witness: write marker: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("witness: install marker: %w", err)
	}
	return nil
}

func (w *Witness) alive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	if pid == w.pid {
		return true
	}
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	return ok
}

func (w *Witness) watchLocked() error {
	if w.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(watcher, w.stop, w.done)
	return nil
}

func (w *Witness) stopWatchLocked() {
	if w.watcher == nil {
		return
	}
	close(w.stop)
	w.watcher.Close()
	<-w.done
	w.watcher = nil
}

func (w *Witness) run(watcher *fsnotify.Watcher, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("witness.watch_error", "path", w.path, "error", err)
		}
	}
}
