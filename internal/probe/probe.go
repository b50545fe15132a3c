// Package probe decides whether this instance may open the exclusive
// messaging connection. It tracks the conflict flag shared by the
// coordinator and the consumer.
package probe

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/chargeq/internal/clock"
	"pkt.systems/chargeq/internal/tasklock"
	"pkt.systems/chargeq/internal/transport"
)

const (
	// DefaultConflictCooldown suppresses probes after a conflict.
	DefaultConflictCooldown = 30 * time.Second
	// DefaultTimeout bounds one probe and its task lease.
	DefaultTimeout = 10 * time.Second
	// DefaultSkipThreshold is the number of consecutive skips tolerated
	// before the emergency sweep.
	DefaultSkipThreshold = 5
	// DefaultSweepAge is the minimum age of task leases removed by the
	// emergency sweep.
	DefaultSweepAge = time.Minute
)

// Config configures a Prober.
type Config struct {
	Transport        transport.Transport
	Locker           *tasklock.Locker
	Clock            clock.Clock
	Logger           pslog.Logger
	ConflictCooldown time.Duration
	Timeout          time.Duration
	SkipThreshold    int
	SweepAge         time.Duration
}

// Prober runs transport probes under the transport_test task lease.
type Prober struct {
	transport     transport.Transport
	locker        *tasklock.Locker
	clock         clock.Clock
	logger        pslog.Logger
	cooldown      time.Duration
	timeout       time.Duration
	skipThreshold int
	sweepAge      time.Duration

	mu         sync.Mutex
	conflict   bool
	conflictAt time.Time
	skips      int
	failures   int
}

// New validates cfg and returns a Prober.
func New(cfg Config) (*Prober, error) {
	if cfg.Transport == nil {
		return nil, errors.New("probe: transport required")
	}
	if cfg.Locker == nil {
		return nil, errors.New("probe: task locker required")
	}
	p := &Prober{
		transport:     cfg.Transport,
		locker:        cfg.Locker,
		clock:         clock.Or(cfg.Clock),
		logger:        cfg.Logger,
		cooldown:      cfg.ConflictCooldown,
		timeout:       cfg.Timeout,
		skipThreshold: cfg.SkipThreshold,
		sweepAge:      cfg.SweepAge,
	}
	if p.logger == nil {
		p.logger = pslog.NoopLogger()
	}
	if p.cooldown <= 0 {
		p.cooldown = DefaultConflictCooldown
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.skipThreshold <= 0 {
		p.skipThreshold = DefaultSkipThreshold
	}
	if p.sweepAge <= 0 {
		p.sweepAge = DefaultSweepAge
	}
	return p, nil
}

// CanConnect reports whether the connection looks free. Any doubt answers
// false.
func (p *Prober) CanConnect(ctx context.Context) bool {
	if p.RecentConflict() {
		p.logger.Debug("probe.cooldown")
		return false
	}
	err := p.locker.RunExclusive(ctx, tasklock.TaskTransportTest, p.timeout, p.transport.Probe)
	if errors.Is(err, tasklock.ErrSkipped) {
		p.skipped(ctx)
		return false
	}
	p.mu.Lock()
	p.skips = 0
	p.mu.Unlock()
	switch {
	case err == nil:
		p.mu.Lock()
		p.conflict = false
		p.failures = 0
		p.mu.Unlock()
		p.logger.Trace("probe.ok")
		return true
	case transport.Classify(err) == transport.ClassConflict:
		p.NoteConflict()
		p.logger.Warn("probe.conflict", "error", err)
		return false
	default:
		p.mu.Lock()
		p.failures++
		failures := p.failures
		p.mu.Unlock()
		p.logger.Warn("probe.failed", "error", err, "consecutive", failures)
		return false
	}
}

func (p *Prober) skipped(ctx context.Context) {
	p.mu.Lock()
	p.skips++
	skips := p.skips
	if skips > p.skipThreshold {
		p.skips = 0
	}
	p.mu.Unlock()
	p.logger.Debug("probe.skipped", "consecutive", skips)
	if skips <= p.skipThreshold {
		return
	}
	if _, err := p.locker.EmergencySweep(ctx, tasklock.TaskTransportTest, p.sweepAge); err != nil {
		p.logger.Warn("probe.emergency_sweep_failed", "error", err)
	}
}

// NoteConflict records an exclusivity conflict observed now.
func (p *Prober) NoteConflict() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conflict = true
	p.conflictAt = p.clock.Now()
}

// ClearConflict drops the conflict flag.
func (p *Prober) ClearConflict() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conflict = false
}

// RecentConflict reports a conflict within the cooldown window.
func (p *Prober) RecentConflict() bool {
	return p.ConflictWithin(p.cooldown)
}

// ConflictWithin reports a conflict flagged no more than d ago.
func (p *Prober) ConflictWithin(d time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conflict && p.clock.Now().Sub(p.conflictAt) < d
}

// LastConflict returns the time of the flagged conflict, if any.
func (p *Prober) LastConflict() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conflictAt, p.conflict
}

// Failures returns consecutive non-conflict probe failures.
func (p *Prober) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Skips returns consecutive skipped probes.
func (p *Prober) Skips() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.skips
}
