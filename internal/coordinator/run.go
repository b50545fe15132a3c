package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/chargeq/internal/backoff"
	"pkt.systems/chargeq/internal/clock"
	"pkt.systems/chargeq/internal/consumer"
	"pkt.systems/chargeq/internal/lease"
	"pkt.systems/chargeq/internal/witness"
)

// Run drives the state machine until a shutdown or stand-down request, or
// until ctx ends. It returns nil after a shutdown, a *StandDownError after
// a voluntary stand-down, and an error wrapping ErrShutdownFailed when the
// store could not be cleaned up.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.done)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.runCtx = runCtx
	stopAfter := context.AfterFunc(ctx, func() { c.RequestShutdown("context canceled") })
	defer stopAfter()

	c.consumer.Attach(c.IsLeading, func(reason string) {
		c.requestStop(stopStandDown, reason, "consumer_conflicts")
	})
	c.logger.Info("coordinator.started", "owner", c.owner)
	c.startJanitor()

	next := StateAcquiringMaster
	delay := c.rng.Between(c.cfg.InitialDelayMin, c.cfg.InitialDelayMax)
	c.logger.Info("coordinator.initial_delay", "delay", delay)
	if c.wait(runCtx, delay) == waitStop {
		next = StateStandingDown
	}
	for next != StateStandingDown {
		c.setState(next)
		switch next {
		case StateAcquiringMaster:
			next = c.acquireMaster(runCtx)
		case StateAcquiringExecution:
			next = c.acquireExecution(runCtx)
		case StateLeading:
			next = c.lead(runCtx)
		default:
			c.invariant(fmt.Sprintf("unexpected state %s", next))
			next = StateStandingDown
		}
	}
	return c.terminate()
}

func (c *Coordinator) backoffWait(ctx context.Context, b *backoff.Backoff) bool {
	return c.wait(ctx, b.Next()) != waitStop
}

func (c *Coordinator) acquireMaster(ctx context.Context) State {
	for {
		if c.stopping() {
			return StateStandingDown
		}
		c.absorb()
		c.enforceGrace()
		if !c.prober.CanConnect(ctx) {
			if !c.backoffWait(ctx, c.acquireBackoff) {
				return StateStandingDown
			}
			continue
		}
		foreign, err := c.store.FindActive(ctx, lease.Filter{Name: lease.NameExecution, Kind: lease.KindExecution, ExcludeOwner: c.owner})
		if err != nil {
			c.logger.Warn("coordinator.master.check_failed", "error", err)
			if !c.backoffWait(ctx, c.acquireBackoff) {
				return StateStandingDown
			}
			continue
		}
		if foreign != nil {
			c.yieldTo(*foreign)
			if !c.backoffWait(ctx, c.foreignBackoff) {
				return StateStandingDown
			}
			continue
		}
		acq, err := c.store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, c.owner)
		if !c.acquired(ctx, idxMaster, acq, err) {
			if c.stopping() {
				return StateStandingDown
			}
			if !c.backoffWait(ctx, c.acquireBackoff) {
				return StateStandingDown
			}
			continue
		}
		return StateAcquiringExecution
	}
}

func (c *Coordinator) acquireExecution(ctx context.Context) State {
	for {
		if c.stopping() {
			return StateStandingDown
		}
		if c.absorb() {
			return StateAcquiringMaster
		}
		c.enforceGrace()
		now := c.clock.Now()
		reservation := c.execLimiter.ReserveN(now, 1)
		switch c.wait(ctx, reservation.DelayFrom(now)) {
		case waitStop:
			return StateStandingDown
		case waitSignal:
			reservation.CancelAt(c.clock.Now())
			continue
		}
		if !c.prober.CanConnect(ctx) {
			if !c.backoffWait(ctx, c.acquireBackoff) {
				return StateStandingDown
			}
			continue
		}
		foreign, err := c.store.FindActive(ctx, lease.Filter{Name: lease.NameExecution, Kind: lease.KindExecution, ExcludeOwner: c.owner})
		if err != nil {
			c.logger.Warn("coordinator.execution.check_failed", "error", err)
			if !c.backoffWait(ctx, c.acquireBackoff) {
				return StateStandingDown
			}
			continue
		}
		if foreign != nil {
			// Another instance leads with a master lease we no longer
			// hold; give ours up so it can recover instead of deadlocking.
			c.logger.Info("coordinator.execution.foreign_leader", "holder", foreign.OwnerID)
			c.yieldTo(*foreign)
			c.dropLease(idxMaster, true)
			if !c.backoffWait(ctx, c.foreignBackoff) {
				return StateStandingDown
			}
			return StateAcquiringMaster
		}
		acq, err := c.store.TryCreate(ctx, lease.NameExecution, lease.KindExecution, c.owner)
		if !c.acquired(ctx, idxExecution, acq, err) {
			if c.stopping() {
				return StateStandingDown
			}
			if !c.backoffWait(ctx, c.acquireBackoff) {
				return StateStandingDown
			}
			continue
		}
		return StateLeading
	}
}

// acquired handles a TryCreate outcome for lease idx and starts its
// heartbeat on success.
func (c *Coordinator) acquired(ctx context.Context, idx int, acq lease.Acquisition, err error) bool {
	name := leaseNames[idx]
	var conflict *lease.ConflictError
	switch {
	case errors.As(err, &conflict):
		c.logger.Debug("coordinator.lease.contended", "lease", name, "holder", conflict.Holder.OwnerID)
		c.metrics.recordConflict(ctx, name)
		return false
	case err != nil:
		if ctx.Err() == nil {
			c.logger.Warn("coordinator.lease.acquire_failed", "lease", name, "error", err)
		}
		return false
	case acq.Lease.OwnerID != c.owner:
		c.invariant(fmt.Sprintf("%s acquisition returned owner %q", name, acq.Lease.OwnerID))
		return false
	}
	if acq.Reclaimed != nil {
		c.logger.Info("coordinator.lease.reclaimed",
			"lease", name,
			"previous_owner", acq.Reclaimed.OwnerID,
			"last_heartbeat", humanize.Time(acq.Reclaimed.LastHeartbeat),
		)
	}
	c.logger.Info("coordinator.lease.acquired", "lease", name, "reentrant", acq.Reentrant)
	c.metrics.recordAcquisition(ctx, name, acq.Reclaimed != nil)
	c.acquireBackoff.Reset()
	c.foreignBackoff.Reset()
	c.holding[idx] = true
	c.startHeartbeat(idx)
	return true
}

// absorb handles loop signals outside Leading and reports whether the
// master lease was lost.
func (c *Coordinator) absorb() bool {
	s := c.takeSignals()
	if s.lost[idxExecution] {
		c.stopConsumer("execution lease lost")
		c.dropLease(idxExecution, false)
	}
	if s.lost[idxMaster] {
		c.dropLease(idxMaster, false)
		return true
	}
	return false
}

// enforceGrace stops a consumer left running outside Leading once the
// ownership grace has passed, and gives up the execution lease with it.
func (c *Coordinator) enforceGrace() {
	if c.consumer.State() == consumer.StateStopped {
		return
	}
	if !c.graceUntil.IsZero() && c.clock.Now().Before(c.graceUntil) {
		return
	}
	c.logger.Warn("coordinator.grace.expired")
	c.stopConsumer("ownership grace expired")
	if c.State() == StateAcquiringMaster {
		c.dropLease(idxExecution, true)
	}
}

// yieldTo gives way to the execution lease holder.
func (c *Coordinator) yieldTo(holder lease.Lease) {
	c.logger.Debug("coordinator.foreign_leader", "holder", holder.OwnerID, "holder_since", humanize.Time(holder.CreatedAt))
	c.stopConsumer("foreign execution lease")
	c.dropLease(idxExecution, false)
}

func (c *Coordinator) lead(ctx context.Context) State {
	c.becomeLeader(ctx)
	if s := c.takeSignals(); s.any() {
		if next, ok := c.handleLeadingSignals(ctx, s); ok {
			return next
		}
	}
	var startConsumer <-chan time.Time
	if c.consumer.State() == consumer.StateStopped {
		startConsumer = c.clock.After(c.cfg.ConsumerStartDelay)
	}
	for {
		select {
		case <-ctx.Done():
			return StateStandingDown
		case <-c.stopCh:
			return StateStandingDown
		case <-startConsumer:
			startConsumer = nil
			if c.consumer.Start(ctx) {
				c.logger.Info("coordinator.consumer.started")
			}
		case <-c.wake:
			if next, ok := c.handleLeadingSignals(ctx, c.takeSignals()); ok {
				return next
			}
		}
	}
}

func (c *Coordinator) becomeLeader(ctx context.Context) {
	c.graceUntil = time.Time{}
	if c.witness != nil {
		status, err := c.witness.Create(ctx)
		switch {
		case err != nil:
			c.logger.Warn("coordinator.witness.create_failed", "error", err)
		case status == witness.StatusForeign:
			c.logger.Error("coordinator.witness.foreign")
		}
	}
	c.startLeaseCheck()
	c.lastAcquired = c.clock.Now()
	c.leading.Store(true)
	c.logger.Info("coordinator.leading")
	c.emit(EventLeading, "")
}

func (c *Coordinator) handleLeadingSignals(ctx context.Context, s signals) (State, bool) {
	if (s.lost[idxExecution] || s.missing[idxExecution]) && s.splitBrain == nil {
		s.splitBrain = c.corroboratedForeign(ctx)
	}
	if s.splitBrain != nil {
		c.logger.Error("coordinator.split_brain",
			"holder", s.splitBrain.OwnerID,
			"holder_since", humanize.Time(s.splitBrain.CreatedAt),
		)
		c.requestStop(stopStandDown, fmt.Sprintf("split-brain with %s", s.splitBrain.OwnerID), "split_brain")
		return StateStandingDown, true
	}
	if s.lost[idxExecution] {
		c.loseLeadership(ctx, "execution lease lost")
		c.stopConsumer("execution lease lost")
		c.dropLease(idxExecution, false)
		next := StateAcquiringExecution
		if s.lost[idxMaster] {
			c.dropLease(idxMaster, false)
			next = StateAcquiringMaster
		}
		if c.sleepJitter(ctx, c.cfg.ReacquireDelay) == waitStop {
			return StateStandingDown, true
		}
		return next, true
	}
	if s.lost[idxMaster] {
		c.loseLeadership(ctx, "master lease lost")
		c.dropLease(idxMaster, false)
		c.graceUntil = c.clock.Now().Add(c.cfg.OwnershipGrace)
		if c.sleepJitter(ctx, c.cfg.ReacquireDelay) == waitStop {
			return StateStandingDown, true
		}
		return StateAcquiringMaster, true
	}
	for idx := range leaseNames {
		if !s.missing[idx] {
			continue
		}
		if next, ok := c.reassert(ctx, idx); ok {
			return next, true
		}
	}
	return 0, false
}

// reassert re-creates a lease the lease check could not find. The consumer
// keeps running through the ownership grace if another owner took it.
func (c *Coordinator) reassert(ctx context.Context, idx int) (State, bool) {
	name := leaseNames[idx]
	acq, err := c.store.TryCreate(ctx, name, leaseKinds[idx], c.owner)
	var conflict *lease.ConflictError
	switch {
	case err == nil && acq.Lease.OwnerID == c.owner:
		c.logger.Info("coordinator.lease.reasserted", "lease", name, "reentrant", acq.Reentrant)
		return 0, false
	case errors.As(err, &conflict):
		c.logger.Warn("coordinator.lease.taken", "lease", name, "holder", conflict.Holder.OwnerID)
		c.loseLeadership(ctx, name+" lease taken")
		c.dropLease(idx, false)
		c.graceUntil = c.clock.Now().Add(c.cfg.OwnershipGrace)
		if idx == idxExecution {
			return StateAcquiringExecution, true
		}
		return StateAcquiringMaster, true
	case err == nil:
		c.invariant(fmt.Sprintf("%s reassert returned owner %q", name, acq.Lease.OwnerID))
		return StateStandingDown, true
	default:
		c.logger.Warn("coordinator.lease.reassert_failed", "lease", name, "error", err)
		return 0, false
	}
}

func (c *Coordinator) loseLeadership(ctx context.Context, reason string) {
	if !c.leading.Swap(false) {
		return
	}
	c.leaseCheck.stop()
	c.leaseCheck = nil
	if c.witness != nil {
		if err := c.witness.Remove(); err != nil {
			c.logger.Warn("coordinator.witness.remove_failed", "error", err)
		}
	}
	c.logger.Warn("coordinator.leadership.lost", "reason", reason, "led_for", c.clock.Now().Sub(c.lastAcquired))
	c.metrics.recordLoss(ctx, reason)
	c.emit(EventLostLeadership, reason)
}

func (c *Coordinator) stopConsumer(reason string) {
	if c.consumer.State() != consumer.StateStopped {
		c.logger.Info("coordinator.consumer.stopping", "reason", reason)
	}
	c.haltConsumer()
}

// haltConsumer stops the consumer, abandoning it after ShutdownTimeout.
func (c *Coordinator) haltConsumer() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()
	if err := c.consumer.Stop(ctx); err != nil {
		c.logger.Warn("consumer.stop.timeout", "timeout", c.cfg.ShutdownTimeout, "error", err)
	}
}

// dropLease stops the heartbeat for lease idx and optionally deletes it.
func (c *Coordinator) dropLease(idx int, release bool) {
	c.heartbeats[idx].stop()
	c.heartbeats[idx] = nil
	c.bumpGen(idx)
	held := c.holding[idx]
	c.holding[idx] = false
	if !release || !held {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.runCtx), c.cfg.ShutdownTimeout)
	defer cancel()
	deleted, err := c.store.DeleteOwned(ctx, leaseNames[idx], leaseKinds[idx], c.owner)
	if err != nil {
		c.logger.Warn("coordinator.lease.release_failed", "lease", leaseNames[idx], "error", err)
		return
	}
	c.logger.Info("coordinator.lease.released", "lease", leaseNames[idx], "deleted", deleted)
}

func (c *Coordinator) invariant(msg string) {
	c.logger.Error("coordinator.invariant_violation", "detail", msg)
	c.requestStop(stopStandDown, "invariant violation: "+msg, "invariant")
}

// terminate releases everything this instance owns. Store failures are
// collected and reported but never stop the sequence.
func (c *Coordinator) terminate() error {
	c.RequestShutdown("context canceled")
	kind, reason, class := c.stopInfo()
	c.setState(StateStandingDown)
	wasLeader := c.leading.Swap(false)
	c.logger.Info("coordinator.standing_down", "reason", reason, "was_leader", wasLeader)
	c.emit(EventStandingDown, reason)
	if kind == stopStandDown {
		c.metrics.recordStandDown(c.runCtx, class)
	}

	c.leaseCheck.stop()
	c.leaseCheck = nil
	for idx := range c.heartbeats {
		c.heartbeats[idx].stop()
		c.heartbeats[idx] = nil
		c.bumpGen(idx)
	}
	c.janitor.stop()
	c.janitor = nil
	c.haltConsumer()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()
	var errs []error
	for _, idx := range []int{idxExecution, idxMaster} {
		if _, err := c.store.DeleteOwned(ctx, leaseNames[idx], leaseKinds[idx], c.owner); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", leaseNames[idx], err))
		}
		c.holding[idx] = false
	}
	if _, err := c.locker.ReleaseOwned(ctx); err != nil {
		errs = append(errs, fmt.Errorf("release task leases: %w", err))
	}
	if c.witness != nil {
		if err := c.witness.Remove(); err != nil {
			c.logger.Warn("coordinator.witness.remove_failed", "error", err)
		}
	}
	rec := lease.ShutdownRecord{
		OwnerID:   c.owner,
		Host:      c.cfg.Host,
		PID:       c.cfg.PID,
		Reason:    reason,
		WasLeader: wasLeader,
		At:        c.clock.Now(),
	}
	if err := c.store.RecordShutdown(ctx, rec); err != nil {
		errs = append(errs, fmt.Errorf("record shutdown: %w", err))
	}
	clock.SleepContext(ctx, c.clock, c.cfg.ShutdownGrace)
	c.setState(StateTerminated)
	c.closeSubscribers()

	if len(errs) > 0 {
		err := errors.Join(errs...)
		c.logger.Error("coordinator.shutdown_failed", "error", err)
		return fmt.Errorf("%w: %w", ErrShutdownFailed, err)
	}
	c.logger.Info("coordinator.terminated", "reason", reason)
	if kind == stopStandDown {
		return &StandDownError{Reason: reason}
	}
	return nil
}
