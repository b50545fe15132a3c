package coordinator

import (
	"context"
	"errors"

	"github.com/dustin/go-humanize"

	"pkt.systems/chargeq/internal/lease"
	"pkt.systems/chargeq/internal/tasklock"
	"pkt.systems/chargeq/internal/witness"
)

var heartbeatTasks = [2]string{tasklock.TaskMasterHeartbeat, tasklock.TaskExecutionHeartbeat}

// startHeartbeat (re)starts the renewal loop for lease idx. The loop exits
// after raising a lost signal.
func (c *Coordinator) startHeartbeat(idx int) {
	c.heartbeats[idx].stop()
	gen := c.bumpGen(idx)
	interval := c.cfg.MasterHeartbeat
	if idx == idxExecution {
		interval = c.cfg.ExecutionHeartbeat
	}
	task := heartbeatTasks[idx]
	name, kind := leaseNames[idx], leaseKinds[idx]
	lastOK := c.clock.Now()
	c.heartbeats[idx] = c.startLoop(c.runCtx, task, func(ctx context.Context) {
		c.every(ctx, task, interval, nil, func(ctx context.Context) bool {
			renewed := false
			err := c.locker.RunExclusive(ctx, task, c.cfg.HeartbeatTimeout, func(ctx context.Context) error {
				ok, err := c.store.Renew(ctx, name, kind, c.owner)
				renewed = ok
				return err
			})
			now := c.clock.Now()
			switch {
			case errors.Is(err, tasklock.ErrSkipped):
				c.logger.Debug("coordinator.heartbeat.skipped", "lease", name, "error", err)
				return true
			case err != nil:
				if ctx.Err() != nil {
					return false
				}
				since := now.Sub(lastOK)
				if since > c.cfg.LeaseTimeout {
					c.logger.Warn("coordinator.heartbeat.expired", "lease", name, "last_renewed", humanize.Time(lastOK), "error", err)
					c.raise(idx, gen, func(s *signals) { s.lost[idx] = true })
					return false
				}
				c.logger.Warn("coordinator.heartbeat.failed", "lease", name, "since_renewed", since, "error", err)
				return true
			case !renewed:
				if ctx.Err() != nil {
					return false
				}
				c.logger.Warn("coordinator.lease.lost", "lease", name)
				c.raise(idx, gen, func(s *signals) { s.lost[idx] = true })
				return false
			}
			lastOK = now
			c.logger.Trace("coordinator.heartbeat.renewed", "lease", name)
			return true
		})
	})
}

// startLeaseCheck runs the periodic ownership and split-brain check. A
// change to the witness marker triggers an immediate check.
func (c *Coordinator) startLeaseCheck() {
	c.leaseCheck.stop()
	var changes <-chan struct{}
	if c.witness != nil {
		changes = c.witness.Changes()
	}
	gens := [2]uint64{c.currentGen(idxMaster), c.currentGen(idxExecution)}
	c.leaseCheck = c.startLoop(c.runCtx, "lease_check", func(ctx context.Context) {
		c.every(ctx, "lease_check", c.cfg.LeaseCheckInterval, changes, func(ctx context.Context) bool {
			c.checkLeases(ctx, gens)
			return true
		})
	})
}

func (c *Coordinator) checkLeases(ctx context.Context, gens [2]uint64) {
	if c.witness != nil {
		status, err := c.witness.Verify(ctx)
		switch {
		case err != nil:
			c.logger.Warn("coordinator.witness.verify_failed", "error", err)
		case status == witness.StatusRecreated:
			c.logger.Info("coordinator.witness.recreated")
		case status == witness.StatusForeign:
			c.logger.Error("coordinator.witness.foreign")
		}
	}
	for idx := range leaseNames {
		held, err := c.store.FindActive(ctx, lease.Filter{Name: leaseNames[idx], Kind: leaseKinds[idx], OwnerID: c.owner})
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("coordinator.lease_check.failed", "lease", leaseNames[idx], "error", err)
			}
			return
		}
		if held == nil {
			c.logger.Warn("coordinator.lease_check.missing", "lease", leaseNames[idx])
			c.raise(idx, gens[idx], func(s *signals) { s.missing[idx] = true })
		}
	}
	foreign, err := c.store.FindActive(ctx, lease.Filter{Name: lease.NameExecution, Kind: lease.KindExecution, ExcludeOwner: c.owner})
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("coordinator.lease_check.failed", "lease", lease.NameExecution, "error", err)
		}
		return
	}
	if foreign == nil {
		return
	}
	if !c.prober.ConflictWithin(c.cfg.ConflictCorroboration) {
		c.logger.Warn("coordinator.split_brain.suspected", "holder", foreign.OwnerID, "holder_since", humanize.Time(foreign.CreatedAt))
		return
	}
	holder := *foreign
	c.raise(idxExecution, gens[idxExecution], func(s *signals) { s.splitBrain = &holder })
}

// corroboratedForeign returns the foreign execution lease when the transport
// also reported a conflict within the corroboration window.
func (c *Coordinator) corroboratedForeign(ctx context.Context) *lease.Lease {
	if !c.prober.ConflictWithin(c.cfg.ConflictCorroboration) {
		return nil
	}
	foreign, err := c.store.FindActive(ctx, lease.Filter{Name: lease.NameExecution, Kind: lease.KindExecution, ExcludeOwner: c.owner})
	if err != nil {
		c.logger.Warn("coordinator.lease_check.failed", "lease", lease.NameExecution, "error", err)
		return nil
	}
	return foreign
}

// startJanitor sweeps expired task leases and stale leases on every
// instance. Only one instance sweeps at a time.
func (c *Coordinator) startJanitor() {
	c.janitor = c.startLoop(c.runCtx, tasklock.TaskLeaseJanitor, func(ctx context.Context) {
		c.every(ctx, tasklock.TaskLeaseJanitor, c.cfg.JanitorInterval, nil, func(ctx context.Context) bool {
			c.sweep(ctx)
			return true
		})
	})
}

func (c *Coordinator) sweep(ctx context.Context) {
	err := c.locker.RunExclusive(ctx, tasklock.TaskLeaseJanitor, c.cfg.JanitorTimeout, func(ctx context.Context) error {
		tasks, err := c.locker.Sweep(ctx)
		if err != nil {
			return err
		}
		leases, err := c.store.DeleteStale(ctx, c.cfg.LeaseTimeout)
		if err != nil {
			return err
		}
		if tasks+leases > 0 {
			c.logger.Info("coordinator.janitor.swept", "task_leases", tasks, "leases", leases)
		}
		return nil
	})
	switch {
	case errors.Is(err, tasklock.ErrSkipped):
		c.logger.Trace("coordinator.janitor.skipped")
	case err != nil && ctx.Err() == nil:
		c.logger.Warn("coordinator.janitor.failed", "error", err)
	}
}
