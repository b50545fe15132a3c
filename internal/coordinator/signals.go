package coordinator

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/chargeq/internal/lease"
)

const (
	idxMaster = iota
	idxExecution
)

var leaseNames = [2]string{lease.NameMaster, lease.NameExecution}
var leaseKinds = [2]lease.Kind{lease.KindMaster, lease.KindExecution}

// signals are raised by background loops and consumed by the driver.
type signals struct {
	lost       [2]bool
	missing    [2]bool
	splitBrain *lease.Lease
}

func (s signals) any() bool {
	return s.lost[0] || s.lost[1] || s.missing[0] || s.missing[1] || s.splitBrain != nil
}

// raise records a signal from the loop generation gen for lease idx and
// wakes the driver. Signals from superseded generations are dropped.
func (c *Coordinator) raise(idx int, gen uint64, fn func(*signals)) {
	c.sigMu.Lock()
	if gen != c.gen[idx] {
		c.sigMu.Unlock()
		return
	}
	fn(&c.sig)
	c.sigMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) takeSignals() signals {
	c.sigMu.Lock()
	defer c.sigMu.Unlock()
	s := c.sig
	c.sig = signals{}
	return s
}

// bumpGen invalidates outstanding signals for lease idx and returns the new
// generation.
func (c *Coordinator) bumpGen(idx int) uint64 {
	c.sigMu.Lock()
	defer c.sigMu.Unlock()
	c.gen[idx]++
	c.sig.lost[idx] = false
	c.sig.missing[idx] = false
	if idx == idxExecution {
		c.sig.splitBrain = nil
	}
	return c.gen[idx]
}

func (c *Coordinator) currentGen(idx int) uint64 {
	c.sigMu.Lock()
	defer c.sigMu.Unlock()
	return c.gen[idx]
}

type waitResult int

const (
	waitElapsed waitResult = iota
	waitSignal
	waitStop
)

// wait sleeps for d on the coordinator clock. It returns early when a stop
// is requested or a loop raises a signal.
func (c *Coordinator) wait(ctx context.Context, d time.Duration) waitResult {
	if c.stopping() || ctx.Err() != nil {
		return waitStop
	}
	if d <= 0 {
		return waitElapsed
	}
	select {
	case <-ctx.Done():
		return waitStop
	case <-c.stopCh:
		return waitStop
	case <-c.wake:
		return waitSignal
	case <-c.clock.After(d):
		return waitElapsed
	}
}

// loop is a background goroutine with its own cancel function.
type loop struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *Coordinator) startLoop(parent context.Context, name string, fn func(ctx context.Context)) *loop {
	ctx, cancel := context.WithCancel(parent)
	l := &loop{name: name, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		fn(ctx)
	}()
	return l
}

func (l *loop) stop() {
	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}

// every calls tick once per interval until ctx ends. extra, when non-nil,
// triggers an immediate tick. Panics in tick are logged and the loop
// continues.
func (c *Coordinator) every(ctx context.Context, name string, interval time.Duration, extra <-chan struct{}, tick func(ctx context.Context) bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(interval):
		case <-extra:
		}
		if !c.safeTick(ctx, name, tick) {
			return
		}
	}
}

func (c *Coordinator) safeTick(ctx context.Context, name string, tick func(ctx context.Context) bool) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("coordinator.tick.panic", "loop", name, "panic", fmt.Sprint(r))
			cont = true
		}
	}()
	return tick(ctx)
}

// sleepJitter waits up to max on the coordinator clock.
func (c *Coordinator) sleepJitter(ctx context.Context, max time.Duration) waitResult {
	return c.wait(ctx, c.rng.Duration(max))
}

