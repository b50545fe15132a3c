// Package consumer owns the long-poll loop against the messaging provider.
// The coordinator starts it once leading and stops it on stand-down.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/chargeq/internal/backoff"
	"pkt.systems/chargeq/internal/clock"
	"pkt.systems/chargeq/internal/correlation"
	"pkt.systems/chargeq/internal/transport"
)

// State is the consumer lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Defaults for Config.
const (
	DefaultPollTimeout               = 30 * time.Second
	DefaultConflictMaxRetries        = 8
	DefaultTransientRestartThreshold = 3
	DefaultFatalRestartDelay         = 15 * time.Second
)

// Default back-off policies.
var (
	DefaultStartBackoff    = backoff.Policy{Base: 10 * time.Second, Max: 60 * time.Second, Multiplier: 1.5, Jitter: 0.5}
	DefaultConflictBackoff = backoff.Policy{Base: 2 * time.Second, Max: 45 * time.Second, Multiplier: 2, Jitter: 0.25}
	DefaultNetworkBackoff  = backoff.Policy{Base: time.Second, Max: 10 * time.Second, Multiplier: 2, Jitter: 0.25}
)

// Handler processes one update. Errors are logged and do not stop polling.
type Handler interface {
	Handle(ctx context.Context, u transport.Update) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, u transport.Update) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, u transport.Update) error { return f(ctx, u) }

// Prober is the subset of probe.Prober the controller needs.
type Prober interface {
	CanConnect(ctx context.Context) bool
	NoteConflict()
	ClearConflict()
}

// Config configures a Controller.
type Config struct {
	Transport transport.Transport
	Prober    Prober
	Handler   Handler
	Clock     clock.Clock
	Logger    pslog.Logger
	Rand      *backoff.Rand

	PollTimeout               time.Duration
	StartBackoff              backoff.Policy
	ConflictBackoff           backoff.Policy
	ConflictMaxRetries        int
	NetworkBackoff            backoff.Policy
	TransientRestartThreshold int
	FatalRestartDelay         time.Duration
}

// Controller starts and stops the poll loop. At most one loop runs.
type Controller struct {
	transport transport.Transport
	prober    Prober
	handler   Handler
	clock     clock.Clock
	logger    pslog.Logger

	pollTimeout       time.Duration
	conflictMax       int
	transientRestart  int
	fatalRestartDelay time.Duration

	startBackoff    *backoff.Backoff
	conflictBackoff *backoff.Backoff
	networkBackoff  *backoff.Backoff

	mu        sync.Mutex
	state     State
	gate      func() bool
	standDown func(reason string)
	cancel    context.CancelFunc
	done      chan struct{}
	offset    int
	conflicts int
	network   int
	restarts  int
}

// New validates cfg and returns a stopped Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Transport == nil {
		return nil, errors.New("consumer: transport required")
	}
	if cfg.Prober == nil {
		return nil, errors.New("consumer: prober required")
	}
	c := &Controller{
		transport:         cfg.Transport,
		prober:            cfg.Prober,
		handler:           cfg.Handler,
		clock:             clock.Or(cfg.Clock),
		logger:            cfg.Logger,
		pollTimeout:       cfg.PollTimeout,
		conflictMax:       cfg.ConflictMaxRetries,
		transientRestart:  cfg.TransientRestartThreshold,
		fatalRestartDelay: cfg.FatalRestartDelay,
		gate:              func() bool { return true },
		standDown:         func(string) {},
	}
	if c.handler == nil {
		c.handler = HandlerFunc(func(context.Context, transport.Update) error { return nil })
	}
	if c.logger == nil {
		c.logger = pslog.NoopLogger()
	}
	if c.pollTimeout <= 0 {
		c.pollTimeout = DefaultPollTimeout
	}
	if c.conflictMax <= 0 {
		c.conflictMax = DefaultConflictMaxRetries
	}
	if c.transientRestart <= 0 {
		c.transientRestart = DefaultTransientRestartThreshold
	}
	if c.fatalRestartDelay <= 0 {
		c.fatalRestartDelay = DefaultFatalRestartDelay
	}
	c.startBackoff = backoff.New(orPolicy(cfg.StartBackoff, DefaultStartBackoff), cfg.Rand)
	c.conflictBackoff = backoff.New(orPolicy(cfg.ConflictBackoff, DefaultConflictBackoff), cfg.Rand)
	c.networkBackoff = backoff.New(orPolicy(cfg.NetworkBackoff, DefaultNetworkBackoff), cfg.Rand)
	return c, nil
}

func orPolicy(p, def backoff.Policy) backoff.Policy {
	if p == (backoff.Policy{}) {
		return def
	}
	return p
}

// Attach wires the leadership gate and the stand-down request used when
// conflicts persist. standDown must not block.
func (c *Controller) Attach(gate func() bool, standDown func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gate != nil {
		c.gate = gate
	}
	if standDown != nil {
		c.standDown = standDown
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Counters returns the consecutive conflict and network error counts.
func (c *Controller) Counters() (conflicts, network int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conflicts, c.network
}

// Restarts returns how many full stop/start cycles the loop performed.
func (c *Controller) Restarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}

// Start begins the consumer lifecycle in the background. It returns false
// without effect when already starting or running, or when the gate is
// closed.
func (c *Controller) Start(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStopped {
		return false
	}
	if !c.gate() {
		c.logger.Debug("consumer.start.gated")
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.state = StateStarting
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	c.logger.Info("consumer.starting")
	return true
}

// Stop cancels the poll loop, waits for it to exit until ctx ends and
// resets every counter. A loop stuck in a handler that ignores its context
// is abandoned and ctx.Err() is returned. It is safe to call at any time
// and more than once.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	var err error
	if cancel != nil {
		cancel()
		select {
		case <-done:
			c.logger.Info("consumer.stopped")
		case <-ctx.Done():
			err = ctx.Err()
			c.logger.Warn("consumer.stop.abandoned", "error", err)
		}
	}
	c.mu.Lock()
	c.state = StateStopped
	c.conflicts = 0
	c.network = 0
	c.mu.Unlock()
	c.startBackoff.Reset()
	c.conflictBackoff.Reset()
	c.networkBackoff.Reset()
	return err
}

// Wait blocks until the current loop exits.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

type loopExit int

const (
	exitStop loopExit = iota
	exitCycle
)

func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.setStoppedIfCurrent(done)
	for {
		if !c.connect(ctx) {
			return
		}
		if c.poll(ctx) == exitStop {
			return
		}
		c.mu.Lock()
		c.restarts++
		c.network = 0
		c.state = StateStarting
		c.mu.Unlock()
		c.networkBackoff.Reset()
		c.logger.Info("consumer.restarting")
	}
}

func (c *Controller) setStoppedIfCurrent(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != done {
		return
	}
	c.cancel()
	c.state = StateStopped
	c.cancel = nil
	c.done = nil
}

// connect probes until the connection looks free. It returns false when
// the context ends or leadership is gone.
func (c *Controller) connect(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		c.mu.Lock()
		gate := c.gate
		c.mu.Unlock()
		if !gate() {
			c.logger.Info("consumer.start.not_leading")
			return false
		}
		if c.prober.CanConnect(ctx) {
			c.startBackoff.Reset()
			c.mu.Lock()
			c.state = StateRunning
			c.mu.Unlock()
			c.logger.Info("consumer.running")
			return true
		}
		delay := c.startBackoff.Next()
		c.logger.Info("consumer.start.deferred", "delay", delay, "attempt", c.startBackoff.Attempts())
		if !clock.SleepContext(ctx, c.clock, delay) {
			return false
		}
	}
}

func (c *Controller) poll(ctx context.Context) loopExit {
	for {
		if ctx.Err() != nil {
			return exitStop
		}
		c.mu.Lock()
		offset := c.offset
		c.mu.Unlock()
		updates, err := c.transport.Poll(ctx, offset, c.pollTimeout)
		if ctx.Err() != nil {
			return exitStop
		}
		if err == nil {
			c.polled(ctx, updates)
			continue
		}
		switch transport.Classify(err) {
		case transport.ClassConflict:
			if !c.onConflict(ctx, err) {
				return exitStop
			}
		case transport.ClassNetwork:
			cycle, ok := c.onNetwork(ctx, err)
			if !ok {
				return exitStop
			}
			if cycle {
				return exitCycle
			}
		default:
			c.logger.Error("consumer.poll.fatal", "error", err, "restart_in", c.fatalRestartDelay)
			if !clock.SleepContext(ctx, c.clock, c.fatalRestartDelay) {
				return exitStop
			}
			return exitCycle
		}
	}
}

func (c *Controller) polled(ctx context.Context, updates []transport.Update) {
	c.mu.Lock()
	hadErrors := c.conflicts > 0 || c.network > 0
	c.conflicts = 0
	c.network = 0
	c.mu.Unlock()
	if hadErrors {
		c.conflictBackoff.Reset()
		c.networkBackoff.Reset()
		c.prober.ClearConflict()
		c.logger.Info("consumer.poll.recovered")
	}
	for _, u := range updates {
		if ctx.Err() != nil {
			return
		}
		c.dispatch(ctx, u)
		c.mu.Lock()
		if u.ID >= c.offset {
			c.offset = u.ID + 1
		}
		c.mu.Unlock()
	}
}

func (c *Controller) dispatch(ctx context.Context, u transport.Update) {
	cid := correlation.ForUpdate(u.ID)
	ctx = correlation.With(ctx, cid)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("consumer.handler.panic", "update_id", u.ID, "cid", cid, "panic", fmt.Sprint(r))
		}
	}()
	c.logger.Trace("consumer.update.dispatch", "update_id", u.ID, "cid", cid)
	if err := c.handler.Handle(ctx, u); err != nil {
		c.logger.Warn("consumer.handler.error", "update_id", u.ID, "cid", cid, "error", err)
	}
}

// onConflict backs off and returns true to resume polling. It returns
// false after requesting stand-down or when ctx ends.
func (c *Controller) onConflict(ctx context.Context, err error) bool {
	c.prober.NoteConflict()
	c.mu.Lock()
	c.conflicts++
	n := c.conflicts
	standDown := c.standDown
	c.mu.Unlock()
	if n > c.conflictMax {
		c.logger.Error("consumer.conflict.exhausted", "conflicts", n, "error", err)
		standDown(fmt.Sprintf("consumer: %d consecutive exclusivity conflicts", n))
		return false
	}
	delay := c.conflictBackoff.Next()
	c.logger.Warn("consumer.conflict", "conflicts", n, "retry_in", delay, "error", err)
	return clock.SleepContext(ctx, c.clock, delay)
}

// onNetwork waits before an in-place retry, or reports cycle once the
// threshold is passed. ok is false when ctx ended.
func (c *Controller) onNetwork(ctx context.Context, err error) (cycle, ok bool) {
	c.mu.Lock()
	c.network++
	n := c.network
	c.mu.Unlock()
	if n > c.transientRestart {
		c.logger.Warn("consumer.network.cycle", "errors", n, "error", err)
		return true, true
	}
	delay := c.networkBackoff.Next()
	var te *transport.Error
	if errors.As(err, &te) && te.RetryAfter > delay {
		delay = te.RetryAfter
	}
	c.logger.Warn("consumer.network.retry", "errors", n, "retry_in", delay, "error", err)
	return false, clock.SleepContext(ctx, c.clock, delay)
}
