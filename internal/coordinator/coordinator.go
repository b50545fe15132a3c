// Package coordinator runs the two-tier lease election that decides which
// single instance may run the messaging consumer.
//
// An instance first takes the master lease, then the execution lease.
// Holding both makes it the leader. Heartbeats keep both leases fresh, a
// periodic lease check re-verifies ownership and watches for a foreign
// execution lease, and a janitor sweeps abandoned rows on every instance.
// All state transitions happen on the goroutine that calls Run.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"pkt.systems/pslog"

	"pkt.systems/chargeq/internal/backoff"
	"pkt.systems/chargeq/internal/clock"
	"pkt.systems/chargeq/internal/consumer"
	"pkt.systems/chargeq/internal/lease"
	"pkt.systems/chargeq/internal/tasklock"
	"pkt.systems/chargeq/internal/witness"
)

// State is the coordinator state.
type State int32

const (
	StateIdle State = iota
	StateAcquiringMaster
	StateAcquiringExecution
	StateLeading
	StateStandingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringMaster:
		return "acquiring_master"
	case StateAcquiringExecution:
		return "acquiring_execution"
	case StateLeading:
		return "leading"
	case StateStandingDown:
		return "standing_down"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Default timings.
const (
	DefaultLeaseTimeout          = lease.DefaultLeaseTimeout
	DefaultMasterHeartbeat       = 15 * time.Second
	DefaultExecutionHeartbeat    = 10 * time.Second
	DefaultLeaseCheckInterval    = 45 * time.Second
	DefaultJanitorInterval       = 60 * time.Second
	DefaultInitialDelayMin       = 5 * time.Second
	DefaultInitialDelayMax       = 30 * time.Second
	DefaultExecutionCooldown     = 5 * time.Second
	DefaultConsumerStartDelay    = 3 * time.Second
	DefaultReacquireDelay        = 5 * time.Second
	DefaultOwnershipGrace        = 30 * time.Second
	DefaultConflictCorroboration = 2 * time.Minute
	DefaultHeartbeatTimeout      = 5 * time.Second
	DefaultJanitorTimeout        = 30 * time.Second
	DefaultShutdownTimeout       = 10 * time.Second
	DefaultShutdownGrace         = 3 * time.Second
)

// Default acquisition back-off policies.
var (
	DefaultAcquireBackoff       = backoff.Policy{Base: 10 * time.Second, Max: 60 * time.Second, Multiplier: 1.5, Jitter: 0.5}
	DefaultForeignLeaderBackoff = backoff.Policy{Base: 30 * time.Second, Max: 2 * time.Minute, Multiplier: 1.5, Jitter: 0.5}
)

var (
	// ErrShutdownFailed reports store failures on the shutdown path.
	ErrShutdownFailed = errors.New("coordinator: shutdown failed")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("coordinator: already running")
)

// StandDownError is returned by Run after a voluntary stand-down.
type StandDownError struct {
	Reason string
}

func (e *StandDownError) Error() string {
	return "coordinator: stood down: " + e.Reason
}

// Prober is the subset of probe.Prober used by the coordinator.
type Prober interface {
	CanConnect(ctx context.Context) bool
	ConflictWithin(d time.Duration) bool
}

// Consumer is the subset of consumer.Controller used by the coordinator.
type Consumer interface {
	Attach(gate func() bool, standDown func(reason string))
	Start(ctx context.Context) bool
	Stop(ctx context.Context) error
	State() consumer.State
}

// Witness is the subset of witness.Witness used by the coordinator.
type Witness interface {
	Create(ctx context.Context) (witness.Status, error)
	Verify(ctx context.Context) (witness.Status, error)
	Remove() error
	Changes() <-chan struct{}
}

// Config configures a Coordinator. Zero durations take the defaults.
type Config struct {
	OwnerID  string
	Store    lease.Store
	Locker   *tasklock.Locker
	Prober   Prober
	Consumer Consumer
	// Witness is optional.
	Witness Witness
	Clock   clock.Clock
	Logger  pslog.Logger
	Rand    *backoff.Rand
	Host    string
	PID     int

	LeaseTimeout          time.Duration
	MasterHeartbeat       time.Duration
	ExecutionHeartbeat    time.Duration
	LeaseCheckInterval    time.Duration
	JanitorInterval       time.Duration
	InitialDelayMin       time.Duration
	InitialDelayMax       time.Duration
	ExecutionCooldown     time.Duration
	ConsumerStartDelay    time.Duration
	ReacquireDelay        time.Duration
	OwnershipGrace        time.Duration
	ConflictCorroboration time.Duration
	HeartbeatTimeout      time.Duration
	JanitorTimeout        time.Duration
	ShutdownTimeout       time.Duration
	ShutdownGrace         time.Duration
	AcquireBackoff        backoff.Policy
	ForeignLeaderBackoff  backoff.Policy
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	setDefault(&c.LeaseTimeout, DefaultLeaseTimeout)
	setDefault(&c.MasterHeartbeat, DefaultMasterHeartbeat)
	setDefault(&c.ExecutionHeartbeat, DefaultExecutionHeartbeat)
	setDefault(&c.LeaseCheckInterval, DefaultLeaseCheckInterval)
	setDefault(&c.JanitorInterval, DefaultJanitorInterval)
	if c.InitialDelayMin < 0 {
		c.InitialDelayMin = 0
	}
	if c.InitialDelayMin == 0 && c.InitialDelayMax == 0 {
		c.InitialDelayMin, c.InitialDelayMax = DefaultInitialDelayMin, DefaultInitialDelayMax
	}
	setDefault(&c.ExecutionCooldown, DefaultExecutionCooldown)
	setDefault(&c.ConsumerStartDelay, DefaultConsumerStartDelay)
	setDefault(&c.ReacquireDelay, DefaultReacquireDelay)
	setDefault(&c.OwnershipGrace, DefaultOwnershipGrace)
	setDefault(&c.ConflictCorroboration, DefaultConflictCorroboration)
	setDefault(&c.HeartbeatTimeout, DefaultHeartbeatTimeout)
	setDefault(&c.JanitorTimeout, DefaultJanitorTimeout)
	setDefault(&c.ShutdownTimeout, DefaultShutdownTimeout)
	setDefault(&c.ShutdownGrace, DefaultShutdownGrace)
	if c.AcquireBackoff == (backoff.Policy{}) {
		c.AcquireBackoff = DefaultAcquireBackoff
	}
	if c.ForeignLeaderBackoff == (backoff.Policy{}) {
		c.ForeignLeaderBackoff = DefaultForeignLeaderBackoff
	}
	if c.Host == "" {
		c.Host, _ = os.Hostname()
	}
	if c.PID == 0 {
		c.PID = os.Getpid()
	}
	return c
}

// Validate checks required collaborators and timing relationships after
// applying defaults.
func (c Config) Validate() error {
	switch {
	case c.OwnerID == "":
		return errors.New("coordinator: owner id required")
	case c.Store == nil:
		return errors.New("coordinator: store required")
	case c.Locker == nil:
		return errors.New("coordinator: task locker required")
	case c.Prober == nil:
		return errors.New("coordinator: prober required")
	}
	d := c.WithDefaults()
	if 2*d.MasterHeartbeat > d.LeaseTimeout {
		return fmt.Errorf("coordinator: master heartbeat %s must be at most half the lease timeout %s", d.MasterHeartbeat, d.LeaseTimeout)
	}
	if 2*d.ExecutionHeartbeat > d.LeaseTimeout {
		return fmt.Errorf("coordinator: execution heartbeat %s must be at most half the lease timeout %s", d.ExecutionHeartbeat, d.LeaseTimeout)
	}
	if d.InitialDelayMax < d.InitialDelayMin {
		return fmt.Errorf("coordinator: initial delay max %s below min %s", d.InitialDelayMax, d.InitialDelayMin)
	}
	return nil
}

type stopKind int

const (
	stopNone stopKind = iota
	stopShutdown
	stopStandDown
)

// Coordinator is one instance's election state machine.
type Coordinator struct {
	cfg      Config
	owner    string
	store    lease.Store
	locker   *tasklock.Locker
	prober   Prober
	consumer Consumer
	witness  Witness
	clock    clock.Clock
	logger   pslog.Logger
	rng      *backoff.Rand
	metrics  *coordinatorMetrics

	acquireBackoff *backoff.Backoff
	foreignBackoff *backoff.Backoff
	execLimiter    *rate.Limiter

	state   atomic.Int32
	leading atomic.Bool
	running atomic.Bool
	done    chan struct{}

	stopOnce   sync.Once
	stopCh     chan struct{}
	stopMu     sync.Mutex
	stopKind   stopKind
	stopReason string
	stopClass  string

	sigMu sync.Mutex
	sig   signals
	gen   [2]uint64
	wake  chan struct{}

	// Driver-goroutine state.
	runCtx       context.Context
	heartbeats   [2]*loop
	leaseCheck   *loop
	janitor      *loop
	graceUntil   time.Time
	holding      [2]bool
	lastAcquired time.Time

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// New validates cfg and returns an idle Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	c := &Coordinator{
		cfg:      cfg,
		owner:    cfg.OwnerID,
		store:    cfg.Store,
		locker:   cfg.Locker,
		prober:   cfg.Prober,
		consumer: cfg.Consumer,
		witness:  cfg.Witness,
		clock:    clock.Or(cfg.Clock),
		logger:   cfg.Logger,
		rng:      cfg.Rand,
		done:     make(chan struct{}),
		stopCh:   make(chan struct{}),
		wake:     make(chan struct{}, 1),
		subs:     make(map[int]chan Event),
	}
	if c.logger == nil {
		c.logger = pslog.NoopLogger()
	}
	if c.rng == nil {
		c.rng = backoff.NewRand(c.clock.Now(), c.owner)
	}
	if c.consumer == nil {
		c.consumer = noopConsumer{}
	}
	c.acquireBackoff = backoff.New(cfg.AcquireBackoff, c.rng)
	c.foreignBackoff = backoff.New(cfg.ForeignLeaderBackoff, c.rng)
	c.execLimiter = rate.NewLimiter(rate.Every(cfg.ExecutionCooldown), 1)
	c.metrics = newCoordinatorMetrics(c.logger, c)
	return c, nil
}

// OwnerID returns this instance's owner id.
func (c *Coordinator) OwnerID() string {
	return c.owner
}

// State returns the current state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// IsLeading reports whether this instance holds both leases. Leader-only
// side effects must be gated on it.
func (c *Coordinator) IsLeading() bool {
	return c.leading.Load()
}

// Done is closed when Run returns.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// RunExclusive runs fn under a task lease. See tasklock.Locker.RunExclusive.
func (c *Coordinator) RunExclusive(ctx context.Context, task string, timeout time.Duration, fn func(context.Context) error) error {
	return c.locker.RunExclusive(ctx, task, timeout, fn)
}

// RequestShutdown asks Run to release everything and return nil. It never
// blocks.
func (c *Coordinator) RequestShutdown(reason string) {
	c.requestStop(stopShutdown, reason, "shutdown")
}

// RequestStandDown asks Run to release everything and return a
// StandDownError. It never blocks.
func (c *Coordinator) RequestStandDown(reason string) {
	c.requestStop(stopStandDown, reason, "requested")
}

func (c *Coordinator) requestStop(kind stopKind, reason, class string) {
	c.stopOnce.Do(func() {
		c.stopMu.Lock()
		c.stopKind = kind
		c.stopReason = reason
		c.stopClass = class
		c.stopMu.Unlock()
		c.logger.Info("coordinator.stop.requested", "reason", reason, "stand_down", kind == stopStandDown)
		close(c.stopCh)
	})
}

func (c *Coordinator) stopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Coordinator) stopInfo() (stopKind, string, string) {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()
	return c.stopKind, c.stopReason, c.stopClass
}

func (c *Coordinator) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	c.logger.Debug("coordinator.state", "from", prev.String(), "to", s.String())
	c.metrics.recordTransition(c.runCtx, prev, s)
}

type noopConsumer struct{}

func (noopConsumer) Attach(func() bool, func(string)) {}
func (noopConsumer) Start(context.Context) bool      { return false }
func (noopConsumer) Stop(context.Context) error      { return nil }
func (noopConsumer) State() consumer.State           { return consumer.StateStopped }
