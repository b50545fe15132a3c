package chargeq

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/chargeq/internal/backoff"
	"pkt.systems/chargeq/internal/clock"
	"pkt.systems/chargeq/internal/consumer"
	"pkt.systems/chargeq/internal/coordinator"
	"pkt.systems/chargeq/internal/correlation"
	"pkt.systems/chargeq/internal/ids"
	"pkt.systems/chargeq/internal/lease"
	"pkt.systems/chargeq/internal/probe"
	"pkt.systems/chargeq/internal/svcfields"
	"pkt.systems/chargeq/internal/tasklock"
	"pkt.systems/chargeq/internal/transport"
	"pkt.systems/chargeq/internal/transport/telegram"
	"pkt.systems/chargeq/internal/witness"
)

// Handler receives the updates polled while this instance leads.
type Handler = consumer.Handler

// HandlerFunc adapts a function to Handler.
type HandlerFunc = consumer.HandlerFunc

// Update is an inbound Bot API update.
type Update = transport.Update

// Option customises an Instance.
type Option func(*instanceOptions)

type instanceOptions struct {
	logger    pslog.Logger
	store     lease.Store
	transport transport.Transport
	clock     clock.Clock
	handler   Handler
	openStore func(context.Context, Config, pslog.Logger, clock.Clock) (lease.Store, error)
}

// WithLogger routes all instance logs to logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *instanceOptions) {
		o.logger = logger
	}
}

// WithStore uses store instead of opening Config.Store. The caller keeps
// ownership and closes it.
func WithStore(store lease.Store) Option {
	return func(o *instanceOptions) {
		o.store = store
	}
}

// WithTransport replaces the Telegram client built from the bot token.
func WithTransport(t transport.Transport) Option {
	return func(o *instanceOptions) {
		o.transport = t
	}
}

// WithClock injects a clock, mainly for tests.
func WithClock(clk clock.Clock) Option {
	return func(o *instanceOptions) {
		o.clock = clk
	}
}

// WithHandler sets the update handler. Without one, updates are logged
// and acknowledged.
func WithHandler(h Handler) Option {
	return func(o *instanceOptions) {
		o.handler = h
	}
}

// Instance is one fully wired bot process: store, task lock, transport,
// probe, consumer, witness and coordinator.
type Instance struct {
	cfg       Config
	owner     string
	logger    pslog.Logger
	store     lease.Store
	ownsStore bool
	coord     *coordinator.Coordinator

	runMu   sync.Mutex
	started bool
}

// New validates cfg and wires an Instance. Nothing runs until Run.
func New(ctx context.Context, cfg Config, opts ...Option) (*Instance, error) {
	var o instanceOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := clock.Or(o.clock)
	owner := cfg.OwnerID
	if owner == "" {
		owner = ids.NewOwnerID()
	}
	logger = svcfields.WithOwner(logger, owner)

	inst := &Instance{cfg: cfg, owner: owner, logger: logger}
	store := o.store
	if store == nil {
		open := o.openStore
		if open == nil {
			open = OpenStore
		}
		var err error
		store, err = open(ctx, cfg, svcfields.WithSubsystem(logger, svcfields.Store), clk)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		inst.ownsStore = true
	}
	inst.store = store
	fail := func(err error) (*Instance, error) {
		if inst.ownsStore {
			_ = store.Close(context.WithoutCancel(ctx))
		}
		return nil, err
	}

	locker, err := tasklock.New(tasklock.Config{
		Store:        store,
		OwnerID:      owner,
		Clock:        clk,
		Logger:       svcfields.WithSubsystem(logger, svcfields.TaskLock),
		ReclaimAge:   cfg.TaskReclaimAge,
		ForceReclaim: cfg.ForceReclaimTasks,
	})
	if err != nil {
		return fail(err)
	}

	tr := o.transport
	if tr == nil {
		tr, err = telegram.New(telegram.Config{
			Token:    cfg.BotToken,
			Endpoint: cfg.APIEndpoint,
			Logger:   svcfields.WithSubsystem(logger, svcfields.Subsystem(svcfields.Transport, "telegram")),
		})
		if err != nil {
			return fail(err)
		}
	}

	prober, err := probe.New(probe.Config{
		Transport:        tr,
		Locker:           locker,
		Clock:            clk,
		Logger:           svcfields.WithSubsystem(logger, svcfields.Probe),
		ConflictCooldown: cfg.ConflictCooldown,
		Timeout:          cfg.ProbeTimeout,
		SkipThreshold:    cfg.ProbeSkipThreshold,
	})
	if err != nil {
		return fail(err)
	}

	rng := backoff.NewRand(clk.Now(), owner)
	handler := o.handler
	if handler == nil {
		handler = logHandler(svcfields.WithSubsystem(logger, svcfields.Consumer))
	}
	ctrl, err := consumer.New(consumer.Config{
		Transport:                 tr,
		Prober:                    prober,
		Handler:                   handler,
		Clock:                     clk,
		Logger:                    svcfields.WithSubsystem(logger, svcfields.Consumer),
		Rand:                      rng,
		PollTimeout:               cfg.PollTimeout,
		ConflictMaxRetries:        cfg.ConflictMaxRetries,
		TransientRestartThreshold: cfg.TransientRestartThreshold,
		FatalRestartDelay:         cfg.FatalRestartDelay,
	})
	if err != nil {
		return fail(err)
	}

	var wit coordinator.Witness
	if !cfg.DisableWitness {
		w, err := witness.New(witness.Config{
			Path:    cfg.WitnessPath,
			OwnerID: owner,
			Clock:   clk,
			Logger:  svcfields.WithSubsystem(logger, svcfields.Witness),
		})
		if err != nil {
			return fail(err)
		}
		wit = w
	}

	host, _ := os.Hostname()
	coord, err := coordinator.New(coordinator.Config{
		OwnerID:               owner,
		Store:                 store,
		Locker:                locker,
		Prober:                prober,
		Consumer:              ctrl,
		Witness:               wit,
		Clock:                 clk,
		Logger:                svcfields.WithSubsystem(logger, svcfields.Coordinator),
		Rand:                  rng,
		Host:                  host,
		PID:                   os.Getpid(),
		LeaseTimeout:          cfg.LeaseTimeout,
		MasterHeartbeat:       cfg.MasterHeartbeat,
		ExecutionHeartbeat:    cfg.ExecutionHeartbeat,
		LeaseCheckInterval:    cfg.LeaseCheckInterval,
		JanitorInterval:       cfg.JanitorInterval,
		InitialDelayMin:       cfg.InitialDelayMin,
		InitialDelayMax:       cfg.InitialDelayMax,
		ExecutionCooldown:     cfg.ExecutionCooldown,
		ConsumerStartDelay:    cfg.ConsumerStartDelay,
		OwnershipGrace:        cfg.OwnershipGrace,
		ConflictCorroboration: cfg.ConflictCorroboration,
		ShutdownTimeout:       cfg.ShutdownTimeout,
		ShutdownGrace:         cfg.ShutdownGrace,
	})
	if err != nil {
		return fail(err)
	}
	inst.coord = coord
	return inst, nil
}

// OwnerID returns the instance owner id.
func (i *Instance) OwnerID() string {
	return i.owner
}

// Coordinator exposes the lease coordinator, for RunExclusive and event
// subscriptions.
func (i *Instance) Coordinator() *coordinator.Coordinator {
	return i.coord
}

// Store returns the lease store the instance runs against.
func (i *Instance) Store() lease.Store {
	return i.store
}

// Run starts telemetry and drives the coordinator until ctx is cancelled
// or the instance stands down. The store is closed on return only when the
// instance opened it; a store passed with WithStore is left open.
func (i *Instance) Run(ctx context.Context) error {
	i.runMu.Lock()
	if i.started {
		i.runMu.Unlock()
		return coordinator.ErrAlreadyRunning
	}
	i.started = true
	i.runMu.Unlock()

	tel, err := setupTelemetry(ctx, i.cfg, i.owner, i.statusHandler(), svcfields.WithSubsystem(i.logger, svcfields.Telemetry))
	if err != nil {
		i.closeStore(ctx)
		return err
	}
	i.logger.Info("instance.start", "store", redactStore(i.cfg.Store), "witness", i.cfg.WitnessPath)

	runErr := i.coord.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.cfg.ShutdownTimeout)
	defer cancel()
	// Telemetry failures are logged by the bundle and never mask runErr.
	_ = tel.Shutdown(shutdownCtx)
	i.closeStore(shutdownCtx)
	if runErr != nil {
		i.logger.Warn("instance.stop", "error", runErr)
	} else {
		i.logger.Info("instance.stop")
	}
	return runErr
}

// redactStore drops credentials from a store URL before logging.
func redactStore(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	q := u.Query()
	for _, key := range []string{"password", "Password"} {
		if q.Has(key) {
			q.Set(key, "xxxxx")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (i *Instance) closeStore(ctx context.Context) {
	if !i.ownsStore {
		return
	}
	if err := i.store.Close(context.WithoutCancel(ctx)); err != nil {
		i.logger.Warn("store.close.failed", "error", err)
	}
}

// Status is served at /status on the metrics listener.
type Status struct {
	OwnerID string `json:"owner_id"`
	State   string `json:"state"`
	Leading bool   `json:"leading"`
}

// Status reports the current coordinator state.
func (i *Instance) Status() Status {
	return Status{
		OwnerID: i.owner,
		State:   i.coord.State().String(),
		Leading: i.coord.IsLeading(),
	}
}

func (i *Instance) statusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		status := i.Status()
		w.Header().Set("Content-Type", "application/json")
		if !status.Leading {
			w.Header().Set("X-Chargeq-Standby", "true")
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}

// CorrelationID returns the identifier the consumer attached to the
// handler context of one update, for joining handler and consumer logs.
func CorrelationID(ctx context.Context) string {
	return correlation.ID(ctx)
}

func logHandler(logger pslog.Logger) Handler {
	return HandlerFunc(func(ctx context.Context, u transport.Update) error {
		logger.Debug("consumer.update.received", "update_id", u.ID, "chat_id", u.ChatID, "cid", CorrelationID(ctx))
		return nil
	})
}
