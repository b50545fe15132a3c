package chargeq

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/chargeq/internal/consumer"
	"pkt.systems/chargeq/internal/coordinator"
	"pkt.systems/chargeq/internal/lease"
	"pkt.systems/chargeq/internal/probe"
	"pkt.systems/chargeq/internal/tasklock"
	"pkt.systems/chargeq/internal/transport/telegram"
)

const (
	// DefaultStore points the instance at the in-memory backend. It only
	// coordinates goroutines inside one process.
	DefaultStore = "mem://"
	// DefaultStorePrefix is prepended to collection and table names.
	DefaultStorePrefix = "chargeq_"
	// DefaultStoreConnectTimeout bounds the initial store connection.
	DefaultStoreConnectTimeout = 10 * time.Second
	// DefaultStoreRetryMaxAttempts describes how many transient store errors are retried.
	DefaultStoreRetryMaxAttempts = 4
	// DefaultStoreRetryBaseDelay configures the base delay between store retries.
	DefaultStoreRetryBaseDelay = 100 * time.Millisecond
	// DefaultStoreRetryMaxDelay caps the exponential backoff between store retries.
	DefaultStoreRetryMaxDelay = 2 * time.Second
	// DefaultStoreRetryMultiplier defines the exponential backoff ratio.
	DefaultStoreRetryMultiplier = 2.0
	// DefaultLeaseHardTTL is the crash safety net applied by the store.
	DefaultLeaseHardTTL = lease.DefaultHardTTL
	// DefaultAPIEndpoint is the Bot API endpoint template.
	DefaultAPIEndpoint = telegram.DefaultEndpoint
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultWitnessFileName is the marker file name inside the witness directory.
	DefaultWitnessFileName = "leader.json"
)

// Coordinator, probe and consumer timings. See the owning packages.
const (
	DefaultLeaseTimeout          = coordinator.DefaultLeaseTimeout
	DefaultMasterHeartbeat       = coordinator.DefaultMasterHeartbeat
	DefaultExecutionHeartbeat    = coordinator.DefaultExecutionHeartbeat
	DefaultLeaseCheckInterval    = coordinator.DefaultLeaseCheckInterval
	DefaultJanitorInterval       = coordinator.DefaultJanitorInterval
	DefaultInitialDelayMin       = coordinator.DefaultInitialDelayMin
	DefaultInitialDelayMax       = coordinator.DefaultInitialDelayMax
	DefaultExecutionCooldown     = coordinator.DefaultExecutionCooldown
	DefaultConsumerStartDelay    = coordinator.DefaultConsumerStartDelay
	DefaultOwnershipGrace        = coordinator.DefaultOwnershipGrace
	DefaultConflictCorroboration = coordinator.DefaultConflictCorroboration
	DefaultShutdownTimeout       = coordinator.DefaultShutdownTimeout
	DefaultShutdownGrace         = coordinator.DefaultShutdownGrace

	DefaultProbeTimeout       = probe.DefaultTimeout
	DefaultConflictCooldown   = probe.DefaultConflictCooldown
	DefaultProbeSkipThreshold = probe.DefaultSkipThreshold

	DefaultPollTimeout               = consumer.DefaultPollTimeout
	DefaultConflictMaxRetries        = consumer.DefaultConflictMaxRetries
	DefaultTransientRestartThreshold = consumer.DefaultTransientRestartThreshold
	DefaultFatalRestartDelay         = consumer.DefaultFatalRestartDelay

	DefaultTaskReclaimAge = tasklock.DefaultReclaimAge
)

// Config captures the tunables for one chargeq instance.
type Config struct {
	// OwnerID overrides the generated instance id. Leave empty in production.
	OwnerID string

	// Store is the lease store URL (mem://, mongodb://, mongodb+srv://,
	// sqlserver://, sqlite3://).
	Store string
	// StoreDatabase selects the MongoDB database. Defaults to the URI path.
	StoreDatabase string
	// StorePrefix is prepended to collection and table names.
	StorePrefix string
	// StoreConnectTimeout bounds the initial connection.
	StoreConnectTimeout time.Duration
	// StoreRetryMaxAttempts is the number of tries for transient store errors.
	StoreRetryMaxAttempts int
	// StoreRetryBaseDelay is the first retry delay.
	StoreRetryBaseDelay time.Duration
	// StoreRetryMaxDelay caps retry delays.
	StoreRetryMaxDelay time.Duration
	// StoreRetryMultiplier grows retry delays.
	StoreRetryMultiplier float64
	// LeaseHardTTL removes leases this long after their last heartbeat
	// regardless of ownership.
	LeaseHardTTL time.Duration

	// BotToken is the Bot API credential shared by every instance.
	BotToken string
	// APIEndpoint is a Bot API template with two %s verbs (token, method).
	APIEndpoint string

	// WitnessPath is the local marker file. Empty uses DefaultWitnessPath.
	WitnessPath string
	// DisableWitness turns the local witness off.
	DisableWitness bool

	LeaseTimeout          time.Duration
	MasterHeartbeat       time.Duration
	ExecutionHeartbeat    time.Duration
	LeaseCheckInterval    time.Duration
	JanitorInterval       time.Duration
	InitialDelayMin       time.Duration
	InitialDelayMax       time.Duration
	ExecutionCooldown     time.Duration
	ConsumerStartDelay    time.Duration
	OwnershipGrace        time.Duration
	ConflictCorroboration time.Duration
	ShutdownTimeout       time.Duration
	ShutdownGrace         time.Duration

	ProbeTimeout       time.Duration
	ConflictCooldown   time.Duration
	ProbeSkipThreshold int

	PollTimeout               time.Duration
	ConflictMaxRetries        int
	TransientRestartThreshold int
	FatalRestartDelay         time.Duration

	// TaskReclaimAge is the holder age after which allow-listed task
	// leases are force-reclaimed.
	TaskReclaimAge time.Duration
	// ForceReclaimTasks lists the tasks eligible for force reclaim. Nil
	// uses the heartbeat and transport probe tasks.
	ForceReclaimTasks []string

	// MetricsListen is the Prometheus scrape address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof listener; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the scrape endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https://).
	OTLPEndpoint string
}

func defaultDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// ValidateStore fills and checks only the settings OpenStore needs. The
// admin commands use it to reach the store without a bot token.
func (c *Config) ValidateStore() error {
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if _, err := StoreBackend(c.Store); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.StorePrefix == "" {
		c.StorePrefix = DefaultStorePrefix
	}
	defaultDuration(&c.StoreConnectTimeout, DefaultStoreConnectTimeout)
	if c.StoreRetryMaxAttempts <= 0 {
		c.StoreRetryMaxAttempts = DefaultStoreRetryMaxAttempts
	}
	defaultDuration(&c.StoreRetryBaseDelay, DefaultStoreRetryBaseDelay)
	defaultDuration(&c.StoreRetryMaxDelay, DefaultStoreRetryMaxDelay)
	if c.StoreRetryMultiplier <= 0 {
		c.StoreRetryMultiplier = DefaultStoreRetryMultiplier
	}
	defaultDuration(&c.LeaseTimeout, DefaultLeaseTimeout)
	defaultDuration(&c.LeaseHardTTL, DefaultLeaseHardTTL)
	if c.StoreConnectTimeout < 0 || c.LeaseTimeout < 0 {
		return errors.New("config: store timeouts must be >= 0")
	}
	if c.LeaseHardTTL < c.LeaseTimeout {
		return fmt.Errorf("config: lease hard ttl %s must be >= lease timeout %s", c.LeaseHardTTL, c.LeaseTimeout)
	}
	return nil
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if err := c.ValidateStore(); err != nil {
		return err
	}

	c.BotToken = strings.TrimSpace(c.BotToken)
	if c.BotToken == "" {
		return errors.New("config: bot token is required")
	}
	if c.APIEndpoint == "" {
		c.APIEndpoint = DefaultAPIEndpoint
	}
	if strings.Count(c.APIEndpoint, "%s") != 2 {
		return fmt.Errorf("config: api endpoint %q must contain two %%s verbs", c.APIEndpoint)
	}
	if !c.DisableWitness && strings.TrimSpace(c.WitnessPath) == "" {
		c.WitnessPath = DefaultWitnessPath(c.BotToken)
	}

	defaultDuration(&c.MasterHeartbeat, DefaultMasterHeartbeat)
	defaultDuration(&c.ExecutionHeartbeat, DefaultExecutionHeartbeat)
	defaultDuration(&c.LeaseCheckInterval, DefaultLeaseCheckInterval)
	defaultDuration(&c.JanitorInterval, DefaultJanitorInterval)
	if c.InitialDelayMin == 0 && c.InitialDelayMax == 0 {
		c.InitialDelayMin, c.InitialDelayMax = DefaultInitialDelayMin, DefaultInitialDelayMax
	}
	defaultDuration(&c.ExecutionCooldown, DefaultExecutionCooldown)
	defaultDuration(&c.ConsumerStartDelay, DefaultConsumerStartDelay)
	defaultDuration(&c.OwnershipGrace, DefaultOwnershipGrace)
	defaultDuration(&c.ConflictCorroboration, DefaultConflictCorroboration)
	defaultDuration(&c.ShutdownTimeout, DefaultShutdownTimeout)
	defaultDuration(&c.ShutdownGrace, DefaultShutdownGrace)
	defaultDuration(&c.ProbeTimeout, DefaultProbeTimeout)
	defaultDuration(&c.ConflictCooldown, DefaultConflictCooldown)
	if c.ProbeSkipThreshold <= 0 {
		c.ProbeSkipThreshold = DefaultProbeSkipThreshold
	}
	defaultDuration(&c.PollTimeout, DefaultPollTimeout)
	if c.ConflictMaxRetries <= 0 {
		c.ConflictMaxRetries = DefaultConflictMaxRetries
	}
	if c.TransientRestartThreshold <= 0 {
		c.TransientRestartThreshold = DefaultTransientRestartThreshold
	}
	defaultDuration(&c.FatalRestartDelay, DefaultFatalRestartDelay)
	defaultDuration(&c.TaskReclaimAge, DefaultTaskReclaimAge)

	durations := map[string]time.Duration{
		"store connect timeout":  c.StoreConnectTimeout,
		"lease timeout":          c.LeaseTimeout,
		"master heartbeat":       c.MasterHeartbeat,
		"execution heartbeat":    c.ExecutionHeartbeat,
		"lease check interval":   c.LeaseCheckInterval,
		"janitor interval":       c.JanitorInterval,
		"shutdown timeout":       c.ShutdownTimeout,
		"probe timeout":          c.ProbeTimeout,
		"poll timeout":           c.PollTimeout,
		"task reclaim age":       c.TaskReclaimAge,
		"conflict corroboration": c.ConflictCorroboration,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("config: %s must be >= 0", name)
		}
	}
	if c.InitialDelayMin < 0 || c.InitialDelayMax < c.InitialDelayMin {
		return fmt.Errorf("config: initial delay range %s..%s is invalid", c.InitialDelayMin, c.InitialDelayMax)
	}
	if 2*c.MasterHeartbeat > c.LeaseTimeout {
		return fmt.Errorf("config: master heartbeat %s must be at most half the lease timeout %s", c.MasterHeartbeat, c.LeaseTimeout)
	}
	if 2*c.ExecutionHeartbeat > c.LeaseTimeout {
		return fmt.Errorf("config: execution heartbeat %s must be at most half the lease timeout %s", c.ExecutionHeartbeat, c.LeaseTimeout)
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return errors.New("config: profiling metrics require metrics-listen")
	}
	return nil
}

// DefaultWitnessPath returns a per-credential marker path under the user
// cache directory, falling back to the temp directory. Different bot
// tokens on one host never share a marker.
func DefaultWitnessPath(token string) string {
	dir, err := os.UserCacheDir()
	if err != nil || dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "chargeq", botID(token), DefaultWitnessFileName)
}

// botID returns the numeric bot id prefix of a token, which is not secret.
func botID(token string) string {
	id, _, ok := strings.Cut(token, ":")
	if !ok || id == "" {
		return "default"
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return "default"
		}
	}
	return id
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.chargeq), overridable with CHARGEQ_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("CHARGEQ_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".chargeq"), nil
}
