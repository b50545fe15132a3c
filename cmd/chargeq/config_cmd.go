package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/chargeq"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage chargeq configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.chargeq/" + chargeq.DefaultConfigFileName
	if dir, err := chargeq.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, chargeq.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default chargeq configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := chargeq.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, chargeq.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			// The file holds the bot token once filled in.
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Store                     string   `yaml:"store"`
	StoreDatabase             string   `yaml:"store-database"`
	StorePrefix               string   `yaml:"store-prefix"`
	StoreConnectTimeout       string   `yaml:"store-connect-timeout"`
	StoreRetryMaxAttempts     int      `yaml:"store-retry-attempts"`
	StoreRetryBaseDelay       string   `yaml:"store-retry-base-delay"`
	StoreRetryMaxDelay        string   `yaml:"store-retry-max-delay"`
	StoreRetryMultiplier      float64  `yaml:"store-retry-multiplier"`
	LeaseTimeout              string   `yaml:"lease-timeout"`
	LeaseHardTTL              string   `yaml:"lease-hard-ttl"`
	BotToken                  string   `yaml:"bot-token"`
	APIEndpoint               string   `yaml:"api-endpoint"`
	WitnessPath               string   `yaml:"witness-path"`
	DisableWitness            bool     `yaml:"disable-witness"`
	MasterHeartbeat           string   `yaml:"master-heartbeat"`
	ExecutionHeartbeat        string   `yaml:"execution-heartbeat"`
	LeaseCheckInterval        string   `yaml:"lease-check-interval"`
	JanitorInterval           string   `yaml:"janitor-interval"`
	InitialDelayMin           string   `yaml:"initial-delay-min"`
	InitialDelayMax           string   `yaml:"initial-delay-max"`
	ExecutionCooldown         string   `yaml:"execution-cooldown"`
	ConsumerStartDelay        string   `yaml:"consumer-start-delay"`
	OwnershipGrace            string   `yaml:"ownership-grace"`
	ConflictCorroboration     string   `yaml:"conflict-corroboration"`
	ShutdownTimeout           string   `yaml:"shutdown-timeout"`
	ShutdownGrace             string   `yaml:"shutdown-grace"`
	ProbeTimeout              string   `yaml:"probe-timeout"`
	ConflictCooldown          string   `yaml:"conflict-cooldown"`
	ProbeSkipThreshold        int      `yaml:"probe-skip-threshold"`
	PollTimeout               string   `yaml:"poll-timeout"`
	ConflictMaxRetries        int      `yaml:"conflict-max-retries"`
	TransientRestartThreshold int      `yaml:"transient-restart-threshold"`
	FatalRestartDelay         string   `yaml:"fatal-restart-delay"`
	TaskReclaimAge            string   `yaml:"task-reclaim-age"`
	ForceReclaimTasks         []string `yaml:"force-reclaim-tasks"`
	MetricsListen             string   `yaml:"metrics-listen"`
	PprofListen               string   `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string   `yaml:"otlp-endpoint"`
	LogLevel                  string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Store:                     chargeq.DefaultStore,
		StorePrefix:               chargeq.DefaultStorePrefix,
		StoreConnectTimeout:       chargeq.DefaultStoreConnectTimeout.String(),
		StoreRetryMaxAttempts:     chargeq.DefaultStoreRetryMaxAttempts,
		StoreRetryBaseDelay:       chargeq.DefaultStoreRetryBaseDelay.String(),
		StoreRetryMaxDelay:        chargeq.DefaultStoreRetryMaxDelay.String(),
		StoreRetryMultiplier:      chargeq.DefaultStoreRetryMultiplier,
		LeaseTimeout:              chargeq.DefaultLeaseTimeout.String(),
		LeaseHardTTL:              chargeq.DefaultLeaseHardTTL.String(),
		APIEndpoint:               chargeq.DefaultAPIEndpoint,
		MasterHeartbeat:           chargeq.DefaultMasterHeartbeat.String(),
		ExecutionHeartbeat:        chargeq.DefaultExecutionHeartbeat.String(),
		LeaseCheckInterval:        chargeq.DefaultLeaseCheckInterval.String(),
		JanitorInterval:           chargeq.DefaultJanitorInterval.String(),
		InitialDelayMin:           chargeq.DefaultInitialDelayMin.String(),
		InitialDelayMax:           chargeq.DefaultInitialDelayMax.String(),
		ExecutionCooldown:         chargeq.DefaultExecutionCooldown.String(),
		ConsumerStartDelay:        chargeq.DefaultConsumerStartDelay.String(),
		OwnershipGrace:            chargeq.DefaultOwnershipGrace.String(),
		ConflictCorroboration:     chargeq.DefaultConflictCorroboration.String(),
		ShutdownTimeout:           chargeq.DefaultShutdownTimeout.String(),
		ShutdownGrace:             chargeq.DefaultShutdownGrace.String(),
		ProbeTimeout:              chargeq.DefaultProbeTimeout.String(),
		ConflictCooldown:          chargeq.DefaultConflictCooldown.String(),
		ProbeSkipThreshold:        chargeq.DefaultProbeSkipThreshold,
		PollTimeout:               chargeq.DefaultPollTimeout.String(),
		ConflictMaxRetries:        chargeq.DefaultConflictMaxRetries,
		TransientRestartThreshold: chargeq.DefaultTransientRestartThreshold,
		FatalRestartDelay:         chargeq.DefaultFatalRestartDelay.String(),
		TaskReclaimAge:            chargeq.DefaultTaskReclaimAge.String(),
		LogLevel:                  "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
